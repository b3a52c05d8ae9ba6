package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/maruel/subcommands"
)

// --- minter-create ---

type minterCreateRun struct {
	commandBase
	shoulder string
	mask     string
}

func cmdMinterCreate() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "minter-create -shoulder <prefix> [-mask <mask>]",
		ShortDesc: "создаёт минтер плеча",
		LongDesc:  "Создаёт минтер для существующего префикса. Маска по умолчанию — eedk.",
		CommandRun: func() subcommands.CommandRun {
			c := &minterCreateRun{}
			c.Flags.StringVar(&c.shoulder, "shoulder", "", "Префикс плеча, например ark:/99999/fk4.")
			c.Flags.StringVar(&c.mask, "mask", "", "Маска минтера (символы d, e, k).")
			return c
		},
	}
}

func (c *minterCreateRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if rc := c.required(a, args, map[string]string{"shoulder": c.shoulder}); rc != 0 {
		return rc
	}
	return c.execute(a, func(ctx context.Context, b backend, out io.Writer) error {
		st, err := b.CreateMinter(ctx, c.shoulder, c.mask)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "minter %s created: template %s\n", c.shoulder, st.Template)
		return err
	})
}

// --- minter-mint ---

type minterMintRun struct {
	commandBase
	shoulder string
	count    int
	dryRun   bool
}

func cmdMinterMint() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "minter-mint -shoulder <prefix> [-n N] [-dry-run]",
		ShortDesc: "выпускает идентификаторы без создания записей",
		LongDesc: "Выпускает N идентификаторов минтером плеча и выводит их по одному в строке. " +
			"С -dry-run состояние минтера не меняется.",
		CommandRun: func() subcommands.CommandRun {
			c := &minterMintRun{}
			c.Flags.StringVar(&c.shoulder, "shoulder", "", "Префикс плеча.")
			c.Flags.IntVar(&c.count, "n", 1, "Число идентификаторов.")
			c.Flags.BoolVar(&c.dryRun, "dry-run", false, "Только показать, не сохраняя состояние минтера.")
			return c
		},
	}
}

func (c *minterMintRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if rc := c.required(a, args, map[string]string{"shoulder": c.shoulder}); rc != 0 {
		return rc
	}
	return c.execute(a, func(ctx context.Context, b backend, out io.Writer) error {
		ids, err := b.Mint(ctx, c.shoulder, c.count, c.dryRun)
		if err != nil {
			return err
		}
		return printLines(out, ids)
	})
}

// --- minter-slice ---

type minterSliceRun struct {
	commandBase
	shoulder string
	mask     string
	skip     int
	count    int
}

func cmdMinterSlice() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "minter-slice -shoulder <prefix> [-mask <mask>] [-skip N] [-n N]",
		ShortDesc: "показывает последовательность нового минтера",
		LongDesc: "Выводит идентификаторы, которые новый минтер плеча выпустил бы после первых -skip. " +
			"Сохранённое состояние не читается и не меняется.",
		CommandRun: func() subcommands.CommandRun {
			c := &minterSliceRun{}
			c.Flags.StringVar(&c.shoulder, "shoulder", "", "Префикс плеча.")
			c.Flags.StringVar(&c.mask, "mask", "", "Маска минтера.")
			c.Flags.IntVar(&c.skip, "skip", 0, "Сколько идентификаторов пропустить.")
			c.Flags.IntVar(&c.count, "n", 10, "Число идентификаторов.")
			return c
		},
	}
}

func (c *minterSliceRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if rc := c.required(a, args, map[string]string{"shoulder": c.shoulder}); rc != 0 {
		return rc
	}
	return c.execute(a, func(_ context.Context, b backend, out io.Writer) error {
		ids, err := b.Slice(c.shoulder, c.mask, c.skip, c.count)
		if err != nil {
			return err
		}
		return printLines(out, ids)
	})
}

// --- minter-dump ---

type minterDumpRun struct {
	commandBase
	shoulder string
}

func cmdMinterDump() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "minter-dump -shoulder <prefix>",
		ShortDesc: "выводит состояние минтера в JSON",
		CommandRun: func() subcommands.CommandRun {
			c := &minterDumpRun{}
			c.Flags.StringVar(&c.shoulder, "shoulder", "", "Префикс плеча.")
			return c
		},
	}
}

func (c *minterDumpRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if rc := c.required(a, args, map[string]string{"shoulder": c.shoulder}); rc != 0 {
		return rc
	}
	return c.execute(a, func(ctx context.Context, b backend, out io.Writer) error {
		st, err := b.Dump(ctx, c.shoulder)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	})
}

func printLines(out io.Writer, lines []string) error {
	for _, l := range lines {
		if _, err := fmt.Fprintln(out, l); err != nil {
			return err
		}
	}
	return nil
}
