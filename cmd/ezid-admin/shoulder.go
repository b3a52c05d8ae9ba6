package main

import (
	"context"
	"fmt"
	"io"

	"github.com/maruel/subcommands"

	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/service"
)

// --- shoulder-create ---

type shoulderCreateRun struct {
	commandBase
	spec   service.ShoulderSpec
	agency string
}

func cmdShoulderCreate() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "shoulder-create -prefix <prefix> -name <name> [-agency ezid|datacite|crossref] [-datacenter <symbol>] [flags]",
		ShortDesc: "создаёт плечо и его минтер",
		LongDesc: "Создаёт плечо вместе с минтером в одной транзакции. " +
			"DOI-плечу нужно агентство; плечу DataCite также датацентр.",
		CommandRun: func() subcommands.CommandRun {
			c := &shoulderCreateRun{}
			c.Flags.StringVar(&c.spec.Prefix, "prefix", "", "Префикс плеча, например doi:10.5072/FK2.")
			c.Flags.StringVar(&c.spec.Name, "name", "", "Отображаемое имя плеча.")
			c.Flags.StringVar(&c.agency, "agency", "", "Регистрационное агентство: ezid, datacite, crossref.")
			c.Flags.StringVar(&c.spec.Datacenter, "datacenter", "", "Символ датацентра DataCite, например CDL.TEST.")
			c.Flags.StringVar(&c.spec.Mask, "mask", "", "Маска минтера.")
			c.Flags.BoolVar(&c.spec.NoMint, "no-mint", false, "Плечо без минтера.")
			c.Flags.BoolVar(&c.spec.IsTest, "test", false, "Тестовое плечо.")
			c.Flags.BoolVar(&c.spec.IsSuper, "super", false, "Суперплечо: создавать под ним может владелец любого его продолжения.")
			return c
		},
	}
}

func (c *shoulderCreateRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if rc := c.required(a, args, map[string]string{"prefix": c.spec.Prefix, "name": c.spec.Name}); rc != 0 {
		return rc
	}
	switch ag := model.Agency(c.agency); ag {
	case model.AgencyNone, model.AgencyEZID, model.AgencyDatacite, model.AgencyCrossref:
		c.spec.Agency = ag
	default:
		return c.usage(a, "недопустимое агентство %q", c.agency)
	}
	return c.execute(a, func(ctx context.Context, b backend, out io.Writer) error {
		sh, err := b.CreateShoulder(ctx, c.spec)
		if err != nil {
			return err
		}
		minterName := sh.Minter
		if minterName == "" {
			minterName = "-"
		}
		_, err = fmt.Fprintf(out, "shoulder %s created: type %s, agency %s, minter %s\n",
			sh.Prefix, sh.Type, agencyName(sh.Agency), minterName)
		return err
	})
}

func agencyName(a model.Agency) string {
	if a == model.AgencyNone {
		return "-"
	}
	return string(a)
}

// --- shoulder-activate, shoulder-deactivate ---

type shoulderActiveRun struct {
	commandBase
	prefix string
	active bool
}

func shoulderActiveCommand(name, short string, active bool) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: name + " -prefix <prefix>",
		ShortDesc: short,
		CommandRun: func() subcommands.CommandRun {
			c := &shoulderActiveRun{active: active}
			c.Flags.StringVar(&c.prefix, "prefix", "", "Префикс плеча.")
			return c
		},
	}
}

func cmdShoulderActivate() *subcommands.Command {
	return shoulderActiveCommand("shoulder-activate", "включает плечо", true)
}

func cmdShoulderDeactivate() *subcommands.Command {
	return shoulderActiveCommand("shoulder-deactivate", "выключает плечо: минтинг и создание под ним запрещены", false)
}

func (c *shoulderActiveRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if rc := c.required(a, args, map[string]string{"prefix": c.prefix}); rc != 0 {
		return rc
	}
	return c.execute(a, func(ctx context.Context, b backend, out io.Writer) error {
		if err := b.SetShoulderActive(ctx, c.prefix, c.active); err != nil {
			return err
		}
		state := "inactive"
		if c.active {
			state = "active"
		}
		_, err := fmt.Fprintf(out, "shoulder %s is %s\n", c.prefix, state)
		return err
	})
}
