package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/maruel/subcommands"

	"github.com/bigkaa/goezid/internal/domain/model"
)

func queueNames() string {
	names := make([]string, len(model.Queues))
	for i, q := range model.Queues {
		names[i] = string(q)
	}
	return strings.Join(names, ", ")
}

// --- queue-overview ---

type queueOverviewRun struct {
	commandBase
}

func cmdQueueOverview() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "queue-overview",
		ShortDesc: "сводка по очередям",
		LongDesc:  "Выводит размер очередей нижестоящих сервисов, число ошибок и возраст самой старой строки.",
		CommandRun: func() subcommands.CommandRun {
			return &queueOverviewRun{}
		},
	}
}

func (c *queueOverviewRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if rc := c.required(a, args, nil); rc != 0 {
		return rc
	}
	return c.execute(a, func(ctx context.Context, b backend, out io.Writer) error {
		ov, err := b.Overview(ctx)
		if err != nil {
			return err
		}
		tw := newTable(out)
		fmt.Fprintln(tw, "QUEUE\tTOTAL\tAWAITING\tSUBMITTED\tTRANSIENT\tPERMANENT\tSETTLED\tOLDEST")
		for _, st := range ov.Queues {
			oldest := "-"
			if st.OldestAt != nil {
				oldest = st.OldestAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
				st.Queue, st.Total, st.Awaiting, st.Submitted, st.TransientError, st.PermanentError, st.Settled, oldest)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "downloads: %d\n", ov.Downloads)
		return err
	})
}

// --- queue-list-perrors, queue-list-terrors ---

type queueErrorsRun struct {
	commandBase
	queue     string
	permanent bool
	limit     int
}

func queueErrorsCommand(name, short string, permanent bool) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: name + " -queue <name> [-limit N]",
		ShortDesc: short,
		CommandRun: func() subcommands.CommandRun {
			c := &queueErrorsRun{permanent: permanent}
			c.Flags.StringVar(&c.queue, "queue", "", "Имя очереди: "+queueNames()+".")
			c.Flags.IntVar(&c.limit, "limit", 100, "Максимальное число строк.")
			return c
		},
	}
}

func cmdQueueListPermanentErrors() *subcommands.Command {
	return queueErrorsCommand("queue-list-perrors", "строки очереди с постоянными ошибками", true)
}

func cmdQueueListTransientErrors() *subcommands.Command {
	return queueErrorsCommand("queue-list-terrors", "строки очереди с временными ошибками", false)
}

func (c *queueErrorsRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if rc := c.required(a, args, map[string]string{"queue": c.queue}); rc != 0 {
		return rc
	}
	return c.execute(a, func(ctx context.Context, b backend, out io.Writer) error {
		items, err := b.ListErrors(ctx, c.queue, c.permanent, c.limit)
		if err != nil {
			return err
		}
		tw := newTable(out)
		fmt.Fprintln(tw, "SEQ\tENQUEUED\tIDENTIFIER\tOPERATION\tERROR")
		for _, it := range items {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
				it.Seq, it.EnqueuedAt.UTC().Format(time.RFC3339), it.Identifier, it.Operation, oneLine(it.Error))
		}
		return tw.Flush()
	})
}

// oneLine сворачивает многострочный текст ошибки в одну строку таблицы.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// --- queue-clear-perrors, queue-delete, queue-requeue ---

type queueRangeRun struct {
	commandBase
	queue    string
	seqRange string
	verb     string
	op       func(b backend) func(ctx context.Context, queue, seqRange string) (int64, error)
}

func queueRangeCommand(name, short, long, verb string, op func(b backend) func(context.Context, string, string) (int64, error)) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: name + " -queue <name> -range <seq>[-<seq>]",
		ShortDesc: short,
		LongDesc:  long,
		CommandRun: func() subcommands.CommandRun {
			c := &queueRangeRun{verb: verb, op: op}
			c.Flags.StringVar(&c.queue, "queue", "", "Имя очереди: "+queueNames()+".")
			c.Flags.StringVar(&c.seqRange, "range", "", "Номер строки или диапазон номеров, например 10-42.")
			return c
		},
	}
}

func cmdQueueClearPermanentErrors() *subcommands.Command {
	return queueRangeCommand("queue-clear-perrors",
		"снимает постоянные ошибки",
		"Снимает признак постоянной ошибки со строк диапазона: обработчик очереди повторит их.",
		"cleared",
		func(b backend) func(context.Context, string, string) (int64, error) { return b.ClearPermanentErrors })
}

func cmdQueueDelete() *subcommands.Command {
	return queueRangeCommand("queue-delete",
		"удаляет строки очереди",
		"Удаляет строки диапазона из очереди. Нижестоящий сервис не получит эти изменения.",
		"deleted",
		func(b backend) func(context.Context, string, string) (int64, error) { return b.DeleteRange })
}

func cmdQueueRequeue() *subcommands.Command {
	return queueRangeCommand("queue-requeue",
		"повторно ставит строки в очередь",
		"Переводит строки диапазона в начальное состояние и сбрасывает ошибки.",
		"requeued",
		func(b backend) func(context.Context, string, string) (int64, error) { return b.Requeue })
}

func (c *queueRangeRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if rc := c.required(a, args, map[string]string{"queue": c.queue, "range": c.seqRange}); rc != 0 {
		return rc
	}
	return c.execute(a, func(ctx context.Context, b backend, out io.Writer) error {
		n, err := c.op(b)(ctx, c.queue, c.seqRange)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s: %d\n", c.verb, n)
		return err
	})
}
