package main

import (
	"context"
	"fmt"
	"io"

	"github.com/maruel/subcommands"

	"github.com/bigkaa/goezid/internal/service"
)

// --- group-create ---

type groupCreateRun struct {
	commandBase
	spec      service.GroupSpec
	shoulders listFlag
}

func cmdGroupCreate() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "group-create -name <group> [-realm <realm>] [-org <organization>] [-shoulder <prefix>]... [-crossref]",
		ShortDesc: "создаёт группу",
		LongDesc:  "Создаёт группу, выпускает её agent PID и назначает плечи. Реалм по умолчанию совпадает с именем группы.",
		CommandRun: func() subcommands.CommandRun {
			c := &groupCreateRun{}
			c.Flags.StringVar(&c.spec.Groupname, "name", "", "Имя группы.")
			c.Flags.StringVar(&c.spec.Realm, "realm", "", "Реалм группы.")
			c.Flags.StringVar(&c.spec.Organization, "org", "", "Название организации.")
			c.Flags.BoolVar(&c.spec.CrossrefEnabled, "crossref", false, "Разрешить группе регистрацию в Crossref.")
			c.Flags.Var(&c.shoulders, "shoulder", "Префикс плеча группы. Повторяется или через запятую.")
			return c
		},
	}
}

func (c *groupCreateRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if rc := c.required(a, args, map[string]string{"name": c.spec.Groupname}); rc != 0 {
		return rc
	}
	c.spec.Shoulders = c.shoulders
	return c.execute(a, func(ctx context.Context, b backend, out io.Writer) error {
		g, err := b.CreateGroup(ctx, c.spec)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "group %s created: pid %s\n", g.Groupname, g.PID)
		return err
	})
}

// --- group-move ---

type groupMoveRun struct {
	commandBase
	name  string
	realm string
}

func cmdGroupMove() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "group-move -name <group> -realm <realm>",
		ShortDesc: "переводит группу в другой реалм",
		LongDesc:  "Переводит группу вместе с пользователями в существующий реалм. Группу с администраторами реалма перевести нельзя.",
		CommandRun: func() subcommands.CommandRun {
			c := &groupMoveRun{}
			c.Flags.StringVar(&c.name, "name", "", "Имя группы.")
			c.Flags.StringVar(&c.realm, "realm", "", "Новый реалм.")
			return c
		},
	}
}

func (c *groupMoveRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if rc := c.required(a, args, map[string]string{"name": c.name, "realm": c.realm}); rc != 0 {
		return rc
	}
	return c.execute(a, func(ctx context.Context, b backend, out io.Writer) error {
		n, err := b.MoveGroup(ctx, c.name, c.realm)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "group %s moved to %s: %d users\n", c.name, c.realm, n)
		return err
	})
}

// --- group-delete ---

type groupDeleteRun struct {
	commandBase
	name string
}

func cmdGroupDelete() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "group-delete -name <group>",
		ShortDesc: "удаляет пустую группу",
		CommandRun: func() subcommands.CommandRun {
			c := &groupDeleteRun{}
			c.Flags.StringVar(&c.name, "name", "", "Имя группы.")
			return c
		},
	}
}

func (c *groupDeleteRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if rc := c.required(a, args, map[string]string{"name": c.name}); rc != 0 {
		return rc
	}
	return c.execute(a, func(ctx context.Context, b backend, out io.Writer) error {
		if err := b.DeleteGroup(ctx, c.name); err != nil {
			return err
		}
		_, err := fmt.Fprintf(out, "group %s deleted\n", c.name)
		return err
	})
}

// --- user-create ---

type userCreateRun struct {
	commandBase
	spec      service.UserSpec
	shoulders listFlag
	proxies   listFlag
}

func cmdUserCreate() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "user-create -name <user> -group <group> [-password <pw>] [flags]",
		ShortDesc: "создаёт пользователя",
		LongDesc: "Создаёт пользователя в группе, выпускает его agent PID и назначает плечи и прокси. " +
			"Без -password вход по паролю запрещён.",
		CommandRun: func() subcommands.CommandRun {
			c := &userCreateRun{}
			c.Flags.StringVar(&c.spec.Username, "name", "", "Имя пользователя.")
			c.Flags.StringVar(&c.spec.Groupname, "group", "", "Группа пользователя.")
			c.Flags.StringVar(&c.spec.DisplayName, "display-name", "", "Отображаемое имя.")
			c.Flags.StringVar(&c.spec.Email, "email", "", "Адрес почты.")
			c.Flags.StringVar(&c.spec.Password, "password", "", "Пароль.")
			c.Flags.BoolVar(&c.spec.IsGroupAdministrator, "group-admin", false, "Администратор группы.")
			c.Flags.BoolVar(&c.spec.IsRealmAdministrator, "realm-admin", false, "Администратор реалма.")
			c.Flags.BoolVar(&c.spec.IsSuperuser, "superuser", false, "Суперпользователь.")
			c.Flags.BoolVar(&c.spec.InheritGroupShoulders, "inherit-shoulders", false, "Наследовать плечи группы.")
			c.Flags.BoolVar(&c.spec.CrossrefEnabled, "crossref", false, "Разрешить регистрацию в Crossref.")
			c.Flags.StringVar(&c.spec.CrossrefEmail, "crossref-email", "", "Адрес для уведомлений Crossref.")
			c.Flags.Var(&c.shoulders, "shoulder", "Префикс плеча пользователя. Повторяется или через запятую.")
			c.Flags.Var(&c.proxies, "proxy", "Пользователь, который может действовать от имени нового. Повторяется или через запятую.")
			return c
		},
	}
}

func (c *userCreateRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if rc := c.required(a, args, map[string]string{"name": c.spec.Username, "group": c.spec.Groupname}); rc != 0 {
		return rc
	}
	c.spec.Shoulders = c.shoulders
	c.spec.Proxies = c.proxies
	return c.execute(a, func(ctx context.Context, b backend, out io.Writer) error {
		u, err := b.CreateUser(ctx, c.spec)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "user %s created: pid %s\n", u.Username, u.PID)
		return err
	})
}

// --- user-move ---

type userMoveRun struct {
	commandBase
	name  string
	group string
}

func cmdUserMove() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "user-move -name <user> -group <group>",
		ShortDesc: "переводит пользователя в другую группу",
		LongDesc:  "Переводит пользователя вместе с его идентификаторами в группу и обновляет поисковый индекс.",
		CommandRun: func() subcommands.CommandRun {
			c := &userMoveRun{}
			c.Flags.StringVar(&c.name, "name", "", "Имя пользователя.")
			c.Flags.StringVar(&c.group, "group", "", "Новая группа.")
			return c
		},
	}
}

func (c *userMoveRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if rc := c.required(a, args, map[string]string{"name": c.name, "group": c.group}); rc != 0 {
		return rc
	}
	return c.execute(a, func(ctx context.Context, b backend, out io.Writer) error {
		n, err := b.MoveUser(ctx, c.name, c.group)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "user %s moved to %s: %d identifiers\n", c.name, c.group, n)
		return err
	})
}

// --- user-delete ---

type userDeleteRun struct {
	commandBase
	name string
}

func cmdUserDelete() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "user-delete -name <user>",
		ShortDesc: "удаляет пользователя без идентификаторов",
		CommandRun: func() subcommands.CommandRun {
			c := &userDeleteRun{}
			c.Flags.StringVar(&c.name, "name", "", "Имя пользователя.")
			return c
		},
	}
}

func (c *userDeleteRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if rc := c.required(a, args, map[string]string{"name": c.name}); rc != 0 {
		return rc
	}
	return c.execute(a, func(ctx context.Context, b backend, out io.Writer) error {
		if err := b.DeleteUser(ctx, c.name); err != nil {
			return err
		}
		_, err := fmt.Fprintf(out, "user %s deleted\n", c.name)
		return err
	})
}

// --- user-set-password ---

type userSetPasswordRun struct {
	commandBase
	name     string
	password string
}

func cmdUserSetPassword() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "user-set-password -name <user> [-password <pw>]",
		ShortDesc: "задаёт пароль пользователя",
		LongDesc:  "Задаёт пароль пользователя. Пустой пароль запрещает вход.",
		CommandRun: func() subcommands.CommandRun {
			c := &userSetPasswordRun{}
			c.Flags.StringVar(&c.name, "name", "", "Имя пользователя.")
			c.Flags.StringVar(&c.password, "password", "", "Новый пароль.")
			return c
		},
	}
}

func (c *userSetPasswordRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if rc := c.required(a, args, map[string]string{"name": c.name}); rc != 0 {
		return rc
	}
	return c.execute(a, func(ctx context.Context, b backend, out io.Writer) error {
		if err := b.SetPassword(ctx, c.name, c.password); err != nil {
			return err
		}
		msg := "password set"
		if c.password == "" {
			msg = "password login disabled"
		}
		_, err := fmt.Fprintf(out, "user %s: %s\n", c.name, msg)
		return err
	})
}
