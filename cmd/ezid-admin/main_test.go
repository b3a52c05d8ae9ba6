package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/maruel/subcommands"

	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/domain/policy"
	"github.com/bigkaa/goezid/internal/lockmgr"
	"github.com/bigkaa/goezid/internal/repository/repotest"
	"github.com/bigkaa/goezid/internal/service"
)

const agentShoulder = "ark:/99166/p9"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// useMemoryBackend подменяет хранилище утилиты in-memory хранилищем
// с плечом agent PID.
func useMemoryBackend(t *testing.T) {
	t.Helper()
	logger := testLogger()
	store := repotest.New()
	locks := lockmgr.New(func() lockmgr.Limits { return lockmgr.Limits{MaxConcurrent: 4, MaxThreads: 16} })
	dir := service.NewPrincipalDirectory(store, 100, time.Minute, logger)
	engine := service.NewEngine(store, locks, dir, policy.New(identifier.TestShoulders{}), service.EngineConfig{
		URLs:          identifier.URLs{DefaultTargetBase: "https://ezid.test", EZIDBase: "https://ezid.test"},
		AdminUsername: "admin",
		AgentShoulder: agentShoulder,
	}, logger)
	admin := service.NewAdminService(store, engine, dir.Invalidate, logger)
	if _, err := admin.CreateShoulder(context.Background(), service.ShoulderSpec{
		Prefix: agentShoulder, Name: "agents", Agency: model.AgencyEZID,
	}); err != nil {
		t.Fatalf("CreateShoulder: %v", err)
	}

	prev := openBackend
	openBackend = func(context.Context) (backend, func(), error) {
		return admin, func() {}, nil
	}
	t.Cleanup(func() { openBackend = prev })
}

func runCLI(args ...string) (rc int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	rc = subcommands.Run(newApplication(&out, &errOut), args)
	return rc, out.String(), errOut.String()
}

func TestCommands(t *testing.T) {
	useMemoryBackend(t)

	// Шаги выполняются по порядку над общим хранилищем.
	steps := []struct {
		name       string
		args       []string
		wantRC     int
		wantOut    string
		wantStderr string
	}{
		{
			name:    "создание плеча ARK",
			args:    []string{"shoulder-create", "-prefix", "ark:/99999/fk4", "-name", "ark", "-agency", "ezid"},
			wantOut: "shoulder ark:/99999/fk4 created: type ARK, agency ezid, minter ark:/99999/fk4",
		},
		{
			name:       "DOI DataCite без датацентра",
			args:       []string{"shoulder-create", "-prefix", "doi:10.5072/FK2", "-name", "dc", "-agency", "datacite"},
			wantRC:     1,
			wantStderr: "requires a datacenter",
		},
		{
			name:       "неизвестное агентство",
			args:       []string{"shoulder-create", "-prefix", "ark:/99999/fk5", "-name", "x", "-agency", "bogus"},
			wantRC:     2,
			wantStderr: "недопустимое агентство",
		},
		{
			name:       "повторное плечо",
			args:       []string{"shoulder-create", "-prefix", "ark:/99999/fk4", "-name", "ark"},
			wantRC:     1,
			wantStderr: "already exists",
		},
		{
			name:    "минтинг без сохранения",
			args:    []string{"minter-mint", "-shoulder", "ark:/99999/fk4", "-n", "2", "-dry-run"},
			wantOut: "ark:/99999/fk4",
		},
		{
			name:    "состояние минтера",
			args:    []string{"minter-dump", "-shoulder", "ark:/99999/fk4"},
			wantOut: `"template": "99999/fk4{eedk}"`,
		},
		{
			name:       "нет минтера",
			args:       []string{"minter-dump", "-shoulder", "ark:/99999/zz9"},
			wantRC:     1,
			wantStderr: "no such minter",
		},
		{
			name:    "группа",
			args:    []string{"group-create", "-name", "g1", "-shoulder", "ark:/99999/fk4"},
			wantOut: "group g1 created: pid " + agentShoulder,
		},
		{
			name:    "группа в другом реалме",
			args:    []string{"group-create", "-name", "g2", "-realm", "r2"},
			wantOut: "group g2 created",
		},
		{
			name:    "перевод группы",
			args:    []string{"group-move", "-name", "g2", "-realm", "g1"},
			wantOut: "group g2 moved to g1: 0 users",
		},
		{
			name:       "перевод в неизвестный реалм",
			args:       []string{"group-move", "-name", "g2", "-realm", "nowhere"},
			wantRC:     1,
			wantStderr: "no such realm",
		},
		{
			name:    "пользователь",
			args:    []string{"user-create", "-name", "alice", "-group", "g1", "-password", "pw", "-inherit-shoulders"},
			wantOut: "user alice created: pid " + agentShoulder,
		},
		{
			name:       "пользователь без группы",
			args:       []string{"user-create", "-name", "bob"},
			wantRC:     2,
			wantStderr: "не задан флаг -group",
		},
		{
			name:    "смена пароля",
			args:    []string{"user-set-password", "-name", "alice", "-password", "new"},
			wantOut: "user alice: password set",
		},
		{
			name:    "запрет входа",
			args:    []string{"user-set-password", "-name", "alice"},
			wantOut: "user alice: password login disabled",
		},
		{
			name:       "пароль неизвестного пользователя",
			args:       []string{"user-set-password", "-name", "nobody", "-password", "x"},
			wantRC:     1,
			wantStderr: "nobody",
		},
		{
			name:    "сводка очередей",
			args:    []string{"queue-overview"},
			wantOut: "downloads: 0",
		},
		{
			name:       "диапазон обязателен",
			args:       []string{"queue-requeue", "-queue", "binder"},
			wantRC:     2,
			wantStderr: "не задан флаг -range",
		},
		{
			name:    "ошибки очереди",
			args:    []string{"queue-list-perrors", "-queue", "binder"},
			wantOut: "SEQ",
		},
		{
			name:    "временные ошибки очереди",
			args:    []string{"queue-list-terrors", "-queue", "search", "-limit", "5"},
			wantOut: "IDENTIFIER",
		},
		{
			name:    "снятие постоянных ошибок",
			args:    []string{"queue-clear-perrors", "-queue", "binder", "-range", "1-100"},
			wantOut: "cleared: 0",
		},
		{
			name:       "лишний аргумент",
			args:       []string{"queue-overview", "extra"},
			wantRC:     2,
			wantStderr: "лишние аргументы: extra",
		},
		{
			name:    "выключение плеча",
			args:    []string{"shoulder-deactivate", "-prefix", "ark:/99999/fk4"},
			wantOut: "shoulder ark:/99999/fk4 is inactive",
		},
		{
			name:       "выключение неизвестного плеча",
			args:       []string{"shoulder-deactivate", "-prefix", "ark:/99999/none"},
			wantRC:     1,
			wantStderr: "no such shoulder",
		},
		{
			name:    "удаление пользователя",
			args:    []string{"user-delete", "-name", "alice"},
			wantOut: "user alice deleted",
		},
	}
	for _, tt := range steps {
		t.Run(tt.name, func(t *testing.T) {
			rc, out, errOut := runCLI(tt.args...)
			if rc != tt.wantRC {
				t.Fatalf("код выхода = %d, ожидался %d\nstdout: %s\nstderr: %s", rc, tt.wantRC, out, errOut)
			}
			if !strings.Contains(out, tt.wantOut) {
				t.Errorf("stdout = %q, ожидалось вхождение %q", out, tt.wantOut)
			}
			if !strings.Contains(errOut, tt.wantStderr) {
				t.Errorf("stderr = %q, ожидалось вхождение %q", errOut, tt.wantStderr)
			}
		})
	}
}

func TestMinterSliceMatchesDryRun(t *testing.T) {
	useMemoryBackend(t)

	if rc, _, errOut := runCLI("shoulder-create", "-prefix", "ark:/99999/fk7", "-name", "s"); rc != 0 {
		t.Fatalf("shoulder-create: %s", errOut)
	}
	_, preview, _ := runCLI("minter-mint", "-shoulder", "ark:/99999/fk7", "-n", "5", "-dry-run")
	_, slice, _ := runCLI("minter-slice", "-shoulder", "ark:/99999/fk7", "-n", "5")
	if diff := cmp.Diff(preview, slice); diff != "" {
		t.Errorf("срез нового минтера расходится с предпросмотром (-preview +slice):\n%s", diff)
	}
	if got := strings.Count(preview, "\n"); got != 5 {
		t.Errorf("строк = %d, ожидалось 5", got)
	}

	_, minted, _ := runCLI("minter-mint", "-shoulder", "ark:/99999/fk7", "-n", "5")
	if minted != preview {
		t.Errorf("выпуск %q не совпадает с предпросмотром %q", minted, preview)
	}
	_, next, _ := runCLI("minter-mint", "-shoulder", "ark:/99999/fk7", "-n", "1", "-dry-run")
	_, skipped, _ := runCLI("minter-slice", "-shoulder", "ark:/99999/fk7", "-skip", "5", "-n", "1")
	if next != skipped {
		t.Errorf("следующий идентификатор %q, срез со сдвигом %q", next, skipped)
	}
}

func TestOpenBackendError(t *testing.T) {
	prev := openBackend
	openBackend = func(context.Context) (backend, func(), error) {
		return nil, nil, errors.New("EZ_DB_HOST: не задана")
	}
	t.Cleanup(func() { openBackend = prev })

	rc, _, errOut := runCLI("queue-overview")
	if rc != 1 {
		t.Errorf("код выхода = %d, ожидался 1", rc)
	}
	if !strings.Contains(errOut, "EZ_DB_HOST") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestListFlag(t *testing.T) {
	var l listFlag
	for _, v := range []string{"a,b", " c ", ",,"} {
		if err := l.Set(v); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff(listFlag{"a", "b", "c"}, l); diff != "" {
		t.Errorf("(-хотели +получили):\n%s", diff)
	}
}
