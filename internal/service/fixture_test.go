package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/domain/policy"
	"github.com/bigkaa/goezid/internal/lockmgr"
	"github.com/bigkaa/goezid/internal/repository/repotest"
)

const (
	agentShoulder = "ark:/99166/p9"
	arkShoulder   = "ark:/99999/fk4"
	doiShoulder   = "doi:10.5072/FK2"
	crShoulder    = "doi:10.5072/CR"
)

var testURLs = identifier.URLs{
	DefaultTargetBase: "https://ezid.test",
	EZIDBase:          "https://ezid.test",
	ResolverARK:       "https://n2t.net",
	ResolverDOI:       "https://doi.org",
}

// fixture — движок поверх in-memory хранилища с плечами, группой g1,
// суперпользователем admin и пользователями alice и bob.
type fixture struct {
	store  *repotest.Store
	locks  *lockmgr.Manager
	dir    *PrincipalDirectory
	engine *Engine
	admin  *AdminService
	limits lockmgr.Limits
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	f := &fixture{store: repotest.New(), limits: lockmgr.Limits{MaxConcurrent: 4, MaxThreads: 16}}
	f.locks = lockmgr.New(func() lockmgr.Limits { return f.limits })
	f.dir = NewPrincipalDirectory(f.store, 100, time.Minute, logger)
	f.engine = NewEngine(f.store, f.locks, f.dir, policy.New(identifier.TestShoulders{}), EngineConfig{
		URLs:          testURLs,
		AdminUsername: "admin",
		AgentShoulder: agentShoulder,
		Downstreams:   Downstreams{Binder: true, Datacite: true, Crossref: true, Broadcast: true},
	}, logger)
	f.admin = NewAdminService(f.store, f.engine, f.dir.Invalidate, logger)

	shoulders := []ShoulderSpec{
		{Prefix: agentShoulder, Name: "agents", Agency: model.AgencyEZID},
		{Prefix: arkShoulder, Name: "ark", Agency: model.AgencyEZID},
		{Prefix: doiShoulder, Name: "datacite", Agency: model.AgencyDatacite, Datacenter: "CDL.TEST"},
		{Prefix: crShoulder, Name: "crossref", Agency: model.AgencyCrossref},
	}
	for _, s := range shoulders {
		if _, err := f.admin.CreateShoulder(ctx, s); err != nil {
			t.Fatalf("CreateShoulder(%s): %v", s.Prefix, err)
		}
	}
	if _, err := f.admin.CreateGroup(ctx, GroupSpec{
		Groupname:       "g1",
		Realm:           "r1",
		CrossrefEnabled: true,
		Shoulders:       []string{arkShoulder, doiShoulder, crShoulder},
	}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := f.admin.CreateGroup(ctx, GroupSpec{Groupname: "g2", Realm: "r1"}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	users := []UserSpec{
		{Username: "admin", Groupname: "g1", Password: "secret", IsSuperuser: true},
		{Username: "alice", Groupname: "g1", Password: "alice-pw", InheritGroupShoulders: true},
		{Username: "bob", Groupname: "g2", Password: "bob-pw"},
	}
	for _, u := range users {
		if _, err := f.admin.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser(%s): %v", u.Username, err)
		}
	}
	// Очереди, заполненные созданием agent PID, не нужны тестам.
	for _, q := range model.Queues {
		if _, err := f.store.Repos().Queues.DeleteRange(ctx, q, 1, 1<<40); err != nil {
			t.Fatalf("DeleteRange: %v", err)
		}
	}
	return f
}

// principal возвращает развёрнутый принципал пользователя.
func (f *fixture) principal(t *testing.T, username string) *policy.Principal {
	t.Helper()
	acc, err := f.dir.Lookup(context.Background(), username)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", username, err)
	}
	return acc.Principal
}
