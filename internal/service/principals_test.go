package service

import (
	"context"
	"slices"
	"testing"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/metadata"
)

func TestPrincipalDirectory_Authenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		password string
		wantOK   bool
	}{
		{name: "верный пароль", username: "alice", password: "alice-pw", wantOK: true},
		{name: "неверный пароль", username: "alice", password: "wrong"},
		{name: "неизвестный пользователь", username: "mallory", password: "alice-pw"},
		{name: "пустой пароль", username: "alice", password: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc, err := f.dir.Authenticate(ctx, tt.username, tt.password)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("Authenticate: %v", err)
				}
				if acc.Principal.Username != tt.username {
					t.Errorf("Username = %q, ожидалось %q", acc.Principal.Username, tt.username)
				}
				return
			}
			if !ezerr.Is(err, ezerr.Forbidden) {
				t.Errorf("ошибка = %v, ожидался Forbidden", err)
			}
		})
	}
}

func TestPrincipalDirectory_Principal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.principal(t, "alice")
	g1, err := f.store.Repos().Principals.GetGroupByName(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGroupByName: %v", err)
	}
	if alice.GroupID != g1.ID || alice.RealmID != g1.RealmID {
		t.Errorf("группа/область = %d/%d, ожидалось %d/%d", alice.GroupID, alice.RealmID, g1.ID, g1.RealmID)
	}
	for _, p := range []string{arkShoulder, doiShoulder, crShoulder} {
		if !slices.Contains(alice.Shoulders, p) {
			t.Errorf("унаследованное плечо %s отсутствует: %v", p, alice.Shoulders)
		}
	}
	if bob := f.principal(t, "bob"); len(bob.Shoulders) != 0 {
		t.Errorf("у bob плечи %v, ожидалось ни одного", bob.Shoulders)
	}
}

func TestPrincipalDirectory_Owner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.principal(t, "alice")
	id := arkShoulder + "owner"
	if _, err := f.engine.Create(ctx, alice, id, metadata.Map{}, false); err != nil {
		t.Fatalf("Create: %v", err)
	}

	owner, err := f.dir.Owner(ctx, f.store.Identifier(id))
	if err != nil {
		t.Fatalf("Owner: %v", err)
	}
	if owner.UserID != alice.UserID || owner.GroupID != alice.GroupID || owner.RealmID != alice.RealmID {
		t.Errorf("Owner = %+v, ожидался владелец alice", owner)
	}
}

func TestPrincipalDirectory_Invalidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := f.principal(t, "bob")
	if err := f.admin.SetPassword(ctx, "bob", "rotated"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	acc, err := f.dir.Lookup(ctx, "bob")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if acc.Principal == before {
		t.Error("после Invalidate возвращён закэшированный принципал")
	}

	f.dir.Purge()
	if _, err := f.dir.Lookup(ctx, "nobody"); !ezerr.Is(err, ezerr.NotFound) {
		t.Errorf("ошибка = %v, ожидался NotFound", err)
	}
}
