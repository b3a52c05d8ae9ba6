// principals.go — справочник принципалов: пользователи и группы EZID,
// развёрнутые в плоское представление policy.Principal.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/domain/policy"
	"github.com/bigkaa/goezid/internal/repository"
)

// Prometheus-метрики кэша принципалов.
var (
	principalCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ezid_principal_cache_hits_total",
		Help: "Общее количество попаданий в кэш принципалов.",
	})
	principalCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ezid_principal_cache_misses_total",
		Help: "Общее количество промахов кэша принципалов.",
	})
)

// Account — пользователь вместе с группой и развёрнутым принципалом.
type Account struct {
	User      *model.User
	Group     *model.Group
	Principal *policy.Principal
}

// Directory — то, что движку операций нужно от справочника принципалов.
type Directory interface {
	// Lookup возвращает учётную запись по имени пользователя.
	Lookup(ctx context.Context, username string) (*Account, error)
	// Owner возвращает владение записью в терминах политики.
	Owner(ctx context.Context, rec *model.Identifier) (policy.Owner, error)
}

// PrincipalDirectory — кэширующий справочник принципалов.
// Каждый процесс держит собственный in-memory кэш; изменения через
// ezid-admin становятся видны по истечении TTL или после Invalidate.
type PrincipalDirectory struct {
	store    repository.Store
	accounts *expirable.LRU[string, *Account]
	groups   *expirable.LRU[int64, *model.Group]
	logger   *slog.Logger
}

// NewPrincipalDirectory создаёт справочник с кэшем размера size и временем жизни ttl.
func NewPrincipalDirectory(store repository.Store, size int, ttl time.Duration, logger *slog.Logger) *PrincipalDirectory {
	return &PrincipalDirectory{
		store:    store,
		accounts: expirable.NewLRU[string, *Account](size, nil, ttl),
		groups:   expirable.NewLRU[int64, *model.Group](size, nil, ttl),
		logger:   logger.With(slog.String("component", "principals")),
	}
}

// Anonymous возвращает принципал анонимного вызывающего.
func Anonymous() *policy.Principal {
	return &policy.Principal{Username: "anonymous", Anonymous: true}
}

// Lookup возвращает учётную запись пользователя. Нет пользователя — NotFound.
func (d *PrincipalDirectory) Lookup(ctx context.Context, username string) (*Account, error) {
	if acc, ok := d.accounts.Get(username); ok {
		principalCacheHits.Inc()
		return acc, nil
	}
	principalCacheMisses.Inc()

	acc, err := d.load(ctx, username)
	if err != nil {
		return nil, err
	}
	d.accounts.Add(username, acc)
	d.groups.Add(acc.Group.ID, acc.Group)
	return acc, nil
}

// Authenticate проверяет пароль пользователя (HTTP Basic).
// Неизвестный пользователь и неверный пароль неразличимы для вызывающего.
func (d *PrincipalDirectory) Authenticate(ctx context.Context, username, password string) (*Account, error) {
	acc, err := d.Lookup(ctx, username)
	if err != nil {
		if ezerr.Is(err, ezerr.NotFound) {
			return nil, ezerr.New(ezerr.Forbidden, "unauthorized")
		}
		return nil, err
	}
	if acc.User.PasswordHash == "" {
		return nil, ezerr.New(ezerr.Forbidden, "unauthorized")
	}
	match, err := argon2id.ComparePasswordAndHash(password, acc.User.PasswordHash)
	if err != nil {
		d.logger.Warn("Некорректный хеш пароля",
			slog.String("user", username),
			slog.String("error", err.Error()),
		)
		return nil, ezerr.New(ezerr.Forbidden, "unauthorized")
	}
	if !match {
		return nil, ezerr.New(ezerr.Forbidden, "unauthorized")
	}
	return acc, nil
}

// Owner возвращает владение записью: пользователь, группа и её область.
func (d *PrincipalDirectory) Owner(ctx context.Context, rec *model.Identifier) (policy.Owner, error) {
	if rec.OwnerID == nil {
		return policy.Owner{}, nil
	}
	owner := policy.Owner{UserID: *rec.OwnerID}
	if rec.OwnerGroupID == nil {
		return owner, nil
	}
	g, err := d.group(ctx, *rec.OwnerGroupID)
	if err != nil {
		return policy.Owner{}, err
	}
	owner.GroupID = g.ID
	owner.RealmID = g.RealmID
	return owner, nil
}

// Invalidate удаляет пользователя из кэша.
func (d *PrincipalDirectory) Invalidate(username string) {
	d.accounts.Remove(username)
}

// Purge очищает кэш полностью.
func (d *PrincipalDirectory) Purge() {
	d.accounts.Purge()
	d.groups.Purge()
}

func (d *PrincipalDirectory) group(ctx context.Context, id int64) (*model.Group, error) {
	if g, ok := d.groups.Get(id); ok {
		principalCacheHits.Inc()
		return g, nil
	}
	principalCacheMisses.Inc()
	g, err := d.store.Repos().Principals.GetGroupByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("получение группы %d: %w", id, err)
	}
	d.groups.Add(id, g)
	return g, nil
}

func (d *PrincipalDirectory) load(ctx context.Context, username string) (*Account, error) {
	repo := d.store.Repos().Principals

	u, err := repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ezerr.New(ezerr.NotFound, "no such user")
		}
		return nil, fmt.Errorf("получение пользователя %s: %w", username, err)
	}
	g, err := repo.GetGroupByID(ctx, u.GroupID)
	if err != nil {
		return nil, fmt.Errorf("получение группы пользователя %s: %w", username, err)
	}
	proxyFor, err := repo.ProxyFor(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("получение доверителей %s: %w", username, err)
	}
	shoulders, err := repo.EffectiveShoulders(ctx, append([]int64{u.ID}, proxyFor...))
	if err != nil {
		return nil, fmt.Errorf("получение плеч %s: %w", username, err)
	}

	return &Account{
		User:  u,
		Group: g,
		Principal: &policy.Principal{
			UserID:               u.ID,
			Username:             u.Username,
			GroupID:              g.ID,
			RealmID:              g.RealmID,
			IsGroupAdministrator: u.IsGroupAdministrator,
			IsRealmAdministrator: u.IsRealmAdministrator,
			IsSuperuser:          u.IsSuperuser,
			Shoulders:            shoulders,
			ProxyFor:             proxyFor,
		},
	}, nil
}
