// admin.go — операторские операции: очереди, минтеры, плечи,
// пользователи и группы. Используются ezid-admin и /admin API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/alexedwards/argon2id"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/minter"
	"github.com/bigkaa/goezid/internal/repository"
)

// AgentMinter выпускает agent PID пользователей и групп.
type AgentMinter interface {
	MintAgentPID(ctx context.Context, role model.AgentRole, name string) (string, error)
}

// AdminService — операторские операции.
type AdminService struct {
	store  repository.Store
	agents AgentMinter
	// invalidate сбрасывает кэш принципалов (nil — кэша нет)
	invalidate func(username string)
	logger     *slog.Logger
}

// NewAdminService создаёт сервис операторских операций.
// invalidate может быть nil.
func NewAdminService(store repository.Store, agents AgentMinter, invalidate func(string), logger *slog.Logger) *AdminService {
	return &AdminService{
		store:      store,
		agents:     agents,
		invalidate: invalidate,
		logger:     logger.With(slog.String("component", "admin")),
	}
}

// --- Очереди ---

// QueueOverview — сводка по всем очередям.
type QueueOverview struct {
	Queues    []*model.QueueStats
	Downloads int
}

// Overview возвращает сводку по очередям идентификаторов и выгрузок.
func (s *AdminService) Overview(ctx context.Context) (*QueueOverview, error) {
	repos := s.store.Repos()
	out := &QueueOverview{}
	for _, q := range model.Queues {
		st, err := repos.Queues.Stats(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("сводка очереди %s: %w", q, err)
		}
		out.Queues = append(out.Queues, st)
	}
	n, err := repos.Downloads.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("сводка очереди выгрузок: %w", err)
	}
	out.Downloads = n
	return out, nil
}

// ListErrors возвращает строки очереди с постоянной или временной ошибкой.
func (s *AdminService) ListErrors(ctx context.Context, queue string, permanent bool, limit int) ([]*model.QueueItem, error) {
	q, err := parseQueue(queue)
	if err != nil {
		return nil, err
	}
	items, err := s.store.Repos().Queues.ListErrors(ctx, q, permanent, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибки очереди %s: %w", q, err)
	}
	return items, nil
}

// ClearPermanentErrors снимает признак постоянной ошибки в диапазоне seq,
// после чего воркер повторит строки.
func (s *AdminService) ClearPermanentErrors(ctx context.Context, queue, seqRange string) (int64, error) {
	return s.rangeOp(ctx, "clear-perrors", queue, seqRange, repository.QueueRepository.ClearPermanent)
}

// DeleteRange удаляет строки очереди в диапазоне seq.
func (s *AdminService) DeleteRange(ctx context.Context, queue, seqRange string) (int64, error) {
	return s.rangeOp(ctx, "delete", queue, seqRange, repository.QueueRepository.DeleteRange)
}

// Requeue возвращает строки диапазона в состояние awaiting.
func (s *AdminService) Requeue(ctx context.Context, queue, seqRange string) (int64, error) {
	return s.rangeOp(ctx, "requeue", queue, seqRange, repository.QueueRepository.Requeue)
}

type rangeFunc func(repository.QueueRepository, context.Context, model.Queue, int64, int64) (int64, error)

func (s *AdminService) rangeOp(ctx context.Context, op, queue, seqRange string, fn rangeFunc) (int64, error) {
	q, err := parseQueue(queue)
	if err != nil {
		return 0, err
	}
	from, to, err := ParseSeqRange(seqRange)
	if err != nil {
		return 0, err
	}
	n, err := fn(s.store.Repos().Queues, ctx, q, from, to)
	if err != nil {
		return 0, fmt.Errorf("%s в очереди %s: %w", op, q, err)
	}
	s.logger.Info("Операция над очередью выполнена",
		slog.String("op", op),
		slog.String("queue", string(q)),
		slog.Int64("from", from),
		slog.Int64("to", to),
		slog.Int64("rows", n),
	)
	return n, nil
}

// ParseSeqRange разбирает диапазон seq: "N" или "N-M" (включительно).
func ParseSeqRange(s string) (from, to int64, err error) {
	lo, hi, isRange := strings.Cut(strings.TrimSpace(s), "-")
	from, err = strconv.ParseInt(lo, 10, 64)
	if err != nil || from < 1 {
		return 0, 0, ezerr.New(ezerr.Invalid, "invalid sequence range %q", s)
	}
	to = from
	if isRange {
		to, err = strconv.ParseInt(hi, 10, 64)
		if err != nil || to < from {
			return 0, 0, ezerr.New(ezerr.Invalid, "invalid sequence range %q", s)
		}
	}
	return from, to, nil
}

func parseQueue(name string) (model.Queue, error) {
	if !model.ValidQueue(name) {
		return "", ezerr.New(ezerr.Invalid, "no such queue %q", name)
	}
	return model.Queue(name), nil
}

// --- Минтеры ---

// minterBody возвращает тело шаблона минтера для плеча: для ARK — без
// схемы, для DOI — теневой ARK.
func minterBody(prefix string) (string, error) {
	switch identifier.SchemeOf(prefix) {
	case identifier.SchemeARK:
		return prefix[len(identifier.PrefixARK):], nil
	case identifier.SchemeDOI:
		return identifier.DOIToShadow(prefix[len(identifier.PrefixDOI):])
	}
	return "", ezerr.New(ezerr.Invalid, "shoulder %s does not support minting", prefix)
}

// CreateMinter создаёт минтер для префикса плеча с маской mask.
func (s *AdminService) CreateMinter(ctx context.Context, prefix, mask string) (*minter.State, error) {
	st, err := newMinterState(prefix, mask)
	if err != nil {
		return nil, err
	}
	if err := s.store.Repos().Minters.Create(ctx, prefix, st); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ezerr.New(ezerr.AlreadyExists, "minter %s already exists", prefix)
		}
		return nil, fmt.Errorf("создание минтера %s: %w", prefix, err)
	}
	s.logger.Info("Минтер создан", slog.String("shoulder", prefix), slog.String("mask", st.Mask))
	return st, nil
}

func newMinterState(prefix, mask string) (*minter.State, error) {
	if !identifier.ValidateShoulder(prefix) {
		return nil, ezerr.New(ezerr.Invalid, "invalid shoulder %q", prefix)
	}
	body, err := minterBody(prefix)
	if err != nil {
		return nil, err
	}
	st, err := minter.New(body, mask)
	if err != nil {
		return nil, ezerr.Wrap(ezerr.Invalid, err, "invalid minter mask")
	}
	return st, nil
}

// qualify формирует полный идентификатор из префикса плеча и суффикса.
func qualify(prefix, suffix string) string {
	if identifier.IsDOI(prefix) {
		return prefix + strings.ToUpper(suffix)
	}
	return prefix + strings.ToLower(suffix)
}

// Mint выпускает n идентификаторов минтером prefix без создания записей.
// При dryRun состояние минтера не меняется.
func (s *AdminService) Mint(ctx context.Context, prefix string, n int, dryRun bool) ([]string, error) {
	if n < 1 {
		return nil, ezerr.New(ezerr.Invalid, "count must be positive")
	}
	var suffixes []string
	err := s.store.InTx(ctx, func(r *repository.Repos) error {
		st, err := r.Minters.GetForUpdate(ctx, prefix)
		if err != nil {
			return minterErr(prefix, err)
		}
		if dryRun {
			suffixes, err = st.Preview(n)
			return minterErr(prefix, err)
		}
		for i := 0; i < n; i++ {
			x, err := st.Mint()
			if err != nil {
				return minterErr(prefix, err)
			}
			suffixes = append(suffixes, x)
		}
		return r.Minters.Save(ctx, prefix, st)
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(suffixes))
	for i, x := range suffixes {
		ids[i] = qualify(prefix, x)
	}
	return ids, nil
}

// Slice возвращает count идентификаторов, которые новый минтер плеча
// prefix с маской mask выпустил бы после первых skip. Сохранённое
// состояние не используется и не меняется.
func (s *AdminService) Slice(prefix, mask string, skip, count int) ([]string, error) {
	if skip < 0 || count < 1 {
		return nil, ezerr.New(ezerr.Invalid, "invalid slice bounds")
	}
	st, err := newMinterState(prefix, mask)
	if err != nil {
		return nil, err
	}
	for i := 0; i < skip; i++ {
		if _, err := st.Mint(); err != nil {
			return nil, minterErr(prefix, err)
		}
	}
	xs, err := st.Preview(count)
	if err != nil {
		return nil, minterErr(prefix, err)
	}
	ids := make([]string, len(xs))
	for i, x := range xs {
		ids[i] = qualify(prefix, x)
	}
	return ids, nil
}

// Dump возвращает сохранённое состояние минтера.
func (s *AdminService) Dump(ctx context.Context, prefix string) (*minter.State, error) {
	st, err := s.store.Repos().Minters.Get(ctx, prefix)
	if err != nil {
		return nil, minterErr(prefix, err)
	}
	return st, nil
}

func minterErr(prefix string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ezerr.New(ezerr.NotFound, "no such minter %s", prefix)
	case errors.Is(err, minter.ErrCorrupt):
		return ezerr.Wrap(ezerr.MinterCorrupt, err, "minter %s", prefix)
	}
	return fmt.Errorf("минтер %s: %w", prefix, err)
}

// --- Плечи ---

// ShoulderSpec — параметры нового плеча.
type ShoulderSpec struct {
	Prefix string
	Name   string
	Agency model.Agency
	// Datacenter — символ датацентра DataCite (обязателен для agency=datacite)
	Datacenter string
	// Mask — маска минтера; пустая — маска по умолчанию
	Mask    string
	NoMint  bool
	IsTest  bool
	IsSuper bool
}

// CreateShoulder создаёт плечо вместе с его минтером в одной транзакции.
func (s *AdminService) CreateShoulder(ctx context.Context, spec ShoulderSpec) (*model.Shoulder, error) {
	if !identifier.ValidateShoulder(spec.Prefix) {
		return nil, ezerr.New(ezerr.Invalid, "invalid shoulder %q", spec.Prefix)
	}
	sh := &model.Shoulder{
		Prefix:  spec.Prefix,
		Name:    spec.Name,
		Agency:  spec.Agency,
		Active:  true,
		IsTest:  spec.IsTest,
		IsSuper: spec.IsSuper,
	}
	switch identifier.SchemeOf(spec.Prefix) {
	case identifier.SchemeARK:
		sh.Type = model.ShoulderARK
		if spec.Agency != model.AgencyNone && spec.Agency != model.AgencyEZID {
			return nil, ezerr.New(ezerr.Invalid, "ARK shoulder cannot be registered with %s", spec.Agency)
		}
	case identifier.SchemeDOI:
		sh.Type = model.ShoulderDOI
		if spec.Agency != model.AgencyDatacite && spec.Agency != model.AgencyCrossref {
			return nil, ezerr.New(ezerr.Invalid, "DOI shoulder requires agency datacite or crossref")
		}
		if (spec.Agency == model.AgencyDatacite) != (spec.Datacenter != "") {
			return nil, ezerr.New(ezerr.Invalid, "DataCite DOI shoulder requires a datacenter, Crossref forbids one")
		}
	default:
		sh.Type = model.ShoulderUUID
		spec.NoMint = true
	}

	err := s.store.InTx(ctx, func(r *repository.Repos) error {
		if spec.Datacenter != "" {
			sym, ok := identifier.ValidateDatacenter(spec.Datacenter)
			if !ok {
				return ezerr.New(ezerr.Invalid, "invalid datacenter %q", spec.Datacenter)
			}
			dc, err := r.Datacenters.Ensure(ctx, sym, "")
			if err != nil {
				return fmt.Errorf("датацентр %s: %w", sym, err)
			}
			sh.DatacenterID = &dc.ID
			sh.DatacenterSymbol = dc.Symbol
		}
		if !spec.NoMint {
			st, err := newMinterState(spec.Prefix, spec.Mask)
			if err != nil {
				return err
			}
			if err := r.Minters.Create(ctx, spec.Prefix, st); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					return ezerr.New(ezerr.AlreadyExists, "minter %s already exists", spec.Prefix)
				}
				return fmt.Errorf("создание минтера: %w", err)
			}
			sh.Minter = spec.Prefix
		}
		if err := r.Shoulders.Create(ctx, sh); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ezerr.New(ezerr.AlreadyExists, "shoulder %s already exists", spec.Prefix)
			}
			return fmt.Errorf("создание плеча: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Плечо создано",
		slog.String("shoulder", sh.Prefix),
		slog.String("agency", string(sh.Agency)),
		slog.Bool("test", sh.IsTest),
	)
	return sh, nil
}

// SetShoulderActive включает или выключает плечо.
func (s *AdminService) SetShoulderActive(ctx context.Context, prefix string, active bool) error {
	if err := s.store.Repos().Shoulders.SetActive(ctx, prefix, active); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ezerr.New(ezerr.NotFound, "no such shoulder %s", prefix)
		}
		return fmt.Errorf("изменение плеча %s: %w", prefix, err)
	}
	s.logger.Info("Состояние плеча изменено", slog.String("shoulder", prefix), slog.Bool("active", active))
	return nil
}

// --- Группы и пользователи ---

// GroupSpec — параметры новой группы.
type GroupSpec struct {
	Groupname       string
	Realm           string
	Organization    string
	CrossrefEnabled bool
	// Shoulders — префиксы плеч группы
	Shoulders []string
}

// CreateGroup создаёт группу с agent PID и плечами.
func (s *AdminService) CreateGroup(ctx context.Context, spec GroupSpec) (*model.Group, error) {
	if spec.Groupname == "" || spec.Groupname == "anonymous" {
		return nil, ezerr.New(ezerr.Invalid, "invalid group name %q", spec.Groupname)
	}
	if spec.Realm == "" {
		spec.Realm = spec.Groupname
	}
	pid, err := s.agents.MintAgentPID(ctx, model.AgentRoleGroup, spec.Groupname)
	if err != nil {
		return nil, fmt.Errorf("agent PID группы %s: %w", spec.Groupname, err)
	}

	g := &model.Group{
		PID:             pid,
		Groupname:       spec.Groupname,
		Organization:    spec.Organization,
		CrossrefEnabled: spec.CrossrefEnabled,
	}
	err = s.store.InTx(ctx, func(r *repository.Repos) error {
		realm, err := r.Principals.EnsureRealm(ctx, spec.Realm)
		if err != nil {
			return fmt.Errorf("область %s: %w", spec.Realm, err)
		}
		g.RealmID = realm.ID
		if err := r.Principals.CreateGroup(ctx, g); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ezerr.New(ezerr.AlreadyExists, "group %s already exists", spec.Groupname)
			}
			return err
		}
		for _, p := range spec.Shoulders {
			sh, err := getShoulder(ctx, r, p)
			if err != nil {
				return err
			}
			if err := r.Principals.AddGroupShoulder(ctx, g.ID, sh.ID); err != nil {
				return fmt.Errorf("плечо %s группы: %w", p, err)
			}
			g.ShoulderIDs = append(g.ShoulderIDs, sh.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Группа создана", slog.String("group", g.Groupname), slog.String("pid", g.PID))
	return g, nil
}

// UserSpec — параметры нового пользователя.
type UserSpec struct {
	Username    string
	Groupname   string
	DisplayName string
	Email       string
	// Password — пустой пароль запрещает вход
	Password              string
	IsGroupAdministrator  bool
	IsRealmAdministrator  bool
	IsSuperuser           bool
	InheritGroupShoulders bool
	CrossrefEnabled       bool
	CrossrefEmail         string
	Shoulders             []string
	// Proxies — имена пользователей, которые могут действовать от имени нового
	Proxies []string
}

// CreateUser создаёт пользователя с agent PID, паролем, плечами и прокси.
func (s *AdminService) CreateUser(ctx context.Context, spec UserSpec) (*model.User, error) {
	if spec.Username == "" || spec.Username == "anonymous" {
		return nil, ezerr.New(ezerr.Invalid, "invalid username %q", spec.Username)
	}
	hash, err := hashPassword(spec.Password)
	if err != nil {
		return nil, err
	}
	g, err := s.getGroup(ctx, s.store.Repos(), spec.Groupname)
	if err != nil {
		return nil, err
	}
	pid, err := s.agents.MintAgentPID(ctx, model.AgentRoleUser, spec.Username)
	if err != nil {
		return nil, fmt.Errorf("agent PID пользователя %s: %w", spec.Username, err)
	}

	u := &model.User{
		PID:                   pid,
		Username:              spec.Username,
		DisplayName:           spec.DisplayName,
		Email:                 spec.Email,
		GroupID:               g.ID,
		RealmID:               g.RealmID,
		PasswordHash:          hash,
		IsGroupAdministrator:  spec.IsGroupAdministrator,
		IsRealmAdministrator:  spec.IsRealmAdministrator,
		IsSuperuser:           spec.IsSuperuser,
		InheritGroupShoulders: spec.InheritGroupShoulders,
		CrossrefEnabled:       spec.CrossrefEnabled,
		CrossrefEmail:         spec.CrossrefEmail,
	}
	err = s.store.InTx(ctx, func(r *repository.Repos) error {
		if err := r.Principals.CreateUser(ctx, u); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ezerr.New(ezerr.AlreadyExists, "user %s already exists", spec.Username)
			}
			return err
		}
		for _, p := range spec.Shoulders {
			sh, err := getShoulder(ctx, r, p)
			if err != nil {
				return err
			}
			if err := r.Principals.AddUserShoulder(ctx, u.ID, sh.ID); err != nil {
				return fmt.Errorf("плечо %s пользователя: %w", p, err)
			}
			u.ShoulderIDs = append(u.ShoulderIDs, sh.ID)
		}
		for _, name := range spec.Proxies {
			proxy, err := r.Principals.GetUserByUsername(ctx, name)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return ezerr.New(ezerr.NotFound, "no such user %s", name)
				}
				return err
			}
			if err := r.Principals.AddProxy(ctx, u.ID, proxy.ID); err != nil {
				return fmt.Errorf("прокси %s: %w", name, err)
			}
			u.ProxyIDs = append(u.ProxyIDs, proxy.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Пользователь создан",
		slog.String("user", u.Username),
		slog.String("group", g.Groupname),
		slog.String("pid", u.PID),
	)
	return u, nil
}

// MoveUser переводит пользователя в группу groupname вместе с его
// идентификаторами и ставит их в очередь индексатора поиска.
func (s *AdminService) MoveUser(ctx context.Context, username, groupname string) (int64, error) {
	var moved int64
	err := s.store.InTx(ctx, func(r *repository.Repos) error {
		u, err := s.getUser(ctx, r, username)
		if err != nil {
			return err
		}
		g, err := s.getGroup(ctx, r, groupname)
		if err != nil {
			return err
		}
		if u.GroupID == g.ID {
			return ezerr.New(ezerr.Invalid, "user is already in group %s", groupname)
		}
		if u.IsSuperuser || u.IsGroupAdministrator || u.IsRealmAdministrator ||
			len(u.ShoulderIDs) > 0 || len(u.ProxyIDs) > 0 {
			return ezerr.New(ezerr.Invalid, "cannot move privileged user or user with shoulders or proxies")
		}
		moved, err = r.Principals.MoveUser(ctx, u.ID, g.ID, g.RealmID)
		if err != nil {
			return fmt.Errorf("перевод пользователя %s: %w", username, err)
		}
		return reindexOwner(ctx, r, u.ID)
	})
	if err != nil {
		return 0, err
	}
	s.invalidateUser(username)
	s.logger.Info("Пользователь переведён",
		slog.String("user", username),
		slog.String("group", groupname),
		slog.Int64("identifiers", moved),
	)
	return moved, nil
}

// MoveGroup переводит группу со всеми пользователями в существующую область.
// Группу с администраторами области перевести нельзя.
func (s *AdminService) MoveGroup(ctx context.Context, groupname, realm string) (int64, error) {
	var (
		moved     int64
		usernames []string
	)
	err := s.store.InTx(ctx, func(r *repository.Repos) error {
		g, err := s.getGroup(ctx, r, groupname)
		if err != nil {
			return err
		}
		rl, err := r.Principals.GetRealmByName(ctx, realm)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ezerr.New(ezerr.NotFound, "no such realm %s", realm)
			}
			return fmt.Errorf("получение области %s: %w", realm, err)
		}
		if g.RealmID == rl.ID {
			return ezerr.New(ezerr.Invalid, "group is already in realm %s", realm)
		}
		usernames, err = r.Principals.ListUsernames(ctx, repository.UserFilter{GroupID: &g.ID})
		if err != nil {
			return fmt.Errorf("пользователи группы %s: %w", groupname, err)
		}
		for _, name := range usernames {
			u, err := s.getUser(ctx, r, name)
			if err != nil {
				return err
			}
			if u.IsRealmAdministrator {
				return ezerr.New(ezerr.Invalid, "group has realm administrator %s", name)
			}
		}
		moved, err = r.Principals.MoveGroup(ctx, g.ID, rl.ID)
		if err != nil {
			return fmt.Errorf("перевод группы %s: %w", groupname, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, name := range usernames {
		s.invalidateUser(name)
	}
	s.logger.Info("Группа переведена",
		slog.String("group", groupname),
		slog.String("realm", realm),
		slog.Int64("users", moved),
	)
	return moved, nil
}

// reindexOwner ставит все идентификаторы владельца в очередь индексатора.
func reindexOwner(ctx context.Context, r *repository.Repos, ownerID int64) error {
	after := ""
	for {
		page, err := r.Identifiers.Iterate(ctx, repository.IterateFilter{OwnerID: &ownerID, AfterID: after, Limit: 500})
		if err != nil {
			return fmt.Errorf("перебор идентификаторов: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, rec := range page {
			snap, err := rec.Snapshot()
			if err != nil {
				return err
			}
			item := &model.QueueItem{
				Identifier: rec.ID,
				Operation:  model.OpUpdate,
				Snapshot:   snap,
				Status:     model.QueueAwaiting,
			}
			if err := r.Queues.Enqueue(ctx, model.QueueSearch, item); err != nil {
				return err
			}
		}
		after = page[len(page)-1].ID
	}
}

// DeleteUser удаляет пользователя без идентификаторов.
func (s *AdminService) DeleteUser(ctx context.Context, username string) error {
	repos := s.store.Repos()
	u, err := s.getUser(ctx, repos, username)
	if err != nil {
		return err
	}
	if err := repos.Principals.DeleteUser(ctx, u.ID); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return ezerr.New(ezerr.Invalid, "user %s still owns identifiers", username)
		}
		return fmt.Errorf("удаление пользователя %s: %w", username, err)
	}
	s.invalidateUser(username)
	s.logger.Info("Пользователь удалён", slog.String("user", username))
	return nil
}

// DeleteGroup удаляет пустую группу.
func (s *AdminService) DeleteGroup(ctx context.Context, groupname string) error {
	repos := s.store.Repos()
	g, err := s.getGroup(ctx, repos, groupname)
	if err != nil {
		return err
	}
	if err := repos.Principals.DeleteGroup(ctx, g.ID); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return ezerr.New(ezerr.Invalid, "group %s still has users or identifiers", groupname)
		}
		return fmt.Errorf("удаление группы %s: %w", groupname, err)
	}
	s.logger.Info("Группа удалена", slog.String("group", groupname))
	return nil
}

// SetPassword задаёт пароль пользователя. Пустой пароль запрещает вход.
func (s *AdminService) SetPassword(ctx context.Context, username, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	repos := s.store.Repos()
	u, err := s.getUser(ctx, repos, username)
	if err != nil {
		return err
	}
	if err := repos.Principals.SetPassword(ctx, u.ID, hash); err != nil {
		return fmt.Errorf("смена пароля %s: %w", username, err)
	}
	s.invalidateUser(username)
	s.logger.Info("Пароль пользователя изменён", slog.String("user", username))
	return nil
}

func hashPassword(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		return "", fmt.Errorf("хеширование пароля: %w", err)
	}
	return hash, nil
}

func (s *AdminService) invalidateUser(username string) {
	if s.invalidate != nil {
		s.invalidate(username)
	}
}

func (s *AdminService) getUser(ctx context.Context, r *repository.Repos, username string) (*model.User, error) {
	u, err := r.Principals.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ezerr.New(ezerr.NotFound, "no such user %s", username)
		}
		return nil, fmt.Errorf("получение пользователя %s: %w", username, err)
	}
	return u, nil
}

func (s *AdminService) getGroup(ctx context.Context, r *repository.Repos, groupname string) (*model.Group, error) {
	g, err := r.Principals.GetGroupByName(ctx, groupname)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ezerr.New(ezerr.NotFound, "no such group %s", groupname)
		}
		return nil, fmt.Errorf("получение группы %s: %w", groupname, err)
	}
	return g, nil
}

func getShoulder(ctx context.Context, r *repository.Repos, prefix string) (*model.Shoulder, error) {
	sh, err := r.Shoulders.GetByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ezerr.New(ezerr.NotFound, "no such shoulder %s", prefix)
		}
		return nil, fmt.Errorf("получение плеча %s: %w", prefix, err)
	}
	return sh, nil
}
