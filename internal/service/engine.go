// engine.go — движок операций над идентификаторами: mint, create,
// update, delete, get. Единственный путь записи в таблицу identifiers:
// запись и строки очередей нижестоящих сервисов фиксируются одной
// транзакцией под блокировкой идентификатора.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/metadata"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/domain/policy"
	"github.com/bigkaa/goezid/internal/lockmgr"
	"github.com/bigkaa/goezid/internal/minter"
	"github.com/bigkaa/goezid/internal/repository"
)

// Prometheus-метрики операций.
var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ezid_operations_total",
		Help: "Количество операций над идентификаторами по виду и результату.",
	}, []string{"op", "result"})
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ezid_operation_duration_seconds",
		Help:    "Длительность операций над идентификаторами.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

// Downstreams — включённые нижестоящие сервисы.
// Индексатор поиска включён всегда.
type Downstreams struct {
	Binder    bool
	Datacite  bool
	Crossref  bool
	Broadcast bool
}

// EngineConfig — статические параметры движка.
type EngineConfig struct {
	URLs          identifier.URLs
	AdminUsername string
	// AgentShoulder — плечо agent PID пользователей и групп
	AgentShoulder string
	Downstreams   Downstreams
}

// Result — успешный результат операции.
type Result struct {
	// ID — канонический идентификатор
	ID string
	// Shadow — теневой ARK для DOI (create и mint)
	Shadow string
	// InLieuOf — запрошенный идентификатор при поиске по префиксу
	InLieuOf string
	// Metadata — внешнее представление записи (get)
	Metadata metadata.Map
}

// Status возвращает строку результата в формате EZID ("success: ...").
func (r *Result) Status() string {
	switch {
	case r.InLieuOf != "":
		return fmt.Sprintf("success: %s in_lieu_of %s", r.ID, r.InLieuOf)
	case r.Shadow != "":
		return fmt.Sprintf("success: %s | %s", r.ID, r.Shadow)
	}
	return "success: " + r.ID
}

// ErrorStatus возвращает строку результата для ошибки ("error: ...").
func ErrorStatus(err error) string {
	switch ezerr.KindOf(err) {
	case ezerr.Forbidden:
		return "error: forbidden"
	case ezerr.Busy:
		return "error: concurrency limit exceeded"
	case ezerr.Invalid, ezerr.NotFound, ezerr.AlreadyExists, ezerr.NotMintable:
		return "error: bad request - " + ezerr.Message(err)
	}
	return "error: internal server error"
}

// Engine — движок операций.
type Engine struct {
	store  repository.Store
	locks  *lockmgr.Manager
	dir    Directory
	policy *policy.Policy
	cfg    EngineConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewEngine создаёт движок операций.
func NewEngine(
	store repository.Store,
	locks *lockmgr.Manager,
	dir Directory,
	pol *policy.Policy,
	cfg EngineConfig,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:  store,
		locks:  locks,
		dir:    dir,
		policy: pol,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "engine")),
	}
}

// Mint выпускает новый идентификатор под плечом shoulder и создаёт его
// с метаданными md. Блокировка "<shoulder>.shoulder_lock" удерживается
// до конца создания записи.
func (e *Engine) Mint(ctx context.Context, pr *policy.Principal, shoulder string, md metadata.Map) (res *Result, err error) {
	defer e.observe("mint", time.Now(), &err)

	lockID, lockUser := shoulder+".shoulder_lock", pr.Username+".shoulder_lock"
	if !e.locks.Acquire(lockID, lockUser) {
		return nil, ezerr.New(ezerr.Busy, "concurrency limit exceeded")
	}
	defer e.locks.Release(lockID, lockUser)

	id, err := e.mintID(ctx, pr, shoulder)
	if err != nil {
		return nil, e.internal("mint", shoulder, pr, err)
	}

	e.logger.Info("Идентификатор выпущен",
		slog.String("identifier", id),
		slog.String("shoulder", shoulder),
		slog.String("user", pr.Username),
	)
	return e.Create(ctx, pr, id, md, false)
}

func (e *Engine) mintID(ctx context.Context, pr *policy.Principal, shoulder string) (string, error) {
	sh, err := e.store.Repos().Shoulders.GetByPrefix(ctx, shoulder)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ezerr.New(ezerr.Invalid, "no such shoulder")
		}
		return "", fmt.Errorf("получение плеча %s: %w", shoulder, err)
	}
	if !e.policy.CanCreate(pr, sh.Prefix) {
		return "", ezerr.New(ezerr.Forbidden, "forbidden")
	}
	if !sh.Active {
		return "", ezerr.New(ezerr.NotMintable, "shoulder is not active")
	}

	var id string
	switch {
	case sh.Type == model.ShoulderUUID:
		u, err := uuid.NewUUID()
		if err != nil {
			return "", fmt.Errorf("генерация UUID v1: %w", err)
		}
		id = identifier.PrefixUUID + u.String()
	case sh.Minter == "":
		return "", ezerr.New(ezerr.NotMintable, "shoulder does not support minting")
	default:
		suffix, err := e.advanceMinter(ctx, sh.Minter)
		if err != nil {
			return "", err
		}
		id = qualify(sh.Prefix, suffix)
	}

	canonical, ok := identifier.Validate(id)
	if !ok || canonical != id {
		return "", ezerr.New(ezerr.MinterCorrupt, "minted identifier %q is not canonical", id)
	}
	exists, err := e.store.Repos().Identifiers.Exists(ctx, id)
	if err != nil {
		return "", fmt.Errorf("проверка существования %s: %w", id, err)
	}
	if exists {
		return "", ezerr.New(ezerr.MinterCorrupt,
			"freshly minted identifier %s already exists; minter state for shoulder %s may be outdated", id, sh.Prefix)
	}
	return id, nil
}

// advanceMinter продвигает минтер и фиксирует новое состояние до того,
// как суффикс будет использован: при сбое суффикс пропускается, но не
// выдаётся повторно.
func (e *Engine) advanceMinter(ctx context.Context, prefix string) (string, error) {
	var suffix string
	err := e.store.InTx(ctx, func(r *repository.Repos) error {
		st, err := r.Minters.GetForUpdate(ctx, prefix)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ezerr.New(ezerr.MinterCorrupt, "minter %s has no state", prefix)
			}
			if errors.Is(err, minter.ErrCorrupt) {
				return ezerr.Wrap(ezerr.MinterCorrupt, err, "minter %s", prefix)
			}
			return fmt.Errorf("получение минтера %s: %w", prefix, err)
		}
		suffix, err = st.Mint()
		if err != nil {
			return ezerr.Wrap(ezerr.MinterCorrupt, err, "minter %s", prefix)
		}
		return r.Minters.Save(ctx, prefix, st)
	})
	return suffix, err
}

// Create создаёт идентификатор id. При updateIfExists существующий
// идентификатор обновляется вместо ошибки AlreadyExists.
func (e *Engine) Create(ctx context.Context, pr *policy.Principal, id string, md metadata.Map, updateIfExists bool) (res *Result, err error) {
	defer e.observe("create", time.Now(), &err)

	nid, ok := identifier.Normalize(id)
	if !ok {
		return nil, ezerr.New(ezerr.Invalid, "invalid identifier")
	}
	if !e.locks.Acquire(nid, pr.Username) {
		return nil, ezerr.New(ezerr.Busy, "concurrency limit exceeded")
	}
	defer e.locks.Release(nid, pr.Username)

	res, err = e.create(ctx, pr, nid, md)
	if ezerr.Is(err, ezerr.AlreadyExists) && updateIfExists {
		e.logger.Info("Идентификатор уже существует, выполняется обновление",
			slog.String("identifier", nid),
			slog.String("user", pr.Username),
		)
		res, err = e.update(ctx, pr, nid, md)
	}
	if err != nil {
		return nil, e.internal("create", nid, pr, err)
	}
	return res, nil
}

func (e *Engine) create(ctx context.Context, pr *policy.Principal, nid string, md metadata.Map) (*Result, error) {
	if !e.policy.CanCreate(pr, nid) {
		return nil, ezerr.New(ezerr.Forbidden, "forbidden")
	}

	rec := &model.Identifier{ID: nid, Status: model.StatusPublic, Exported: true}
	callerOwner := policy.Owner{}
	if !pr.Anonymous {
		acc, err := e.dir.Lookup(ctx, pr.Username)
		if err != nil {
			return nil, fmt.Errorf("получение вызывающего %s: %w", pr.Username, err)
		}
		setOwner(rec, acc)
		callerOwner = policy.Owner{UserID: pr.UserID, GroupID: pr.GroupID, RealmID: pr.RealmID}
	}

	applied, err := e.apply(ctx, rec, md, applyOptions{isNew: true, restricted: pr.IsSuperuser})
	if err != nil {
		return nil, err
	}
	if rec.IsDOI() {
		if err := e.assignAgency(ctx, rec); err != nil {
			return nil, err
		}
	}
	if err := e.clean(rec, e.now(), applied.updatedGiven); err != nil {
		return nil, err
	}
	if applied.ownerChanged {
		next, err := e.dir.Owner(ctx, rec)
		if err != nil {
			return nil, err
		}
		if !e.policy.CanChangeOwnership(pr, callerOwner, next) {
			return nil, ezerr.New(ezerr.Invalid, "ownership change prohibited")
		}
	}

	err = e.store.InTx(ctx, func(r *repository.Repos) error {
		if err := r.Identifiers.Insert(ctx, rec); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ezerr.New(ezerr.AlreadyExists, "identifier already exists, cannot create")
			}
			return fmt.Errorf("сохранение идентификатора: %w", err)
		}
		return e.enqueue(ctx, r, rec, model.OpCreate)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Идентификатор создан",
		slog.String("identifier", nid),
		slog.String("user", pr.Username),
		slog.String("status", string(rec.Status)),
	)
	res := &Result{ID: nid}
	if rec.IsDOI() {
		res.Shadow, _ = identifier.Shadow(nid)
	}
	return res, nil
}

// assignAgency назначает DOI агентство регистрации по самому длинному
// подходящему плечу: датацентр для DataCite, статус Crossref для Crossref.
func (e *Engine) assignAgency(ctx context.Context, rec *model.Identifier) error {
	sh, err := e.store.Repos().Shoulders.GetLongestMatch(ctx, rec.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ezerr.New(ezerr.Invalid, "no matching shoulder found")
		}
		return fmt.Errorf("поиск плеча для %s: %w", rec.ID, err)
	}
	switch {
	case sh.IsDatacite():
		if rec.DatacenterID == nil && !rec.IsCrossref() {
			rec.DatacenterID = sh.DatacenterID
			rec.DatacenterSymbol = sh.DatacenterSymbol
		}
	case sh.IsCrossref():
		if !rec.IsCrossref() {
			if rec.IsReserved() {
				rec.CrossrefStatus = model.CrossrefReserved
			} else {
				rec.CrossrefStatus = model.CrossrefWorking
			}
		}
	default:
		return ezerr.New(ezerr.Invalid, "shoulder %s does not register DOIs", sh.Prefix)
	}
	return nil
}

// Update накладывает метаданные md на существующий идентификатор.
// Неуказанные элементы не меняются; пустое значение удаляет элемент.
func (e *Engine) Update(ctx context.Context, pr *policy.Principal, id string, md metadata.Map) (res *Result, err error) {
	defer e.observe("update", time.Now(), &err)

	nid, ok := identifier.Normalize(id)
	if !ok {
		return nil, ezerr.New(ezerr.Invalid, "invalid identifier")
	}
	if !e.locks.Acquire(nid, pr.Username) {
		return nil, ezerr.New(ezerr.Busy, "concurrency limit exceeded")
	}
	defer e.locks.Release(nid, pr.Username)

	res, err = e.update(ctx, pr, nid, md)
	if err != nil {
		return nil, e.internal("update", nid, pr, err)
	}
	return res, nil
}

// update выполняется под уже полученной блокировкой nid.
func (e *Engine) update(ctx context.Context, pr *policy.Principal, nid string, md metadata.Map) (*Result, error) {
	err := e.store.InTx(ctx, func(r *repository.Repos) error {
		rec, err := r.Identifiers.GetForUpdate(ctx, nid)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ezerr.New(ezerr.NotFound, "no such identifier")
			}
			return fmt.Errorf("получение идентификатора: %w", err)
		}
		prevOwner, err := e.dir.Owner(ctx, rec)
		if err != nil {
			return err
		}
		if !e.policy.CanUpdate(pr, prevOwner) {
			return ezerr.New(ezerr.Forbidden, "forbidden")
		}

		applied, err := e.apply(ctx, rec, md, applyOptions{restricted: pr.IsSuperuser})
		if err != nil {
			return err
		}
		if rec.IsCrossref() && !rec.IsReserved() {
			rec.CrossrefStatus = model.CrossrefWorking
			rec.CrossrefMessage = ""
		}
		if err := e.clean(rec, e.now(), applied.updatedGiven); err != nil {
			return err
		}
		if applied.ownerChanged {
			next, err := e.dir.Owner(ctx, rec)
			if err != nil {
				return err
			}
			if !e.policy.CanChangeOwnership(pr, prevOwner, next) {
				return ezerr.New(ezerr.Invalid, "ownership change prohibited")
			}
		}

		if err := r.Identifiers.Update(ctx, rec); err != nil {
			return fmt.Errorf("сохранение идентификатора: %w", err)
		}
		return e.enqueue(ctx, r, rec, model.OpUpdate)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Идентификатор обновлён",
		slog.String("identifier", nid),
		slog.String("user", pr.Username),
	)
	return &Result{ID: nid}, nil
}

// Delete удаляет идентификатор. Разрешено только для зарезервированных
// идентификаторов, суперпользователю — для любых.
func (e *Engine) Delete(ctx context.Context, pr *policy.Principal, id string) (res *Result, err error) {
	defer e.observe("delete", time.Now(), &err)

	nid, ok := identifier.Normalize(id)
	if !ok {
		return nil, ezerr.New(ezerr.Invalid, "invalid identifier")
	}
	if !e.locks.Acquire(nid, pr.Username) {
		return nil, ezerr.New(ezerr.Busy, "concurrency limit exceeded")
	}
	defer e.locks.Release(nid, pr.Username)

	err = e.store.InTx(ctx, func(r *repository.Repos) error {
		rec, err := r.Identifiers.GetForUpdate(ctx, nid)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ezerr.New(ezerr.NotFound, "no such identifier")
			}
			return fmt.Errorf("получение идентификатора: %w", err)
		}
		owner, err := e.dir.Owner(ctx, rec)
		if err != nil {
			return err
		}
		if !e.policy.CanDelete(pr, owner) {
			return ezerr.New(ezerr.Forbidden, "forbidden")
		}
		if !rec.IsReserved() && !pr.IsSuperuser {
			return ezerr.New(ezerr.Invalid, "identifier status does not support deletion")
		}
		if err := e.enqueue(ctx, r, rec, model.OpDelete); err != nil {
			return err
		}
		if err := r.Identifiers.Delete(ctx, nid); err != nil {
			return fmt.Errorf("удаление идентификатора: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, e.internal("delete", nid, pr, err)
	}

	e.logger.Info("Идентификатор удалён",
		slog.String("identifier", nid),
		slog.String("user", pr.Username),
	)
	return &Result{ID: nid}, nil
}

// Get возвращает внешнее представление записи. Блокировка не берётся:
// чтение одной строки согласовано само по себе. При prefixMatch
// возвращается самая длинная существующая запись, являющаяся префиксом id.
func (e *Engine) Get(ctx context.Context, pr *policy.Principal, id string, prefixMatch bool) (res *Result, err error) {
	defer e.observe("get", time.Now(), &err)

	nid, ok := identifier.Normalize(id)
	if !ok {
		return nil, ezerr.New(ezerr.Invalid, "invalid identifier")
	}

	repo := e.store.Repos().Identifiers
	var rec *model.Identifier
	if prefixMatch {
		rec, err = repo.GetLongestPrefix(ctx, identifier.ExplodePrefixes(nid))
	} else {
		rec, err = repo.Get(ctx, nid)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ezerr.New(ezerr.NotFound, "no such identifier")
		}
		return nil, e.internal("get", nid, pr, fmt.Errorf("получение идентификатора: %w", err))
	}

	owner, err := e.dir.Owner(ctx, rec)
	if err != nil {
		return nil, e.internal("get", nid, pr, err)
	}
	if !e.policy.CanView(pr, rec, owner) {
		return nil, ezerr.New(ezerr.Forbidden, "forbidden")
	}

	res = &Result{ID: rec.ID, Metadata: rec.External()}
	if prefixMatch && rec.ID != nid {
		res.InLieuOf = nid
	}
	return res, nil
}

// Downstreams возвращает очереди, в которые ставится операция над rec.
// Зарезервированный идентификатор не регистрируется во внешних сервисах,
// но остаётся в поисковом индексе.
func (e *Engine) Downstreams(rec *model.Identifier) []model.Queue {
	qs := []model.Queue{model.QueueSearch}
	if rec.IsReserved() {
		return qs
	}
	d := e.cfg.Downstreams
	if d.Binder {
		qs = append(qs, model.QueueBinder)
	}
	if d.Datacite && rec.IsDatacite() {
		qs = append(qs, model.QueueDatacite)
	}
	if d.Crossref && rec.IsCrossref() {
		qs = append(qs, model.QueueCrossref)
	}
	if d.Broadcast {
		qs = append(qs, model.QueueBroadcast)
	}
	return qs
}

// enqueue ставит снимок rec во все применимые очереди в транзакции r.
func (e *Engine) enqueue(ctx context.Context, r *repository.Repos, rec *model.Identifier, op model.Operation) error {
	snapshot, err := rec.Snapshot()
	if err != nil {
		return fmt.Errorf("снимок %s: %w", rec.ID, err)
	}
	for _, q := range e.Downstreams(rec) {
		item := &model.QueueItem{
			Identifier: rec.ID,
			Operation:  op,
			Snapshot:   snapshot,
			Status:     model.QueueAwaiting,
		}
		if err := r.Queues.Enqueue(ctx, q, item); err != nil {
			return fmt.Errorf("постановка %s в очередь %s: %w", rec.ID, q, err)
		}
	}
	return nil
}

// internal пропускает типизированные ошибки как есть, а непредвиденные
// журналирует с идентификатором транзакции и превращает в Internal.
func (e *Engine) internal(op, id string, pr *policy.Principal, err error) error {
	switch ezerr.KindOf(err) {
	case ezerr.Internal:
	case ezerr.MinterCorrupt:
		e.logger.Error("Минтер требует вмешательства оператора",
			slog.String("op", op),
			slog.String("shoulder", id),
			slog.String("error", err.Error()),
		)
		return err
	default:
		return err
	}
	var ee *ezerr.Error
	if errors.As(err, &ee) && strings.HasPrefix(ee.Msg, "transaction ") {
		return err
	}
	tid := uuid.NewString()
	e.logger.Error("Внутренняя ошибка операции",
		slog.String("transaction", tid),
		slog.String("op", op),
		slog.String("identifier", id),
		slog.String("user", pr.Username),
		slog.String("error", err.Error()),
	)
	return ezerr.Wrap(ezerr.Internal, err, "transaction %s", tid)
}

func (e *Engine) observe(op string, start time.Time, errp *error) {
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := "success"
	if *errp != nil {
		result = ezerr.KindOf(*errp).String()
	}
	operationsTotal.WithLabelValues(op, result).Inc()
}

// MintAgentPID выпускает agent PID для пользователя или группы name от
// имени администратора EZID. Пока администратор не создан (начальная
// настройка), продвигается только минтер плеча без создания записи.
func (e *Engine) MintAgentPID(ctx context.Context, role model.AgentRole, name string) (string, error) {
	acc, err := e.dir.Lookup(ctx, e.cfg.AdminUsername)
	if ezerr.Is(err, ezerr.NotFound) {
		sh, err := e.store.Repos().Shoulders.GetByPrefix(ctx, e.cfg.AgentShoulder)
		if err != nil {
			return "", fmt.Errorf("получение плеча agent PID %s: %w", e.cfg.AgentShoulder, err)
		}
		if sh.Minter == "" {
			return "", ezerr.New(ezerr.NotMintable, "shoulder does not support minting")
		}
		suffix, err := e.advanceMinter(ctx, sh.Minter)
		if err != nil {
			return "", err
		}
		pid := sh.Prefix + strings.ToLower(suffix)
		e.logger.Warn("Администратор ещё не создан, agent PID выпущен без записи",
			slog.String("identifier", pid),
			slog.String("name", name),
		)
		return pid, nil
	}
	if err != nil {
		return "", err
	}

	what := "EZID user"
	roleName := "user"
	if role == model.AgentRoleGroup {
		what, roleName = "EZID group", "group"
	}
	md := metadata.FromPairs(
		model.KeyRole, roleName,
		model.KeyExport, "no",
		model.KeyProfile, "erc",
		"erc.who", name,
		"erc.what", what,
	)
	res, err := e.Mint(ctx, acc.Principal, e.cfg.AgentShoulder, md)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

// TransactionID возвращает идентификатор транзакции внутренней ошибки или "".
func TransactionID(err error) string {
	var ee *ezerr.Error
	if errors.As(err, &ee) && ee.Kind == ezerr.Internal {
		if tid, ok := strings.CutPrefix(ee.Msg, "transaction "); ok {
			return tid
		}
	}
	return ""
}
