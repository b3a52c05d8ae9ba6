// Пакет repotest — in-memory реализация repository.Store для unit-тестов
// сервисов, воркеров и конвейера выгрузок.
//
// Транзакции сериализуются одним мьютексом; при ошибке fn состояние
// откатывается к копии, снятой в начале InTx.
package repotest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/minter"
	"github.com/bigkaa/goezid/internal/repository"
)

// state — данные хранилища.
type state struct {
	identifiers map[string]*model.Identifier
	shoulders   map[string]*model.Shoulder
	minters     map[string]*minter.State
	users       map[int64]*model.User
	groups      map[int64]*model.Group
	realms      map[string]*model.Realm
	datacenters map[int64]*model.Datacenter
	queues      map[model.Queue][]*model.QueueItem
	downloads   []*model.DownloadRequest
	search      map[string]*model.SearchRecord
	nextID      int64
	nextSeq     int64
}

func newState() *state {
	return &state{
		identifiers: map[string]*model.Identifier{},
		shoulders:   map[string]*model.Shoulder{},
		minters:     map[string]*minter.State{},
		users:       map[int64]*model.User{},
		groups:      map[int64]*model.Group{},
		realms:      map[string]*model.Realm{},
		datacenters: map[int64]*model.Datacenter{},
		queues:      map[model.Queue][]*model.QueueItem{},
		search:      map[string]*model.SearchRecord{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.identifiers {
		c.identifiers[k] = v.Clone()
	}
	for k, v := range s.shoulders {
		sh := *v
		c.shoulders[k] = &sh
	}
	for k, v := range s.minters {
		c.minters[k] = v.Clone()
	}
	for k, v := range s.users {
		u := *v
		u.ShoulderIDs = slices.Clone(v.ShoulderIDs)
		u.ProxyIDs = slices.Clone(v.ProxyIDs)
		c.users[k] = &u
	}
	for k, v := range s.groups {
		g := *v
		g.ShoulderIDs = slices.Clone(v.ShoulderIDs)
		c.groups[k] = &g
	}
	for k, v := range s.realms {
		r := *v
		c.realms[k] = &r
	}
	for k, v := range s.datacenters {
		d := *v
		c.datacenters[k] = &d
	}
	for q, items := range s.queues {
		for _, it := range items {
			cp := *it
			c.queues[q] = append(c.queues[q], &cp)
		}
	}
	for _, d := range s.downloads {
		cp := *d
		c.downloads = append(c.downloads, &cp)
	}
	for k, v := range s.search {
		r := *v
		c.search[k] = &r
	}
	c.nextID, c.nextSeq = s.nextID, s.nextSeq
	return c
}

// Store — in-memory repository.Store.
type Store struct {
	mu    sync.Mutex // защищает st
	txMu  sync.Mutex // сериализует транзакции
	st    *state
	repos *repository.Repos
	// Now — часы для временных меток очередей и выгрузок
	Now func() time.Time
}

// New создаёт пустое хранилище.
func New() *Store {
	s := &Store{st: newState(), Now: time.Now}
	s.repos = &repository.Repos{
		Identifiers: &identifiers{s},
		Shoulders:   &shoulders{s},
		Minters:     &minters{s},
		Principals:  &principals{s},
		Datacenters: &datacenters{s},
		Queues:      &queues{s},
		Downloads:   &downloads{s},
		Search:      &search{s},
	}
	return s
}

// Repos возвращает репозитории хранилища.
func (s *Store) Repos() *repository.Repos { return s.repos }

// InTx выполняет fn; при ошибке изменения откатываются.
func (s *Store) InTx(ctx context.Context, fn func(r *repository.Repos) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	saved := s.st.clone()
	s.mu.Unlock()

	if err := fn(s.repos); err != nil {
		s.mu.Lock()
		s.st = saved
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) lock() *state {
	s.mu.Lock()
	return s.st
}

func (s *Store) unlock() { s.mu.Unlock() }

func (s *Store) id() int64 {
	s.st.nextID++
	return s.st.nextID
}

// --- Вспомогательные методы для подготовки и проверки тестов ---

// Queue возвращает копию строк очереди q в порядке seq.
func (s *Store) Queue(q model.Queue) []*model.QueueItem {
	st := s.lock()
	defer s.unlock()
	out := make([]*model.QueueItem, 0, len(st.queues[q]))
	for _, it := range st.queues[q] {
		cp := *it
		out = append(out, &cp)
	}
	return out
}

// QueueLengths возвращает длину каждой непустой очереди.
func (s *Store) QueueLengths() map[model.Queue]int {
	st := s.lock()
	defer s.unlock()
	out := map[model.Queue]int{}
	for q, items := range st.queues {
		if len(items) > 0 {
			out[q] = len(items)
		}
	}
	return out
}

// Identifier возвращает копию записи или nil.
func (s *Store) Identifier(id string) *model.Identifier {
	st := s.lock()
	defer s.unlock()
	if r, ok := st.identifiers[id]; ok {
		return s.denormalize(r.Clone())
	}
	return nil
}

// SearchRecord возвращает строку поискового индекса или nil.
func (s *Store) SearchRecord(id string) *model.SearchRecord {
	st := s.lock()
	defer s.unlock()
	if r, ok := st.search[id]; ok {
		cp := *r
		return &cp
	}
	return nil
}

// Downloads возвращает копии запросов выгрузки.
func (s *Store) Downloads() []*model.DownloadRequest {
	st := s.lock()
	defer s.unlock()
	out := make([]*model.DownloadRequest, 0, len(st.downloads))
	for _, d := range st.downloads {
		cp := *d
		out = append(out, &cp)
	}
	return out
}

// denormalize заполняет поля, которые PostgreSQL-репозиторий берёт из JOIN.
// Вызывается под s.mu.
func (s *Store) denormalize(r *model.Identifier) *model.Identifier {
	r.OwnerName, r.OwnerPID, r.OwnerGroupName, r.OwnerGroupPID, r.DatacenterSymbol = "", "", "", "", ""
	if r.OwnerID != nil {
		if u, ok := s.st.users[*r.OwnerID]; ok {
			r.OwnerName, r.OwnerPID = u.Username, u.PID
		}
	}
	if r.OwnerGroupID != nil {
		if g, ok := s.st.groups[*r.OwnerGroupID]; ok {
			r.OwnerGroupName, r.OwnerGroupPID = g.Groupname, g.PID
		}
	}
	if r.DatacenterID != nil {
		if d, ok := s.st.datacenters[*r.DatacenterID]; ok {
			r.DatacenterSymbol = d.Symbol
		}
	}
	return r
}

// --- Идентификаторы ---

type identifiers struct{ s *Store }

func (r *identifiers) Get(_ context.Context, id string) (*model.Identifier, error) {
	st := r.s.lock()
	defer r.s.unlock()
	rec, ok := st.identifiers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.s.denormalize(rec.Clone()), nil
}

func (r *identifiers) GetForUpdate(ctx context.Context, id string) (*model.Identifier, error) {
	return r.Get(ctx, id)
}

func (r *identifiers) GetLongestPrefix(_ context.Context, candidates []string) (*model.Identifier, error) {
	st := r.s.lock()
	defer r.s.unlock()
	var best *model.Identifier
	for _, c := range candidates {
		if rec, ok := st.identifiers[c]; ok && (best == nil || len(c) > len(best.ID)) {
			best = rec
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return r.s.denormalize(best.Clone()), nil
}

func (r *identifiers) Exists(_ context.Context, id string) (bool, error) {
	st := r.s.lock()
	defer r.s.unlock()
	_, ok := st.identifiers[id]
	return ok, nil
}

func (r *identifiers) Insert(_ context.Context, rec *model.Identifier) error {
	st := r.s.lock()
	defer r.s.unlock()
	if _, ok := st.identifiers[rec.ID]; ok {
		return fmt.Errorf("%w: идентификатор %s уже существует", repository.ErrConflict, rec.ID)
	}
	st.identifiers[rec.ID] = rec.Clone()
	return nil
}

func (r *identifiers) Update(_ context.Context, rec *model.Identifier) error {
	st := r.s.lock()
	defer r.s.unlock()
	if _, ok := st.identifiers[rec.ID]; !ok {
		return repository.ErrNotFound
	}
	st.identifiers[rec.ID] = rec.Clone()
	return nil
}

func (r *identifiers) Delete(_ context.Context, id string) error {
	st := r.s.lock()
	defer r.s.unlock()
	if _, ok := st.identifiers[id]; !ok {
		return repository.ErrNotFound
	}
	delete(st.identifiers, id)
	return nil
}

func (r *identifiers) Iterate(_ context.Context, f repository.IterateFilter) ([]*model.Identifier, error) {
	st := r.s.lock()
	defer r.s.unlock()
	ids := make([]string, 0, len(st.identifiers))
	for id, rec := range st.identifiers {
		if f.OwnerID != nil && (rec.OwnerID == nil || *rec.OwnerID != *f.OwnerID) {
			continue
		}
		if f.UpdatedSince != nil && rec.UpdatedAt.Before(*f.UpdatedSince) {
			continue
		}
		if f.AfterID != "" && id <= f.AfterID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*model.Identifier, len(ids))
	for i, id := range ids {
		out[i] = r.s.denormalize(st.identifiers[id].Clone())
	}
	return out, nil
}

func (r *identifiers) SetCrossrefStatus(_ context.Context, id string, status model.CrossrefStatus, message string) error {
	st := r.s.lock()
	defer r.s.unlock()
	rec, ok := st.identifiers[id]
	if !ok {
		return repository.ErrNotFound
	}
	rec.CrossrefStatus, rec.CrossrefMessage = status, message
	return nil
}

// --- Плечи ---

type shoulders struct{ s *Store }

func (r *shoulders) fill(sh *model.Shoulder) *model.Shoulder {
	cp := *sh
	cp.DatacenterSymbol = ""
	if sh.DatacenterID != nil {
		if d, ok := r.s.st.datacenters[*sh.DatacenterID]; ok {
			cp.DatacenterSymbol = d.Symbol
		}
	}
	return &cp
}

func (r *shoulders) GetByPrefix(_ context.Context, prefix string) (*model.Shoulder, error) {
	st := r.s.lock()
	defer r.s.unlock()
	sh, ok := st.shoulders[prefix]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.fill(sh), nil
}

func (r *shoulders) GetLongestMatch(_ context.Context, id string) (*model.Shoulder, error) {
	st := r.s.lock()
	defer r.s.unlock()
	var best *model.Shoulder
	for p, sh := range st.shoulders {
		if strings.HasPrefix(id, p) && (best == nil || len(p) > len(best.Prefix)) {
			best = sh
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return r.fill(best), nil
}

func (r *shoulders) List(_ context.Context) ([]*model.Shoulder, error) {
	st := r.s.lock()
	defer r.s.unlock()
	out := make([]*model.Shoulder, 0, len(st.shoulders))
	for _, sh := range st.shoulders {
		out = append(out, r.fill(sh))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out, nil
}

func (r *shoulders) Create(_ context.Context, sh *model.Shoulder) error {
	st := r.s.lock()
	defer r.s.unlock()
	if _, ok := st.shoulders[sh.Prefix]; ok {
		return fmt.Errorf("%w: плечо %s уже существует", repository.ErrConflict, sh.Prefix)
	}
	sh.ID = r.s.id()
	sh.CreatedAt = r.s.Now()
	cp := *sh
	st.shoulders[sh.Prefix] = &cp
	return nil
}

func (r *shoulders) SetActive(_ context.Context, prefix string, active bool) error {
	st := r.s.lock()
	defer r.s.unlock()
	sh, ok := st.shoulders[prefix]
	if !ok {
		return repository.ErrNotFound
	}
	sh.Active = active
	return nil
}

func (s *Store) shoulderPrefix(id int64) string {
	for _, sh := range s.st.shoulders {
		if sh.ID == id {
			return sh.Prefix
		}
	}
	return ""
}

// --- Минтеры ---

type minters struct{ s *Store }

func (r *minters) Create(_ context.Context, prefix string, state *minter.State) error {
	st := r.s.lock()
	defer r.s.unlock()
	if _, ok := st.minters[prefix]; ok {
		return fmt.Errorf("%w: минтер %s уже существует", repository.ErrConflict, prefix)
	}
	st.minters[prefix] = state.Clone()
	return nil
}

func (r *minters) Get(_ context.Context, prefix string) (*minter.State, error) {
	st := r.s.lock()
	defer r.s.unlock()
	m, ok := st.minters[prefix]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m.Clone(), nil
}

func (r *minters) GetForUpdate(ctx context.Context, prefix string) (*minter.State, error) {
	return r.Get(ctx, prefix)
}

func (r *minters) Save(_ context.Context, prefix string, state *minter.State) error {
	st := r.s.lock()
	defer r.s.unlock()
	if _, ok := st.minters[prefix]; !ok {
		return repository.ErrNotFound
	}
	st.minters[prefix] = state.Clone()
	return nil
}

func (r *minters) List(_ context.Context) ([]string, error) {
	st := r.s.lock()
	defer r.s.unlock()
	out := make([]string, 0, len(st.minters))
	for p := range st.minters {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// --- Принципалы ---

type principals struct{ s *Store }

func copyUser(u *model.User) *model.User {
	cp := *u
	cp.ShoulderIDs = slices.Clone(u.ShoulderIDs)
	cp.ProxyIDs = slices.Clone(u.ProxyIDs)
	return &cp
}

func copyGroup(g *model.Group) *model.Group {
	cp := *g
	cp.ShoulderIDs = slices.Clone(g.ShoulderIDs)
	return &cp
}

func (r *principals) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	st := r.s.lock()
	defer r.s.unlock()
	for _, u := range st.users {
		if u.Username == username {
			return copyUser(u), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *principals) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	st := r.s.lock()
	defer r.s.unlock()
	u, ok := st.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyUser(u), nil
}

func (r *principals) GetGroupByName(_ context.Context, groupname string) (*model.Group, error) {
	st := r.s.lock()
	defer r.s.unlock()
	for _, g := range st.groups {
		if g.Groupname == groupname {
			return copyGroup(g), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *principals) GetGroupByID(_ context.Context, id int64) (*model.Group, error) {
	st := r.s.lock()
	defer r.s.unlock()
	g, ok := st.groups[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyGroup(g), nil
}

func (r *principals) EnsureRealm(_ context.Context, name string) (*model.Realm, error) {
	st := r.s.lock()
	defer r.s.unlock()
	if rl, ok := st.realms[name]; ok {
		cp := *rl
		return &cp, nil
	}
	rl := &model.Realm{ID: r.s.id(), Name: name}
	st.realms[name] = rl
	cp := *rl
	return &cp, nil
}

func (r *principals) GetRealmByName(_ context.Context, name string) (*model.Realm, error) {
	st := r.s.lock()
	defer r.s.unlock()
	rl, ok := st.realms[name]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rl
	return &cp, nil
}

func (r *principals) CreateGroup(_ context.Context, g *model.Group) error {
	st := r.s.lock()
	defer r.s.unlock()
	for _, x := range st.groups {
		if x.Groupname == g.Groupname || x.PID == g.PID {
			return fmt.Errorf("%w: группа %s уже существует", repository.ErrConflict, g.Groupname)
		}
	}
	g.ID = r.s.id()
	g.CreatedAt = r.s.Now()
	st.groups[g.ID] = copyGroup(g)
	return nil
}

func (r *principals) CreateUser(_ context.Context, u *model.User) error {
	st := r.s.lock()
	defer r.s.unlock()
	for _, x := range st.users {
		if x.Username == u.Username || x.PID == u.PID {
			return fmt.Errorf("%w: пользователь %s уже существует", repository.ErrConflict, u.Username)
		}
	}
	if _, ok := st.groups[u.GroupID]; !ok {
		return fmt.Errorf("группа %d не найдена", u.GroupID)
	}
	u.ID = r.s.id()
	u.CreatedAt = r.s.Now()
	st.users[u.ID] = copyUser(u)
	return nil
}

func (r *principals) MoveUser(_ context.Context, userID, groupID, realmID int64) (int64, error) {
	st := r.s.lock()
	defer r.s.unlock()
	u, ok := st.users[userID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	u.GroupID, u.RealmID = groupID, realmID
	var moved int64
	for _, rec := range st.identifiers {
		if rec.OwnerID != nil && *rec.OwnerID == userID {
			gid := groupID
			rec.OwnerGroupID = &gid
			moved++
		}
	}
	return moved, nil
}

func (r *principals) MoveGroup(_ context.Context, groupID, realmID int64) (int64, error) {
	st := r.s.lock()
	defer r.s.unlock()
	g, ok := st.groups[groupID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	g.RealmID = realmID
	var moved int64
	for _, u := range st.users {
		if u.GroupID == groupID {
			u.RealmID = realmID
			moved++
		}
	}
	return moved, nil
}

func (r *principals) DeleteUser(_ context.Context, id int64) error {
	st := r.s.lock()
	defer r.s.unlock()
	if _, ok := st.users[id]; !ok {
		return repository.ErrNotFound
	}
	for _, rec := range st.identifiers {
		if rec.OwnerID != nil && *rec.OwnerID == id {
			return fmt.Errorf("%w: пользователь владеет идентификаторами", repository.ErrConflict)
		}
	}
	delete(st.users, id)
	return nil
}

func (r *principals) DeleteGroup(_ context.Context, id int64) error {
	st := r.s.lock()
	defer r.s.unlock()
	if _, ok := st.groups[id]; !ok {
		return repository.ErrNotFound
	}
	for _, u := range st.users {
		if u.GroupID == id {
			return fmt.Errorf("%w: в группе есть пользователи", repository.ErrConflict)
		}
	}
	delete(st.groups, id)
	return nil
}

func (r *principals) SetPassword(_ context.Context, userID int64, hash string) error {
	st := r.s.lock()
	defer r.s.unlock()
	u, ok := st.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (r *principals) AddUserShoulder(_ context.Context, userID, shoulderID int64) error {
	st := r.s.lock()
	defer r.s.unlock()
	u, ok := st.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	if !slices.Contains(u.ShoulderIDs, shoulderID) {
		u.ShoulderIDs = append(u.ShoulderIDs, shoulderID)
	}
	return nil
}

func (r *principals) AddGroupShoulder(_ context.Context, groupID, shoulderID int64) error {
	st := r.s.lock()
	defer r.s.unlock()
	g, ok := st.groups[groupID]
	if !ok {
		return repository.ErrNotFound
	}
	if !slices.Contains(g.ShoulderIDs, shoulderID) {
		g.ShoulderIDs = append(g.ShoulderIDs, shoulderID)
	}
	return nil
}

func (r *principals) AddProxy(_ context.Context, userID, proxyID int64) error {
	st := r.s.lock()
	defer r.s.unlock()
	u, ok := st.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	if !slices.Contains(u.ProxyIDs, proxyID) {
		u.ProxyIDs = append(u.ProxyIDs, proxyID)
	}
	return nil
}

func (r *principals) ProxyFor(_ context.Context, userID int64) ([]int64, error) {
	st := r.s.lock()
	defer r.s.unlock()
	var out []int64
	for id, u := range st.users {
		if slices.Contains(u.ProxyIDs, userID) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (r *principals) EffectiveShoulders(_ context.Context, userIDs []int64) ([]string, error) {
	st := r.s.lock()
	defer r.s.unlock()
	var out []string
	add := func(ids []int64) {
		for _, id := range ids {
			if p := r.s.shoulderPrefix(id); p != "" && !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
	}
	for _, id := range userIDs {
		u, ok := st.users[id]
		if !ok {
			continue
		}
		add(u.ShoulderIDs)
		if g, ok := st.groups[u.GroupID]; ok && u.InheritGroupShoulders {
			add(g.ShoulderIDs)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *principals) ListUsernames(_ context.Context, f repository.UserFilter) ([]string, error) {
	st := r.s.lock()
	defer r.s.unlock()
	var out []string
	for _, u := range st.users {
		if f.GroupID != nil && u.GroupID != *f.GroupID {
			continue
		}
		if f.RealmID != nil && u.RealmID != *f.RealmID {
			continue
		}
		out = append(out, u.Username)
	}
	sort.Strings(out)
	return out, nil
}

// --- Датацентры ---

type datacenters struct{ s *Store }

func (r *datacenters) GetByID(_ context.Context, id int64) (*model.Datacenter, error) {
	st := r.s.lock()
	defer r.s.unlock()
	d, ok := st.datacenters[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *datacenters) GetBySymbol(_ context.Context, symbol string) (*model.Datacenter, error) {
	st := r.s.lock()
	defer r.s.unlock()
	for _, d := range st.datacenters {
		if d.Symbol == symbol {
			cp := *d
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *datacenters) Ensure(ctx context.Context, symbol, name string) (*model.Datacenter, error) {
	if d, err := r.GetBySymbol(ctx, symbol); err == nil {
		return d, nil
	}
	st := r.s.lock()
	defer r.s.unlock()
	d := &model.Datacenter{ID: r.s.id(), Symbol: symbol, Name: name}
	st.datacenters[d.ID] = d
	cp := *d
	return &cp, nil
}

func (r *datacenters) List(_ context.Context) ([]*model.Datacenter, error) {
	st := r.s.lock()
	defer r.s.unlock()
	out := make([]*model.Datacenter, 0, len(st.datacenters))
	for _, d := range st.datacenters {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// --- Очереди ---

type queues struct{ s *Store }

func (r *queues) find(st *state, q model.Queue, seq int64) *model.QueueItem {
	for _, it := range st.queues[q] {
		if it.Seq == seq {
			return it
		}
	}
	return nil
}

func (r *queues) Enqueue(_ context.Context, q model.Queue, item *model.QueueItem) error {
	if !model.ValidQueue(string(q)) {
		return fmt.Errorf("неизвестная очередь %q", q)
	}
	st := r.s.lock()
	defer r.s.unlock()
	st.nextSeq++
	item.Seq = st.nextSeq
	item.EnqueuedAt = r.s.Now()
	cp := *item
	st.queues[q] = append(st.queues[q], &cp)
	return nil
}

func (r *queues) NextBatch(_ context.Context, q model.Queue, limit int) ([]*model.QueueItem, error) {
	st := r.s.lock()
	defer r.s.unlock()
	var out []*model.QueueItem
	for _, it := range st.queues[q] {
		if it.ErrorIsPermanent || it.Status.Settled() {
			continue
		}
		if len(out) == limit {
			break
		}
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}

func (r *queues) RecordError(_ context.Context, q model.Queue, seq int64, message string, permanent bool) error {
	st := r.s.lock()
	defer r.s.unlock()
	it := r.find(st, q, seq)
	if it == nil {
		return repository.ErrNotFound
	}
	it.Error, it.ErrorIsPermanent = message, permanent
	return nil
}

func (r *queues) SaveProgress(_ context.Context, q model.Queue, item *model.QueueItem) error {
	st := r.s.lock()
	defer r.s.unlock()
	it := r.find(st, q, item.Seq)
	if it == nil {
		return repository.ErrNotFound
	}
	it.Status, it.BatchID, it.SubmittedAt, it.Error = item.Status, item.BatchID, item.SubmittedAt, item.Error
	return nil
}

func (r *queues) Delete(_ context.Context, q model.Queue, seq int64) error {
	st := r.s.lock()
	defer r.s.unlock()
	n := len(st.queues[q])
	st.queues[q] = slices.DeleteFunc(st.queues[q], func(it *model.QueueItem) bool { return it.Seq == seq })
	if len(st.queues[q]) == n {
		return repository.ErrNotFound
	}
	return nil
}

func (r *queues) Stats(_ context.Context, q model.Queue) (*model.QueueStats, error) {
	st := r.s.lock()
	defer r.s.unlock()
	out := &model.QueueStats{Queue: q}
	for _, it := range st.queues[q] {
		out.Total++
		switch {
		case it.ErrorIsPermanent:
			out.PermanentError++
		case it.Error != "":
			out.TransientError++
		}
		switch {
		case it.Status == model.QueueAwaiting && it.Error == "":
			out.Awaiting++
		case it.Status == model.QueueSubmitted || it.Status == model.QueueSubmittedUnchecked:
			out.Submitted++
		case it.Status.Settled():
			out.Settled++
		}
		if out.OldestAt == nil || it.EnqueuedAt.Before(*out.OldestAt) {
			t := it.EnqueuedAt
			out.OldestAt = &t
		}
	}
	return out, nil
}

func (r *queues) ListErrors(_ context.Context, q model.Queue, permanent bool, limit int) ([]*model.QueueItem, error) {
	st := r.s.lock()
	defer r.s.unlock()
	var out []*model.QueueItem
	for _, it := range st.queues[q] {
		if it.Error == "" || it.ErrorIsPermanent != permanent {
			continue
		}
		if len(out) == limit {
			break
		}
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}

func (r *queues) ClearPermanent(_ context.Context, q model.Queue, from, to int64) (int64, error) {
	return r.each(q, from, to, func(it *model.QueueItem) bool {
		if !it.ErrorIsPermanent {
			return false
		}
		it.ErrorIsPermanent, it.Error = false, ""
		return true
	})
}

func (r *queues) DeleteRange(_ context.Context, q model.Queue, from, to int64) (int64, error) {
	st := r.s.lock()
	defer r.s.unlock()
	n := len(st.queues[q])
	st.queues[q] = slices.DeleteFunc(st.queues[q], func(it *model.QueueItem) bool {
		return it.Seq >= from && it.Seq <= to
	})
	return int64(n - len(st.queues[q])), nil
}

func (r *queues) Requeue(_ context.Context, q model.Queue, from, to int64) (int64, error) {
	return r.each(q, from, to, func(it *model.QueueItem) bool {
		it.Status, it.Error, it.ErrorIsPermanent, it.BatchID, it.SubmittedAt = model.QueueAwaiting, "", false, "", nil
		return true
	})
}

func (r *queues) each(q model.Queue, from, to int64, fn func(*model.QueueItem) bool) (int64, error) {
	st := r.s.lock()
	defer r.s.unlock()
	var n int64
	for _, it := range st.queues[q] {
		if it.Seq >= from && it.Seq <= to && fn(it) {
			n++
		}
	}
	return n, nil
}

// --- Выгрузки ---

type downloads struct{ s *Store }

func (r *downloads) Create(_ context.Context, d *model.DownloadRequest) error {
	st := r.s.lock()
	defer r.s.unlock()
	for _, x := range st.downloads {
		if x.Filename == d.Filename {
			return fmt.Errorf("%w: файл выгрузки %s уже существует", repository.ErrConflict, d.Filename)
		}
	}
	if d.Stage == "" {
		d.Stage = model.StageCreate
	}
	st.nextSeq++
	d.Seq = st.nextSeq
	d.RequestedAt = r.s.Now()
	cp := *d
	st.downloads = append(st.downloads, &cp)
	return nil
}

func (r *downloads) Next(_ context.Context) (*model.DownloadRequest, error) {
	st := r.s.lock()
	defer r.s.unlock()
	if len(st.downloads) == 0 {
		return nil, repository.ErrNotFound
	}
	cp := *st.downloads[0]
	return &cp, nil
}

func (r *downloads) SaveProgress(_ context.Context, d *model.DownloadRequest) error {
	st := r.s.lock()
	defer r.s.unlock()
	for _, x := range st.downloads {
		if x.Seq == d.Seq {
			x.Stage, x.CurrentIndex, x.LastID, x.FileSize, x.Error = d.Stage, d.CurrentIndex, d.LastID, d.FileSize, d.Error
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *downloads) Delete(_ context.Context, seq int64) error {
	st := r.s.lock()
	defer r.s.unlock()
	n := len(st.downloads)
	st.downloads = slices.DeleteFunc(st.downloads, func(d *model.DownloadRequest) bool { return d.Seq == seq })
	if len(st.downloads) == n {
		return repository.ErrNotFound
	}
	return nil
}

func (r *downloads) Count(_ context.Context) (int, error) {
	st := r.s.lock()
	defer r.s.unlock()
	return len(st.downloads), nil
}

// --- Поисковый индекс ---

type search struct{ s *Store }

func (r *search) Upsert(_ context.Context, rec *model.SearchRecord) error {
	st := r.s.lock()
	defer r.s.unlock()
	cp := *rec
	st.search[rec.Identifier] = &cp
	return nil
}

func (r *search) Delete(_ context.Context, id string) error {
	st := r.s.lock()
	defer r.s.unlock()
	delete(st.search, id)
	return nil
}
