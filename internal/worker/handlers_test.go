package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bigkaa/goezid/internal/broadcast"
	"github.com/bigkaa/goezid/internal/crossref"
	"github.com/bigkaa/goezid/internal/datacite"
	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/metadata"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/domain/profile"
	"github.com/bigkaa/goezid/internal/mailer"
	"github.com/bigkaa/goezid/internal/repository/repotest"
)

var testURLs = identifier.URLs{
	DefaultTargetBase: "https://ezid.test",
	EZIDBase:          "https://ezid.test",
	ResolverARK:       "https://n2t.net",
	ResolverDOI:       "https://doi.org",
}

// --- binder ---

type fakeBinder struct {
	bound map[string]metadata.Map
	calls []string
}

func (b *fakeBinder) SetElements(_ context.Context, id string, elems metadata.Map) error {
	b.calls = append(b.calls, "set "+id+" "+strings.Join(elems.Keys(), ","))
	if b.bound[id].Len() == 0 {
		b.bound[id] = metadata.Map{}
	}
	m := b.bound[id]
	elems.Range(func(k, v string) bool {
		if v == "" {
			m.Delete(k)
		} else {
			m.Set(k, v)
		}
		return true
	})
	b.bound[id] = m
	return nil
}

func (b *fakeBinder) GetElements(_ context.Context, id string) (metadata.Map, bool, error) {
	m, ok := b.bound[id]
	return m.Clone(), ok, nil
}

func (b *fakeBinder) Delete(_ context.Context, id string) error {
	b.calls = append(b.calls, "delete "+id)
	delete(b.bound, id)
	return nil
}

func TestBinderHandler(t *testing.T) {
	ctx := context.Background()
	b := &fakeBinder{bound: map[string]metadata.Map{}}
	h := NewBinderHandler(b, testURLs)
	rec := &model.Identifier{
		ID:       "ark:/99999/fk4a",
		Status:   model.StatusPublic,
		Target:   "https://example.org/a",
		Profile:  "erc",
		Exported: true,
		Metadata: metadata.FromPairs("erc.who", "Smith"),
	}

	st, err := h.Handle(ctx, &model.QueueItem{Operation: model.OpCreate}, rec)
	if err != nil || st != model.QueueCompleted {
		t.Fatalf("create: %s, %v", st, err)
	}
	if got := b.bound[rec.ID].Value("_t"); got != "https://example.org/a" {
		t.Errorf("_t = %q", got)
	}

	// Повтор без изменений ничего не отправляет.
	b.calls = nil
	if _, err := h.Handle(ctx, &model.QueueItem{Operation: model.OpUpdate}, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(b.calls) != 0 {
		t.Errorf("лишние вызовы: %v", b.calls)
	}

	rec.Target = "https://example.org/b"
	if _, err := h.Handle(ctx, &model.QueueItem{Operation: model.OpUpdate}, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	if diff := cmp.Diff([]string{"set ark:/99999/fk4a _t"}, b.calls); diff != "" {
		t.Errorf("вызовы (-хотели +получили):\n%s", diff)
	}

	if _, err := h.Handle(ctx, &model.QueueItem{Operation: model.OpDelete}, rec); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := b.bound[rec.ID]; ok {
		t.Error("привязка не удалена")
	}
}

// --- DataCite ---

type fakeDatacite struct {
	calls []string
	err   error
}

func (d *fakeDatacite) SetTarget(_ context.Context, doi, target, dc string) error {
	d.calls = append(d.calls, "target "+doi+" "+target+" "+dc)
	return d.err
}

func (d *fakeDatacite) UploadMetadata(_ context.Context, doi, record, dc string) error {
	d.calls = append(d.calls, "metadata "+doi+" "+dc)
	return d.err
}

func (d *fakeDatacite) Deactivate(_ context.Context, doi, dc string) error {
	d.calls = append(d.calls, "deactivate "+doi+" "+dc)
	return d.err
}

func TestDataciteHandler(t *testing.T) {
	tests := []struct {
		name    string
		rec     model.Identifier
		op      model.Operation
		want    []string
		status  model.QueueStatus
		wantErr bool
		kind    ezerr.Kind
	}{
		{
			name: "публичный",
			rec: model.Identifier{ID: "doi:10.5072/FK2A", Status: model.StatusPublic, Exported: true,
				Target: "https://example.org/a", Profile: "datacite", DatacenterSymbol: "CDL.TEST"},
			op:     model.OpCreate,
			want:   []string{"metadata 10.5072/FK2A CDL.TEST", "target 10.5072/FK2A https://example.org/a CDL.TEST"},
			status: model.QueueCompleted,
		},
		{
			name: "зарезервированный деактивируется",
			rec: model.Identifier{ID: "doi:10.5072/FK2B", Status: model.StatusReserved, Exported: true,
				Target: "https://example.org/b", Profile: "datacite", DatacenterSymbol: "CDL.TEST"},
			op: model.OpUpdate,
			want: []string{
				"metadata 10.5072/FK2B CDL.TEST",
				"target 10.5072/FK2B https://ezid.test/id/doi:10.5072/FK2B CDL.TEST",
				"deactivate 10.5072/FK2B CDL.TEST",
			},
			status: model.QueueCompleted,
		},
		{
			name: "удаление",
			rec:  model.Identifier{ID: "doi:10.5072/FK2C", Status: model.StatusReserved, DatacenterSymbol: "CDL.TEST"},
			op:   model.OpDelete,
			want: []string{
				"target 10.5072/FK2C " + datacite.InvalidTarget + " CDL.TEST",
				"deactivate 10.5072/FK2C CDL.TEST",
			},
			status: model.QueueCompleted,
		},
		{
			name:   "тестовое плечо",
			rec:    model.Identifier{ID: "doi:10.5072/TEST1", Status: model.StatusPublic, DatacenterSymbol: "CDL.TEST"},
			op:     model.OpCreate,
			status: model.QueueIgnored,
		},
		{
			name:   "ARK",
			rec:    model.Identifier{ID: "ark:/99999/fk4a", Status: model.StatusPublic},
			op:     model.OpCreate,
			status: model.QueueIgnored,
		},
		{
			name:   "Crossref",
			rec:    model.Identifier{ID: "doi:10.5072/CR1", Status: model.StatusPublic, CrossrefStatus: model.CrossrefReserved},
			op:     model.OpCreate,
			status: model.QueueIgnored,
		},
		{
			name:    "нет датацентра",
			rec:     model.Identifier{ID: "doi:10.5072/FK2D", Status: model.StatusPublic},
			op:      model.OpCreate,
			wantErr: true,
			kind:    ezerr.RemotePermanent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDatacite{}
			h := NewDataciteHandler(d, testURLs, identifier.TestShoulders{DOI: "doi:10.5072/TEST"})
			st, err := h.Handle(context.Background(), &model.QueueItem{Operation: tt.op}, &tt.rec)
			if tt.wantErr {
				if !ezerr.Is(err, tt.kind) {
					t.Fatalf("ошибка = %v, ожидался вид %s", err, tt.kind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if st != tt.status {
				t.Errorf("статус = %s, ожидался %s", st, tt.status)
			}
			if diff := cmp.Diff(tt.want, d.calls); diff != "" {
				t.Errorf("вызовы (-хотели +получили):\n%s", diff)
			}
		})
	}
}

func TestDataciteHandler_TransientPropagates(t *testing.T) {
	d := &fakeDatacite{err: ezerr.New(ezerr.RemoteTransient, "datacite: 503")}
	h := NewDataciteHandler(d, testURLs, identifier.TestShoulders{})
	rec := &model.Identifier{ID: "doi:10.5072/FK2A", Status: model.StatusPublic, Exported: true, DatacenterSymbol: "CDL.TEST"}
	if _, err := h.Handle(context.Background(), &model.QueueItem{Operation: model.OpCreate}, rec); !ezerr.Is(err, ezerr.RemoteTransient) {
		t.Errorf("ошибка = %v", err)
	}
}

// --- Crossref ---

type fakeCrossref struct {
	submitted map[string]string
	results   map[string]*crossref.Result
	checks    int
}

func (c *fakeCrossref) Submit(_ context.Context, deposit, batchID string) error {
	c.submitted[batchID] = deposit
	return nil
}

func (c *fakeCrossref) CheckStatus(_ context.Context, batchID string) (*crossref.Result, error) {
	c.checks++
	res, ok := c.results[batchID]
	if !ok {
		return &crossref.Result{State: crossref.StateSubmitted, Message: "in_process"}, nil
	}
	return res, nil
}

const crossrefSample = `<?xml version="1.0"?>
<doi_batch xmlns="http://www.crossref.org/schema/4.4.0" version="4.4.0">
  <head><doi_batch_id>x</doi_batch_id></head>
  <body>
    <journal>
      <journal_metadata><full_title>Journal of Tests</full_title></journal_metadata>
      <journal_article>
        <titles><title>On testing</title></titles>
        <publication_date><year>2019</year></publication_date>
        <doi_data><doi>10.9999/OLD</doi><resource>http://old.example/</resource></doi_data>
      </journal_article>
    </journal>
  </body>
</doi_batch>`

type crossrefFixture struct {
	store  *repotest.Store
	client *fakeCrossref
	mail   *mailer.Recorder
	h      *CrossrefHandler
	rec    *model.Identifier
	now    time.Time
}

func newCrossrefFixture(t *testing.T) *crossrefFixture {
	t.Helper()
	ctx := context.Background()
	f := &crossrefFixture{
		store:  repotest.New(),
		client: &fakeCrossref{submitted: map[string]string{}, results: map[string]*crossref.Result{}},
		mail:   &mailer.Recorder{},
		now:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	g := &model.Group{Groupname: "g1", PID: "ark:/99166/p9g1"}
	if err := f.store.Repos().Principals.CreateGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	u := &model.User{Username: "alice", PID: "ark:/99166/p9alice", DisplayName: "Alice",
		Email: "alice@example.org", CrossrefEmail: "cr@example.org", GroupID: g.ID}
	if err := f.store.Repos().Principals.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	body, err := profile.ValidateCrossrefBody(crossrefSample)
	if err != nil {
		t.Fatalf("ValidateCrossrefBody: %v", err)
	}
	f.rec = &model.Identifier{
		ID:             "doi:10.5072/CR1",
		OwnerID:        &u.ID,
		OwnerName:      "alice",
		Status:         model.StatusPublic,
		Exported:       true,
		Target:         "https://example.org/cr1",
		Profile:        "crossref",
		CrossrefStatus: model.CrossrefWorking,
		Metadata:       metadata.FromPairs(metadata.KeyCrossref, body),
	}
	if err := f.store.Repos().Identifiers.Insert(ctx, f.rec); err != nil {
		t.Fatal(err)
	}

	f.h = NewCrossrefHandler(f.client, f.store, f.mail, CrossrefConfig{
		Depositor:    profile.Depositor{Name: "EZID", Email: "ezid@example.org"},
		URLs:         testURLs,
		PollInterval: time.Minute,
		PollTimeout:  time.Hour,
	}, testLogger())
	f.h.now = func() time.Time { return f.now }
	f.h.newBatchID = func() string { return "batch-1" }
	return f
}

func TestCrossrefHandler_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := newCrossrefFixture(t)
	item := &model.QueueItem{Identifier: f.rec.ID, Operation: model.OpCreate, Status: model.QueueAwaiting}

	st, err := f.h.Handle(ctx, item, f.rec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if st != model.QueueSubmittedUnchecked || item.BatchID != "batch-1" || item.SubmittedAt == nil {
		t.Fatalf("после отправки: %s %+v", st, item)
	}
	deposit := f.client.submitted["batch-1"]
	for _, want := range []string{"<doi>10.5072/CR1</doi>", "<resource>https://example.org/cr1</resource>", "<depositor_name>EZID</depositor_name>"} {
		if !strings.Contains(deposit, want) {
			t.Errorf("в депозите нет %q:\n%s", want, deposit)
		}
	}

	// Слишком рано: Crossref не опрашивается.
	item.Status = st
	f.now = f.now.Add(30 * time.Second)
	if st, err = f.h.Handle(ctx, item, f.rec); err != nil || st != model.QueueSubmittedUnchecked || f.client.checks != 0 {
		t.Fatalf("ранняя проверка: %s %v checks=%d", st, err, f.client.checks)
	}

	f.now = f.now.Add(time.Minute)
	if st, err = f.h.Handle(ctx, item, f.rec); err != nil || st != model.QueueSubmitted {
		t.Fatalf("проверка: %s %v", st, err)
	}

	item.Status = st
	f.client.results["batch-1"] = &crossref.Result{State: crossref.StateSuccess}
	f.now = f.now.Add(time.Minute)
	if st, err = f.h.Handle(ctx, item, f.rec); err != nil || st != model.QueueCompleted {
		t.Fatalf("завершение: %s %v", st, err)
	}
	if got := f.store.Identifier(f.rec.ID); got.CrossrefStatus != model.CrossrefRegistered {
		t.Errorf("статус Crossref = %q", got.CrossrefStatus)
	}
	if n := len(f.mail.Sent()); n != 0 {
		t.Errorf("отправлено %d писем", n)
	}
}

func TestCrossrefHandler_WarningNotifiesOwner(t *testing.T) {
	ctx := context.Background()
	f := newCrossrefFixture(t)
	submitted := f.now.Add(-time.Hour / 2)
	item := &model.QueueItem{
		Identifier:  f.rec.ID,
		Operation:   model.OpUpdate,
		Status:      model.QueueSubmitted,
		BatchID:     "batch-w",
		SubmittedAt: &submitted,
	}
	f.client.results["batch-w"] = &crossref.Result{State: crossref.StateWarning, Message: "Added with conflict\nconflict_id=1"}

	st, err := f.h.Handle(ctx, item, f.rec)
	if err != nil || st != model.QueueWarning {
		t.Fatalf("Handle: %s %v", st, err)
	}
	got := f.store.Identifier(f.rec.ID)
	if got.CrossrefStatus != model.CrossrefWarning || got.CrossrefMessage != "Added with conflict conflict_id=1" {
		t.Errorf("запись = %q %q", got.CrossrefStatus, got.CrossrefMessage)
	}
	sent := f.mail.Sent()
	if len(sent) != 1 {
		t.Fatalf("отправлено %d писем", len(sent))
	}
	if diff := cmp.Diff([]string{"cr@example.org"}, sent[0].To); diff != "" {
		t.Errorf("получатели (-хотели +получили):\n%s", diff)
	}
	if !strings.Contains(sent[0].Text, f.rec.ID) || !strings.Contains(sent[0].Subject, "warning") {
		t.Errorf("письмо = %+v", sent[0])
	}
}

func TestCrossrefHandler_PollTimeout(t *testing.T) {
	f := newCrossrefFixture(t)
	submitted := f.now.Add(-2 * time.Hour)
	item := &model.QueueItem{Identifier: f.rec.ID, Operation: model.OpCreate, Status: model.QueueSubmitted, BatchID: "lost", SubmittedAt: &submitted}

	_, err := f.h.Handle(context.Background(), item, f.rec)
	if !ezerr.Is(err, ezerr.RemotePermanent) {
		t.Errorf("ошибка = %v, ожидался RemotePermanent", err)
	}
}

func TestCrossrefHandler_DeleteWithdraws(t *testing.T) {
	f := newCrossrefFixture(t)
	item := &model.QueueItem{Identifier: f.rec.ID, Operation: model.OpDelete, Status: model.QueueAwaiting}
	if _, err := f.h.Handle(context.Background(), item, f.rec); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	deposit := f.client.submitted["batch-1"]
	if !strings.Contains(deposit, "WITHDRAWN: On testing") || !strings.Contains(deposit, datacite.InvalidTarget) {
		t.Errorf("депозит удаления:\n%s", deposit)
	}
}

func TestCrossrefHandler_NotCrossrefIgnored(t *testing.T) {
	f := newCrossrefFixture(t)
	rec := &model.Identifier{ID: "doi:10.5072/FK2A", Status: model.StatusPublic}
	st, err := f.h.Handle(context.Background(), &model.QueueItem{Operation: model.OpCreate}, rec)
	if err != nil || st != model.QueueIgnored {
		t.Errorf("Handle = %s, %v", st, err)
	}
}

// --- индексатор и рассылка ---

type fakeIndex struct{ calls []string }

func (x *fakeIndex) Index(_ context.Context, r *model.Identifier, isTest bool) error {
	if isTest {
		x.calls = append(x.calls, "index test "+r.ID)
	} else {
		x.calls = append(x.calls, "index "+r.ID)
	}
	return nil
}

func (x *fakeIndex) Remove(_ context.Context, id string) error {
	x.calls = append(x.calls, "remove "+id)
	return nil
}

func TestSearchHandler(t *testing.T) {
	ctx := context.Background()
	x := &fakeIndex{}
	h := NewSearchHandler(x, identifier.TestShoulders{ARK: "ark:/99999/fk4"})

	for _, c := range []struct {
		id string
		op model.Operation
	}{
		{"ark:/99999/fk4a", model.OpCreate},
		{"ark:/13030/c7a", model.OpUpdate},
		{"ark:/13030/c7a", model.OpDelete},
	} {
		if st, err := h.Handle(ctx, &model.QueueItem{Operation: c.op}, &model.Identifier{ID: c.id}); err != nil || st != model.QueueCompleted {
			t.Fatalf("Handle(%s): %s %v", c.id, st, err)
		}
	}
	want := []string{"index test ark:/99999/fk4a", "index ark:/13030/c7a", "remove ark:/13030/c7a"}
	if diff := cmp.Diff(want, x.calls); diff != "" {
		t.Errorf("вызовы (-хотели +получили):\n%s", diff)
	}
}

type fakePublisher struct{ msgs []*broadcast.Message }

func (p *fakePublisher) Publish(_ context.Context, msg *broadcast.Message) error {
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestBroadcastHandler(t *testing.T) {
	p := &fakePublisher{}
	h := NewBroadcastHandler(p)
	rec := &model.Identifier{ID: "ark:/99999/fk4a", Status: model.StatusPublic}
	item := &model.QueueItem{Seq: 7, Identifier: rec.ID, Operation: model.OpUpdate}

	if st, err := h.Handle(context.Background(), item, rec); err != nil || st != model.QueueCompleted {
		t.Fatalf("Handle: %s %v", st, err)
	}
	if len(p.msgs) != 1 || p.msgs[0].Seq != 7 || p.msgs[0].Record.ID != rec.ID || p.msgs[0].Operation != model.OpUpdate {
		t.Errorf("сообщения = %+v", p.msgs)
	}
}
