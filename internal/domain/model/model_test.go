package model

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bigkaa/goezid/internal/domain/identifier"
	"github.com/bigkaa/goezid/internal/domain/metadata"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantStatus Status
		wantReason string
		wantOK     bool
	}{
		{"зарезервирован", "reserved", StatusReserved, "", true},
		{"публичный", "public", StatusPublic, "", true},
		{"недоступен без причины", "unavailable", StatusUnavailable, "", true},
		{"недоступен с причиной", "unavailable | withdrawn by author", StatusUnavailable, "withdrawn by author", true},
		{"недоступен без пробелов", "unavailable|x", StatusUnavailable, "x", true},
		{"мусор после статуса", "unavailablex", "", "", false},
		{"неизвестный", "deleted", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, reason, ok := ParseStatus(tt.in)
			if s != tt.wantStatus || reason != tt.wantReason || ok != tt.wantOK {
				t.Errorf("ParseStatus(%q) = (%q, %q, %v), хотели (%q, %q, %v)",
					tt.in, s, reason, ok, tt.wantStatus, tt.wantReason, tt.wantOK)
			}
		})
	}
}

func TestResolverTarget(t *testing.T) {
	urls := identifier.URLs{DefaultTargetBase: "https://ezid.example.org", EZIDBase: "https://ezid.example.org"}
	r := &Identifier{ID: "ark:/99999/fk4abc", Target: "https://example.com/x", Status: StatusPublic}

	if got := r.ResolverTarget(urls); got != "https://example.com/x" {
		t.Errorf("public: %q", got)
	}
	r.Status = StatusReserved
	if got := r.ResolverTarget(urls); got != "https://ezid.example.org/id/ark:/99999/fk4abc" {
		t.Errorf("reserved: %q", got)
	}
	r.Status = StatusUnavailable
	if got := r.ResolverTarget(urls); got != "https://ezid.example.org/tombstone/id/ark:/99999/fk4abc" {
		t.Errorf("unavailable: %q", got)
	}
}

func TestSnapshotRestoresRecord(t *testing.T) {
	owner := int64(7)
	r := &Identifier{
		ID:                "doi:10.5072/FK2ABC",
		OwnerID:           &owner,
		CreatedAt:         time.Unix(1700000000, 0).UTC(),
		UpdatedAt:         time.Unix(1700000100, 0).UTC(),
		Status:            StatusUnavailable,
		UnavailableReason: "retracted",
		Exported:          true,
		Target:            "https://example.com",
		Profile:           "datacite",
		CrossrefStatus:    CrossrefNone,
		Metadata:          metadata.FromPairs("datacite.title", "T", "datacite.creator", "A"),
		OwnerName:         "alice",
		DatacenterSymbol:  "CDL.TEST",
	}

	blob, err := r.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	got, err := FromSnapshot(blob)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	if diff := cmp.Diff(r, got, cmp.Comparer(func(a, b metadata.Map) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("снимок отличается (-хотели +получили):\n%s", diff)
	}
	if keys := got.Metadata.Keys(); keys[0] != "datacite.title" {
		t.Errorf("порядок ключей не сохранён: %v", keys)
	}
}

func TestIdentifierFlags(t *testing.T) {
	r := &Identifier{ID: "doi:10.5072/FK2X"}
	if !r.IsDatacite() || r.IsCrossref() {
		t.Error("DOI без статуса Crossref должен регистрироваться в DataCite")
	}
	r.CrossrefStatus = CrossrefWorking
	if r.IsDatacite() || !r.IsCrossref() {
		t.Error("DOI со статусом Crossref не должен регистрироваться в DataCite")
	}
	if (&Identifier{ID: "ark:/99999/fk4x"}).IsDatacite() {
		t.Error("ARK не регистрируется в DataCite")
	}
	if r.StatusString() != "" {
		t.Errorf("пустой статус: %q", r.StatusString())
	}
	r.Status, r.UnavailableReason = StatusUnavailable, "gone"
	if r.StatusString() != "unavailable | gone" {
		t.Errorf("StatusString = %q", r.StatusString())
	}
}

func TestStageOrder(t *testing.T) {
	var got []Stage
	for s := StageCreate; s != ""; s = s.Next() {
		got = append(got, s)
	}
	if diff := cmp.Diff(Stages, got); diff != "" {
		t.Errorf("порядок этапов (-хотели +получили):\n%s", diff)
	}
}

func TestDownloadNames(t *testing.T) {
	r := &DownloadRequest{Filename: "da543b91a0", Format: FormatXML, Compression: CompressionGzip}
	if r.CompressedName() != "da543b91a0.xml.gz" {
		t.Errorf("gzip: %q", r.CompressedName())
	}
	r.Compression = CompressionZip
	if r.CompressedName() != "da543b91a0.zip" {
		t.Errorf("zip: %q", r.CompressedName())
	}
	if (Datacenter{Symbol: "CDL.BUL"}).Allocator() != "CDL" {
		t.Error("Allocator")
	}
}

func TestLegacy(t *testing.T) {
	urls := identifier.URLs{DefaultTargetBase: "https://ezid.test", EZIDBase: "https://ezid.test"}
	r := &Identifier{
		ID:            "ark:/99999/fk4abc",
		CreatedAt:     time.Unix(1700000000, 0),
		UpdatedAt:     time.Unix(1700000100, 0),
		Status:        StatusPublic,
		Exported:      true,
		Target:        "https://example.com/x",
		Profile:       "erc",
		Metadata:      metadata.FromPairs("erc.who", "Smith"),
		OwnerPID:      "ark:/99166/p3alice",
		OwnerGroupPID: "ark:/99166/p3g1",
	}

	want := metadata.FromPairs(
		"erc.who", "Smith",
		"_o", "ark:/99166/p3alice",
		"_g", "ark:/99166/p3g1",
		"_c", "1700000000",
		"_u", "1700000100",
		"_p", "erc",
		"_t", "https://example.com/x",
	)
	if got := r.Legacy(urls); !got.Equal(want) {
		t.Errorf("public: %v, хотели %v", got.Keys(), want.Keys())
	}

	r.Status, r.UnavailableReason, r.Exported = StatusUnavailable, "retracted", false
	r.OwnerPID = ""
	got := r.Legacy(urls)
	checks := map[string]string{
		"_o":  "anonymous",
		"_is": "unavailable | retracted",
		"_t":  "https://ezid.test/tombstone/id/ark:/99999/fk4abc",
		"_t1": "https://example.com/x",
		"_x":  "no",
	}
	for k, v := range checks {
		if got.Value(k) != v {
			t.Errorf("%s = %q, хотели %q", k, got.Value(k), v)
		}
	}

	cr := &Identifier{ID: "doi:10.5072/CR1", Status: StatusReserved, CrossrefStatus: CrossrefReserved, Profile: "crossref",
		Metadata: metadata.FromPairs("crossref", "<journal/>")}
	got = cr.Legacy(urls)
	if got.Value("_is") != "reserved" || got.Value("_cr") != "yes | awaiting status change to public" {
		t.Errorf("crossref: _is=%q _cr=%q", got.Value("_is"), got.Value("_cr"))
	}
	if got.Has("crossref") || got.Has("_d") {
		t.Errorf("лишние элементы: %v", got.Keys())
	}
}

func TestQueueStatusTerminalSettled(t *testing.T) {
	tests := []struct {
		status   QueueStatus
		terminal bool
		settled  bool
	}{
		{QueueAwaiting, false, false},
		{QueueSubmittedUnchecked, false, false},
		{QueueSubmitted, false, false},
		{QueueWarning, false, true},
		{QueueFailed, false, true},
		{QueueIgnored, true, false},
		{QueueCompleted, true, false},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, ожидалось %v", tt.status, got, tt.terminal)
		}
		if got := tt.status.Settled(); got != tt.settled {
			t.Errorf("%s.Settled() = %v, ожидалось %v", tt.status, got, tt.settled)
		}
	}
}
