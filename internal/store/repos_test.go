package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/StampPipe/internal/models"
)

// failingStore fails every conditional insert.
type failingStore struct {
	MemoryStore
	err error
}

func (f *failingStore) InsertIfAbsent(context.Context, string, Row, ...string) (bool, error) {
	return false, f.err
}

func TestGuard_ClaimOnce(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemoryStore())
	if !g.Claim(ctx, "wamid.1", "u1") {
		t.Fatal("first delivery should be claimed")
	}
	if g.Claim(ctx, "wamid.1", "u1") {
		t.Fatal("second delivery should be rejected")
	}
	if !g.Claim(ctx, "wamid.2", "u1") {
		t.Fatal("different id should be claimed")
	}
}

func TestGuard_FailsOpen(t *testing.T) {
	g := NewGuard(&failingStore{err: errors.New("store down")})
	if !g.Claim(context.Background(), "wamid.1", "u1") {
		t.Error("store failure should process the message")
	}
}

func TestGuard_EmptyIDAlwaysProcessed(t *testing.T) {
	g := NewGuard(NewMemoryStore())
	if !g.Claim(context.Background(), "", "u1") || !g.Claim(context.Background(), "", "u1") {
		t.Error("empty ids must never be deduplicated")
	}
}

func TestGuard_MarkHandledAndPrune(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	g := NewGuard(ms)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now.Add(-40 * 24 * time.Hour) }
	g.Claim(ctx, "old", "u1")
	g.now = func() time.Time { return now }
	g.Claim(ctx, "new", "u1")
	if err := g.MarkHandled(ctx, "new"); err != nil {
		t.Fatalf("MarkHandled failed: %v", err)
	}
	row, _ := ms.GetOne(ctx, CollectionProcessed, Where(Eq("message_id", "new")))
	if row["handled_at"] == nil {
		t.Error("handled_at should be set")
	}

	n, err := g.Prune(ctx, 30*24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 pruned, got n=%d err=%v", n, err)
	}
	if g.Claim(ctx, "new", "u1") {
		t.Error("pruning must not forget recent ids")
	}
}

func TestUserRepo_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewUserRepo(NewMemoryStore())

	if err := repo.Ensure(ctx, "u1", "Thandi"); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if err := repo.Ensure(ctx, "u1", ""); err != nil {
		t.Fatalf("second Ensure failed: %v", err)
	}
	u, err := repo.Get(ctx, "u1")
	if err != nil || u == nil {
		t.Fatalf("Get failed: %v", err)
	}
	if u.DisplayName != "Thandi" {
		t.Errorf("empty display name should not overwrite, got %q", u.DisplayName)
	}

	for want := 1; want <= 3; want++ {
		got, err := repo.IncrementVisits(ctx, "u1")
		if err != nil || got != want {
			t.Fatalf("IncrementVisits: got %d want %d err=%v", got, want, err)
		}
	}
	if err := repo.ResetDemo(ctx, "u1"); err != nil {
		t.Fatalf("ResetDemo failed: %v", err)
	}
	u, _ = repo.Get(ctx, "u1")
	if u.VisitCount != 0 || u.LastVisitAt != nil {
		t.Errorf("reset should clear counters: %+v", u)
	}

	if err := repo.SetVoicelogOptIn(ctx, "u1", true); err != nil {
		t.Fatalf("SetVoicelogOptIn failed: %v", err)
	}
	_ = repo.Ensure(ctx, "u2", "")
	ids, err := repo.ListVoicelogOptIns(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "u1" {
		t.Errorf("unexpected opt-ins %v err=%v", ids, err)
	}

	if u, _ := repo.Get(ctx, "missing"); u != nil {
		t.Error("unknown user should be nil")
	}
}

func TestChoiceRepo_RememberAndExpire(t *testing.T) {
	ctx := context.Background()
	repo := NewChoiceRepo(NewMemoryStore())
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	if err := repo.Remember(ctx, "u1", []string{"drink_matcha", "drink_americano"}); err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	got, err := repo.Offered(ctx, "u1")
	if err != nil || len(got) != 2 || got[1] != "drink_americano" {
		t.Fatalf("unexpected choices %v err=%v", got, err)
	}
	repo.now = func() time.Time { return now.Add(25 * time.Hour) }
	if got, _ := repo.Offered(ctx, "u1"); got != nil {
		t.Errorf("expired choices should be dropped, got %v", got)
	}
}

func TestChoiceRepo_RememberNothingForgets(t *testing.T) {
	ctx := context.Background()
	repo := NewChoiceRepo(NewMemoryStore())
	if err := repo.Remember(ctx, "u1", []string{"more_streak"}); err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	if err := repo.Remember(ctx, "u1", nil); err != nil {
		t.Fatalf("Remember(nil) failed: %v", err)
	}
	if got, _ := repo.Offered(ctx, "u1"); got != nil {
		t.Errorf("expected no choices after forgetting, got %v", got)
	}
}

func TestLocalObjectStore_Upload(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalObjectStore(dir, "http://localhost:8080/media/")
	if err != nil {
		t.Fatalf("NewLocalObjectStore failed: %v", err)
	}
	url, err := s.Upload(context.Background(), "incidents/u1/ref 1.jpg", "image/jpeg", []byte("jpeg"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if url != "http://localhost:8080/media/incidents/u1/ref%201.jpg" {
		t.Errorf("unexpected url %s", url)
	}
	data, err := os.ReadFile(filepath.Join(dir, "incidents", "u1", "ref 1.jpg"))
	if err != nil || string(data) != "jpeg" {
		t.Errorf("file not written: %v", err)
	}
	if _, err := s.Upload(context.Background(), "../../etc/passwd", "text/plain", []byte("x")); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "etc", "passwd")); err != nil {
		t.Errorf("parent segments should be confined to the media dir: %v", err)
	}
}

func TestDetectBackend(t *testing.T) {
	tests := []struct {
		cfg  Opts
		want string
	}{
		{Opts{Backend: BackendREST}, BackendREST},
		{Opts{DSN: "postgres://u:p@localhost/db"}, BackendPostgres},
		{Opts{RESTURL: "https://x.supabase.co", RESTKey: "k"}, BackendREST},
		{Opts{DSN: "/tmp/stamppipe.db"}, BackendSQLite},
		{Opts{}, BackendMemory},
	}
	for _, tt := range tests {
		if got := DetectBackend(tt.cfg); got != tt.want {
			t.Errorf("DetectBackend(%+v) = %s, want %s", tt.cfg, got, tt.want)
		}
	}
}

func TestSeedQueueLocations(t *testing.T) {
	ctx := context.Background()
	rs := NewMemoryStore()
	err := SeedQueueLocations(ctx, rs, []models.QueueLocation{
		{Slug: "home-affairs", Name: "Home Affairs (Cape Town)", MaxCapacity: 200, IsActive: true},
		{Slug: "sassa", Name: "SASSA", MaxCapacity: 80, IsActive: true},
	})
	if err != nil {
		t.Fatalf("SeedQueueLocations: %v", err)
	}
	if n := rs.Len(CollectionQueueLocations); n != 2 {
		t.Fatalf("expected 2 locations, got %d", n)
	}
	row, err := rs.GetOne(ctx, CollectionQueueLocations, Where(Eq("slug", "home-affairs")))
	if err != nil || row == nil {
		t.Fatalf("GetOne: %v", err)
	}
	var loc models.QueueLocation
	if err := Decode(row, &loc); err != nil {
		t.Fatal(err)
	}
	if loc.ID != 1 || loc.MaxCapacity != 200 || loc.Name != "Home Affairs (Cape Town)" {
		t.Errorf("existing location should keep its id and take new values, got %+v", loc)
	}

	if err := SeedQueueLocations(ctx, rs, []models.QueueLocation{{Slug: "nameless"}}); err == nil {
		t.Error("expected error for a location without a name")
	}
}
