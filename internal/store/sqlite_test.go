package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rcliao/troupe-memory/internal/embedding"
	"github.com/rcliao/troupe-memory/internal/model"
	"github.com/rcliao/troupe-memory/internal/testutil"
)

func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"), testutil.NewConceptEmbedder(), opts...)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newClockedStore returns a store whose clock only moves when advanced.
func newClockedStore(t *testing.T) (*SQLiteStore, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	return newTestStore(t, WithClock(clock.Now)), clock
}

func mustPut(t *testing.T, s *SQLiteStore, content string) *model.Record {
	t.Helper()
	rec, err := s.Put(context.Background(), PutParams{Content: content, Source: "tester"})
	if err != nil {
		t.Fatalf("put %q: %v", content, err)
	}
	return rec
}

func count(t *testing.T, s *SQLiteStore, where string) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE ` + where).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", where, err)
	}
	return n
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	s, _ := newClockedStore(t)

	rec, err := s.Put(ctx, PutParams{
		Content:  "The launch slipped a week",
		Source:   "alice",
		Metadata: model.Metadata{"turn": 3, "topic": "release"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if rec.ID <= 0 {
		t.Errorf("expected positive id, got %d", rec.ID)
	}
	if rec.Type != model.Episodic {
		t.Errorf("expected default type episodic, got %q", rec.Type)
	}
	if rec.Consolidated {
		t.Error("new record must not be consolidated")
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != rec.Content || got.Source != "alice" {
		t.Errorf("got %q from %q", got.Content, got.Source)
	}
	if !got.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("timestamp %v, want %v", got.Timestamp, rec.Timestamp)
	}
	if got.Metadata["turn"] != float64(3) || got.Metadata["topic"] != "release" {
		t.Errorf("metadata not preserved: %v", got.Metadata)
	}
	if got.Metadata["turn"] != rec.Metadata["turn"] {
		t.Errorf("returned metadata %v differs from stored %v", rec.Metadata, got.Metadata)
	}
	if len(got.Embedding) != s.embedder.Dims() {
		t.Errorf("embedding dims %d, want %d", len(got.Embedding), s.embedder.Dims())
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tests := []struct {
		name string
		p    PutParams
	}{
		{"empty content", PutParams{Content: "   "}},
		{"unknown type", PutParams{Content: "x", Type: "procedural"}},
		{"unserializable metadata", PutParams{Content: "x", Metadata: model.Metadata{"f": func() {}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Put(ctx, tt.p)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
	if n := count(t, s, "1 = 1"); n != 0 {
		t.Errorf("expected no rows after rejected puts, got %d", n)
	}
}

func TestPutProviderFailureWritesNothing(t *testing.T) {
	failing := &testutil.FailingEmbedder{Next: testutil.NewConceptEmbedder()}
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), failing)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	failing.Fail.Store(true)
	_, err = s.Put(context.Background(), PutParams{Content: "hello"})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
	if !errors.Is(err, testutil.ErrEmbedFailed) {
		t.Errorf("expected provider cause to be preserved, got %v", err)
	}
	if n := count(t, s, "1 = 1"); n != 0 {
		t.Errorf("expected no rows, got %d", n)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agent_memory.db")
	emb := testutil.NewConceptEmbedder()

	s, err := NewSQLiteStore(path, emb)
	if err != nil {
		t.Fatal(err)
	}
	stored, err := s.Put(ctx, PutParams{Content: "Persistent memory test", Source: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := NewSQLiteStore(path, emb)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	results, err := s2.RetrieveRelevant(ctx, RetrieveParams{Query: "Persistent memory test", TopK: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Content != "Persistent memory test" {
		t.Fatalf("expected persisted record, got %+v", results)
	}
	if results[0].ID != stored.ID {
		t.Errorf("id changed across reopen: %d != %d", results[0].ID, stored.ID)
	}
	for i := range stored.Embedding {
		if stored.Embedding[i] != results[0].Embedding[i] {
			t.Fatalf("embedding differs at %d", i)
		}
	}
}

func TestModelMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(path, testutil.NewConceptEmbedder())
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	_, err = NewSQLiteStore(path, embedding.NewHashEmbedder(64))
	if !errors.Is(err, ErrModelMismatch) {
		t.Fatalf("expected ErrModelMismatch, got %v", err)
	}
}

func TestBindModel_RepeatedAndConcurrentOpens(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 2; i++ {
		if err := s.bindModel(); err != nil {
			t.Fatalf("bind %d: %v", i, err)
		}
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM store_meta`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected one binding row, got %d", n)
	}

	path := filepath.Join(t.TempDir(), "shared.db")
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := NewSQLiteStore(path, testutil.NewConceptEmbedder())
			if err == nil {
				st.Close()
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("open %d: %v", i, err)
		}
	}
}

// shortEmbedder declares one more dimension than it produces.
type shortEmbedder struct{ *testutil.ConceptEmbedder }

func (e shortEmbedder) Dims() int { return e.ConceptEmbedder.Dims() + 1 }

func TestPut_RejectsWrongDimensions(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), shortEmbedder{testutil.NewConceptEmbedder()})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	_, err = s.Put(context.Background(), PutParams{Content: "red car"})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
	if n := count(t, s, "1 = 1"); n != 0 {
		t.Errorf("nothing should be stored, got %d rows", n)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := mustPut(t, s, "first")
	b := mustPut(t, s, "second")
	if _, err := s.Put(ctx, PutParams{Content: "a fact", Type: model.Semantic}); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(ctx, ListParams{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != a.ID || all[1].ID != b.ID {
		t.Fatalf("expected insertion order, got %+v", all)
	}

	episodic, _ := s.List(ctx, ListParams{Type: model.Episodic})
	if len(episodic) != 2 {
		t.Errorf("expected 2 episodic, got %d", len(episodic))
	}

	no := false
	fresh, _ := s.List(ctx, ListParams{Consolidated: &no, Limit: 1})
	if len(fresh) != 1 || fresh[0].ID != a.ID {
		t.Errorf("expected first unconsolidated record, got %+v", fresh)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustPut(t, s, "one")
	mustPut(t, s, "two")
	last := mustPut(t, s, "three")

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n := count(t, s, "1 = 1"); n != 0 {
		t.Fatalf("expected empty store, got %d rows", n)
	}

	results, err := s.RetrieveRelevant(ctx, RetrieveParams{Query: "one", TopK: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results after clear, got %d", len(results))
	}

	next := mustPut(t, s, "four")
	if next.ID <= last.ID {
		t.Errorf("ids must not be reused: %d after %d", next.ID, last.ID)
	}
}

func TestRecordsAreImmutable(t *testing.T) {
	s := newTestStore(t)
	rec := mustPut(t, s, "original")

	if _, err := s.db.Exec(`UPDATE memories SET content = 'edited' WHERE id = ?`, rec.ID); err == nil {
		t.Error("expected content update to be rejected")
	}
	if _, err := s.db.Exec(`UPDATE memories SET consolidated = 1 WHERE id = ?`, rec.ID); err != nil {
		t.Fatalf("flagging consolidated must be allowed: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE memories SET consolidated = 0 WHERE id = ?`, rec.ID); err == nil {
		t.Error("expected clearing the consolidated flag to be rejected")
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedStore(t)

	mustPut(t, s, "one")
	mustPut(t, s, "two")
	if _, err := s.Put(ctx, PutParams{Content: "fact", Type: model.Semantic}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Hour)
	mustPut(t, s, "recent")

	st, err := s.Stats(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 4 || st.Episodic != 3 || st.Semantic != 1 || st.Consolidated != 0 {
		t.Errorf("unexpected counts: %+v", st)
	}
	if st.Eligible != 2 {
		t.Errorf("expected 2 eligible, got %d", st.Eligible)
	}
	if st.Model != "test/concepts" {
		t.Errorf("unexpected model %q", st.Model)
	}
	if st.DBSizeBytes == 0 {
		t.Error("expected non-zero db size")
	}
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)

	mustPut(t, src, "exported one")
	if _, err := src.Put(ctx, PutParams{Content: "exported fact", Type: model.Semantic, Metadata: model.Metadata{"k": "v"}}); err != nil {
		t.Fatal(err)
	}

	records, err := src.ExportAll(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 exported, got %d", len(records))
	}

	dst := newTestStore(t)
	n, err := dst.Import(ctx, records)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 imported, got %d", n)
	}

	semantic, _ := dst.ExportAll(ctx, model.Semantic)
	if len(semantic) != 1 || semantic[0].Metadata["k"] != "v" {
		t.Errorf("semantic record not carried over: %+v", semantic)
	}
}

func TestPathFor(t *testing.T) {
	got := PathFor("/data/memory", "Alice")
	want := filepath.Join("/data/memory", "Alice_memory.db")
	if got != want {
		t.Errorf("PathFor = %q, want %q", got, want)
	}
}
