package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rcliao/troupe-memory/internal/model"
	"github.com/rcliao/troupe-memory/internal/testutil"
)

var redCars = []string{
	"I saw a red car today",
	"There was a red vehicle in the parking lot",
	"A crimson automobile was parked outside",
}

func TestConsolidate_RedCarScenario(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedStore(t)

	var ids []int64
	for _, c := range redCars {
		ids = append(ids, mustPut(t, s, c).ID)
	}
	clock.Advance(time.Second)

	res, err := s.Consolidate(ctx, ConsolidateParams{TimeThreshold: 0, SimilarityThreshold: 0.7})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if res.Eligible != 3 || res.Groups != 1 || res.Consolidated != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}

	semantic, _ := s.List(ctx, ListParams{Type: model.Semantic})
	if len(semantic) != 1 {
		t.Fatalf("expected exactly one semantic record, got %d", len(semantic))
	}
	sem := semantic[0]
	if sem.Content != strings.Join(redCars, "\n") {
		t.Errorf("combined content = %q", sem.Content)
	}
	if sem.Source != model.ConsolidationSource {
		t.Errorf("source = %q", sem.Source)
	}
	from := sem.ConsolidatedFrom()
	if len(from) != 3 || from[0] != ids[0] || from[1] != ids[1] || from[2] != ids[2] {
		t.Errorf("consolidated_from = %v, want %v", from, ids)
	}
	if sem.Metadata[model.MetaSourceCount] != float64(3) {
		t.Errorf("source_count = %v", sem.Metadata[model.MetaSourceCount])
	}

	if n := count(t, s, "type = 'episodic' AND consolidated = 1"); n != 3 {
		t.Errorf("expected 3 flagged episodic records, got %d", n)
	}

	results, err := s.RetrieveRelevant(ctx, RetrieveParams{Query: "red car", TopK: 5, Type: model.Semantic})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 || results[0].ID != sem.ID {
		t.Fatalf("expected the consolidated record first, got %+v", results)
	}
	if results[0].Similarity < 0.7 {
		t.Errorf("similarity %v too low", results[0].Similarity)
	}
}

func TestConsolidate_SingletonsUntouched(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedStore(t)

	mustPut(t, s, "My cat sleeps all day")
	mustPut(t, s, "Stock prices fell sharply")
	mustPut(t, s, "Heavy rain expected tomorrow")
	clock.Advance(time.Second)

	res, err := s.Consolidate(ctx, ConsolidateParams{SimilarityThreshold: 0.7})
	if err != nil {
		t.Fatal(err)
	}
	if res.Groups != 0 || len(res.Created) != 0 {
		t.Fatalf("expected no groups, got %+v", res)
	}
	if n := count(t, s, "consolidated = 1"); n != 0 {
		t.Errorf("singletons must stay unconsolidated, got %d flagged", n)
	}
	if n := count(t, s, "type = 'semantic'"); n != 0 {
		t.Errorf("expected no semantic records, got %d", n)
	}
}

func TestConsolidate_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedStore(t)

	for _, c := range redCars {
		mustPut(t, s, c)
	}
	clock.Advance(time.Second)

	p := ConsolidateParams{SimilarityThreshold: 0.7}
	if _, err := s.Consolidate(ctx, p); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)

	res, err := s.Consolidate(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if res.Eligible != 0 || res.Groups != 0 {
		t.Errorf("second run must be a no-op, got %+v", res)
	}
	if n := count(t, s, "type = 'semantic'"); n != 1 {
		t.Errorf("expected 1 semantic record, got %d", n)
	}
}

func TestConsolidate_TimeThreshold(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedStore(t)

	mustPut(t, s, "red car in the morning")
	mustPut(t, s, "crimson vehicle at noon")
	clock.Advance(30 * time.Minute)

	res, err := s.Consolidate(ctx, ConsolidateParams{TimeThreshold: time.Hour, SimilarityThreshold: 0.7})
	if err != nil {
		t.Fatal(err)
	}
	if res.Eligible != 0 || res.Groups != 0 {
		t.Fatalf("records younger than the threshold must be ignored, got %+v", res)
	}

	clock.Advance(time.Hour)
	res, err = s.Consolidate(ctx, ConsolidateParams{TimeThreshold: time.Hour, SimilarityThreshold: 0.7})
	if err != nil {
		t.Fatal(err)
	}
	if res.Groups != 1 {
		t.Errorf("expected one group once old enough, got %+v", res)
	}
}

func TestConsolidate_RecordAtCutoffNotEligible(t *testing.T) {
	ctx := context.Background()
	s, _ := newClockedStore(t)

	for _, c := range redCars {
		mustPut(t, s, c)
	}

	res, err := s.Consolidate(ctx, ConsolidateParams{SimilarityThreshold: 0.7})
	if err != nil {
		t.Fatal(err)
	}
	if res.Eligible != 0 {
		t.Errorf("records stamped exactly at the cutoff are not older than it, got %d eligible", res.Eligible)
	}
}

func TestConsolidate_Validation(t *testing.T) {
	s := newTestStore(t)
	tests := []ConsolidateParams{
		{TimeThreshold: -time.Second, SimilarityThreshold: 0.5},
		{SimilarityThreshold: 0},
		{SimilarityThreshold: -0.2},
		{SimilarityThreshold: 1.01},
	}
	for _, p := range tests {
		if _, err := s.Consolidate(context.Background(), p); !errors.Is(err, ErrValidation) {
			t.Errorf("%+v: expected ErrValidation, got %v", p, err)
		}
	}
}

func TestConsolidate_InsertFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedStore(t)

	for _, c := range redCars {
		mustPut(t, s, c)
	}
	clock.Advance(time.Second)

	if _, err := s.db.Exec(`CREATE TRIGGER fail_semantic BEFORE INSERT ON memories
		WHEN NEW.type = 'semantic' BEGIN SELECT RAISE(ABORT, 'injected'); END`); err != nil {
		t.Fatal(err)
	}

	_, err := s.Consolidate(ctx, ConsolidateParams{SimilarityThreshold: 0.7})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if n := count(t, s, "consolidated = 1"); n != 0 {
		t.Errorf("no source may be flagged after a failed insert, got %d", n)
	}
	if n := count(t, s, "type = 'semantic'"); n != 0 {
		t.Errorf("expected no semantic records, got %d", n)
	}
}

func TestConsolidate_FlagFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedStore(t)

	for _, c := range redCars {
		mustPut(t, s, c)
	}
	clock.Advance(time.Second)

	if _, err := s.db.Exec(`CREATE TRIGGER fail_flag BEFORE UPDATE OF consolidated ON memories
		BEGIN SELECT RAISE(ABORT, 'injected'); END`); err != nil {
		t.Fatal(err)
	}

	_, err := s.Consolidate(ctx, ConsolidateParams{SimilarityThreshold: 0.7})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if n := count(t, s, "type = 'semantic'"); n != 0 {
		t.Errorf("semantic insert must roll back with the failed flag update, got %d", n)
	}
	if n := count(t, s, "consolidated = 1"); n != 0 {
		t.Errorf("expected no flagged records, got %d", n)
	}
}

func TestConsolidate_EarlierGroupsStayCommitted(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedStore(t)

	mustPut(t, s, "red car")
	mustPut(t, s, "crimson automobile")
	mustPut(t, s, "stock market")
	mustPut(t, s, "stock prices")
	clock.Advance(time.Second)

	if _, err := s.db.Exec(`CREATE TRIGGER fail_stocks BEFORE INSERT ON memories
		WHEN NEW.type = 'semantic' AND NEW.content LIKE '%stock%'
		BEGIN SELECT RAISE(ABORT, 'injected'); END`); err != nil {
		t.Fatal(err)
	}

	res, err := s.Consolidate(ctx, ConsolidateParams{SimilarityThreshold: 0.7})
	if err == nil {
		t.Fatal("expected the second group to fail")
	}
	if res == nil || res.Groups != 1 || res.Consolidated != 2 {
		t.Fatalf("expected the first group to be reported, got %+v", res)
	}
	if n := count(t, s, "type = 'semantic'"); n != 1 {
		t.Errorf("expected the first group's semantic record, got %d", n)
	}
	if n := count(t, s, "consolidated = 1 AND content LIKE '%stock%'"); n != 0 {
		t.Errorf("failed group's sources must stay unflagged, got %d", n)
	}
}

func TestConsolidate_ProviderFailure(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	failing := &testutil.FailingEmbedder{Next: testutil.NewConceptEmbedder()}
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), failing, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for _, c := range redCars {
		mustPut(t, s, c)
	}
	clock.Advance(time.Second)

	failing.Fail.Store(true)
	_, err = s.Consolidate(ctx, ConsolidateParams{SimilarityThreshold: 0.7})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
	if n := count(t, s, "consolidated = 1 OR type = 'semantic'"); n != 0 {
		t.Errorf("nothing may change when the provider fails, got %d rows", n)
	}
}

func TestConsolidate_SkipsCorruptRows(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedStore(t)

	for _, c := range redCars {
		mustPut(t, s, c)
	}
	if _, err := s.db.Exec(
		`INSERT INTO memories (content, source, timestamp, metadata, embedding, type)
		 VALUES ('broken', 'x', ?, '{}', X'00', 'episodic')`,
		clock.Now().UTC().Format(timeLayout)); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)

	res, err := s.Consolidate(ctx, ConsolidateParams{SimilarityThreshold: 0.7})
	if err != nil {
		t.Fatal(err)
	}
	if res.Eligible != 3 || res.Consolidated != 3 {
		t.Errorf("expected the corrupt row to be skipped, got %+v", res)
	}
}

func TestGroupBySeed(t *testing.T) {
	rec := func(id int64, v ...float32) model.Record { return model.Record{ID: id, Embedding: v} }

	// b is close to both a and c, but c is only compared with the seed a.
	a := rec(1, 1, 0)
	b := rec(2, 0.8, 0.6)
	c := rec(3, 0.28, 0.96)
	d := rec(4, 0.3, 0.95)

	groups := groupBySeed([]model.Record{a, b, c, d}, 0.75)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if len(groups[0]) != 2 || groups[0][0].ID != 1 || groups[0][1].ID != 2 {
		t.Errorf("first group = %+v", groups[0])
	}
	if len(groups[1]) != 2 || groups[1][0].ID != 3 || groups[1][1].ID != 4 {
		t.Errorf("second group = %+v", groups[1])
	}

	if got := groupBySeed([]model.Record{a}, 0.5); len(got) != 0 {
		t.Errorf("a single record forms no group, got %v", got)
	}
	if got := groupBySeed(nil, 0.5); len(got) != 0 {
		t.Errorf("no records form no group, got %v", got)
	}
}

func TestProvenance(t *testing.T) {
	ctx := context.Background()
	s, clock := newClockedStore(t)

	for _, c := range redCars {
		mustPut(t, s, c)
	}
	clock.Advance(time.Second)

	res, err := s.Consolidate(ctx, ConsolidateParams{SimilarityThreshold: 0.7})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Created) != 1 {
		t.Fatalf("expected one created record, got %d", len(res.Created))
	}

	prov, err := s.Provenance(ctx, res.Created[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(prov.Sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(prov.Sources))
	}
	for i, src := range prov.Sources {
		if src.Content != redCars[i] || !src.Consolidated || src.Type != model.Episodic {
			t.Errorf("source %d = %+v", i, src)
		}
	}

	plain, err := s.Provenance(ctx, prov.Sources[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(plain.Sources) != 0 {
		t.Errorf("episodic records have no provenance, got %d", len(plain.Sources))
	}
}
