package valstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/joelkehle/offerdesk/internal/valuation"
)

func fp(v float64) *float64 { return &v }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "valuations.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResult() valuation.ValuationResult {
	return valuation.ValuationResult{
		ARV:       fp(400000),
		Low:       fp(385000),
		High:      fp(415000),
		UsedComps: []int{0, 1},
		Comps: []valuation.ScoredComp{
			{SimilarityScore: 0.9},
			{SimilarityScore: 0.8},
		},
		Rationale: "Anchor $200/sqft from 2 priced comps.",
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	subject := valuation.SubjectDescriptor{Address: "900 Rivercrest Dr", LivingAreaSqFt: fp(2000)}

	saved, err := s.Save(subject, sampleResult(), "heuristic ranking", "# ARV Estimate\n")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("no id generated")
	}

	got, err := s.Get(saved.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Subject.Address != "900 Rivercrest Dr" {
		t.Fatalf("subject address = %q", got.Subject.Address)
	}
	if got.Result.ARV == nil || *got.Result.ARV != 400000 {
		t.Fatalf("arv = %v", got.Result.ARV)
	}
	if len(got.Result.Comps) != 2 || len(got.Result.UsedComps) != 2 {
		t.Fatalf("comps did not round-trip: %+v", got.Result)
	}
	if got.Notes != "heuristic ranking" {
		t.Fatalf("notes = %q", got.Notes)
	}
	if got.ReportMarkdown == "" {
		t.Fatal("report markdown lost")
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("created_at lost")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveNilARVRoundTrips(t *testing.T) {
	s := openTestStore(t)
	res := valuation.ValuationResult{UsedComps: []int{}}
	saved, err := s.Save(valuation.SubjectDescriptor{Address: "1 Empty Ln"}, res, "", "")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Get(saved.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Result.ARV != nil {
		t.Fatalf("arv = %v, want nil", got.Result.ARV)
	}
}

func TestListRecentNewestFirst(t *testing.T) {
	s := openTestStore(t)
	subject := valuation.SubjectDescriptor{Address: "1 Main St"}
	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := s.Save(subject, sampleResult(), "", "")
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		ids = append(ids, rec.ID)
		time.Sleep(2 * time.Millisecond) // distinct created_at for ordering
	}

	got, err := s.ListRecent(2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != ids[2] || got[1].ID != ids[1] {
		t.Fatalf("order wrong: got [%s %s], want [%s %s]", got[0].ID, got[1].ID, ids[2], ids[1])
	}
}
