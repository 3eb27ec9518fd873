package valuation

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"
)

var pipeNow = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func pipeSubject() SubjectDescriptor {
	return SubjectDescriptor{
		Address:        "900 Rivercrest Dr, Fort Worth, TX 76107",
		LivingAreaSqFt: fp(2000),
		YearBuilt:      ip(2005),
		PropertyKind:   KindSFR,
	}
}

// denseRaws is the happy-path pool: recent deed sales around $200/sqft.
func denseRaws() []RawComp {
	return []RawComp{
		attomRow(396000, "WARRANTY DEED", "2026-07-20", 1980),
		attomRow(404000, "GRANT DEED", "2026-07-05", 2020),
		attomRow(400000, "WARRANTY DEED", "2026-06-18", 2000),
		attomRow(390000, "DEED", "2026-06-02", 1950),
		attomRow(410000, "SPECIAL WARRANTY DEED", "2026-05-15", 2050),
		attomRow(398000, "WARRANTY DEED", "2026-04-28", 1990),
		attomRow(402000, "GRANT DEED", "2026-03-30", 2010),
		attomRow(395000, "WARRANTY DEED", "2026-03-12", 1975),
	}
}

func pipeOpts() Options {
	return Options{Filter: FilterConfig{Now: pipeNow}}
}

func TestEstimateValueDenseData(t *testing.T) {
	p := NewPipeline()
	res, notes, err := p.EstimateValue(context.Background(), pipeSubject(), denseRaws(), pipeOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ARV == nil {
		t.Fatal("dense pool must produce an ARV")
	}
	if math.Abs(*res.ARV-400000) > 15000 {
		t.Fatalf("arv = %.0f, want ≈400000", *res.ARV)
	}
	if len(res.Comps) != DefaultTopK {
		t.Fatalf("selected %d comps, want top %d", len(res.Comps), DefaultTopK)
	}
	if len(res.UsedComps) == 0 {
		t.Fatal("used comps empty despite priced evidence")
	}
	if *res.Low > *res.ARV || *res.High < *res.ARV {
		t.Fatalf("band [%.0f, %.0f] does not contain %.0f", *res.Low, *res.High, *res.ARV)
	}
	if res.Rationale == "" || len(res.Rationale) > MaxRationaleChars {
		t.Fatalf("rationale length %d", len(res.Rationale))
	}
	if !strings.Contains(notes, "heuristic ranking") {
		t.Fatalf("notes = %q, want heuristic path recorded", notes)
	}
}

func TestEstimateValueSparseUnpricedPool(t *testing.T) {
	// Mortgage docs only: every price is suppressed at normalization, so
	// comps survive filtering but carry no usable evidence.
	raws := []RawComp{
		attomRow(300000, "MORTGAGE", "2026-07-01", 2000),
		attomRow(280000, "DEED OF TRUST", "2026-06-15", 1950),
	}
	p := NewPipeline()
	res, _, err := p.EstimateValue(context.Background(), pipeSubject(), raws, pipeOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ARV != nil || res.Low != nil || res.High != nil {
		t.Fatal("unpriced pool must not produce numbers")
	}
	if len(res.Comps) == 0 {
		t.Fatal("unpriced comps should still be selected and listed")
	}
	if len(res.UsedComps) != 0 {
		t.Fatalf("used = %v, want empty", res.UsedComps)
	}
	if !strings.Contains(res.Rationale, "no ARV produced") {
		t.Fatalf("rationale = %q", res.Rationale)
	}
}

func TestEstimateValueNothingEligible(t *testing.T) {
	raws := []RawComp{
		attomRow(400000, "WARRANTY DEED", "2023-01-15", 2000), // years stale
	}
	p := NewPipeline()
	res, notes, err := p.EstimateValue(context.Background(), pipeSubject(), raws, pipeOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ARV != nil || len(res.Comps) != 0 {
		t.Fatal("stale-only pool must yield an empty, number-free result")
	}
	if res.Rationale != "No eligible comps survived filtering; no ARV produced." {
		t.Fatalf("rationale = %q", res.Rationale)
	}
	if !strings.Contains(notes, "no eligible comps") {
		t.Fatalf("notes = %q", notes)
	}
}

func TestEstimateValueRejectsZeroLivingArea(t *testing.T) {
	subject := pipeSubject()
	subject.LivingAreaSqFt = fp(0)
	p := NewPipeline()
	_, _, err := p.EstimateValue(context.Background(), subject, denseRaws(), pipeOpts())
	if !errors.Is(err, ErrInvalidSubject) {
		t.Fatalf("err = %v, want ErrInvalidSubject", err)
	}
}

func TestEstimateValueNilLivingAreaIsPerSqFtOnly(t *testing.T) {
	subject := pipeSubject()
	subject.LivingAreaSqFt = nil
	p := NewPipeline()
	res, _, err := p.EstimateValue(context.Background(), subject, denseRaws(), pipeOpts())
	if err != nil {
		t.Fatalf("unknown living area is sparse data, not an error: %v", err)
	}
	if res.ARV != nil {
		t.Fatal("must not invent an absolute figure without a living area")
	}
	if res.PerSqFtAnchor == nil {
		t.Fatal("per-sqft anchor expected")
	}
}

func TestProviderRankingUsedWhenValid(t *testing.T) {
	ranker := &fakeCaller{responses: []string{
		`{"picks":[{"index":1,"score":0.95,"reason":"nearly identical"}],"notes":"one clear match"}`,
	}}
	p := NewPipeline(WithRanker(ranker))
	res, notes, err := p.EstimateValue(context.Background(), pipeSubject(), denseRaws(), pipeOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Comps) != 1 {
		t.Fatalf("selected %d comps, want the provider's single pick", len(res.Comps))
	}
	if res.Comps[0].Rationale != "nearly identical" {
		t.Fatalf("rationale = %q", res.Comps[0].Rationale)
	}
	if !strings.Contains(notes, "provider ranking") || !strings.Contains(notes, "one clear match") {
		t.Fatalf("notes = %q", notes)
	}
}

func TestMalformedProviderMatchesUnconfiguredPipeline(t *testing.T) {
	// A provider that emits garbage must leave the numbers exactly where
	// the deterministic path puts them; only the notes may differ.
	broken := NewPipeline(
		WithRanker(&fakeCaller{responses: []string{`{{not json`}}),
		WithRefiner(&fakeCaller{responses: []string{`also garbage`}}),
	)
	plain := NewPipeline()

	got, gotNotes, err := broken.EstimateValue(context.Background(), pipeSubject(), denseRaws(), pipeOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _, err := plain.EstimateValue(context.Background(), pipeSubject(), denseRaws(), pipeOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("degraded result diverged from deterministic path:\n got %+v\nwant %+v", got, want)
	}
	if !strings.Contains(gotNotes, "provider ranking discarded") || !strings.Contains(gotNotes, "refinement discarded") {
		t.Fatalf("notes = %q, want both downgrades recorded", gotNotes)
	}
}

func TestRefinementOverridesLocalEstimate(t *testing.T) {
	refiner := &fakeCaller{responses: []string{
		`{"arv":412000,"low":395000,"high":428000,"used":[0,1],"why":"two strongest comps dominate"}`,
	}}
	p := NewPipeline(WithRefiner(refiner))
	res, notes, err := p.EstimateValue(context.Background(), pipeSubject(), denseRaws(), pipeOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ARV == nil || *res.ARV != 412000 {
		t.Fatalf("arv = %v, want refined 412000", res.ARV)
	}
	if *res.Low != 395000 || *res.High != 428000 {
		t.Fatalf("band = [%v, %v]", *res.Low, *res.High)
	}
	if !reflect.DeepEqual(res.UsedComps, []int{0, 1}) {
		t.Fatalf("used = %v", res.UsedComps)
	}
	if !strings.Contains(notes, "provider refinement") {
		t.Fatalf("notes = %q", notes)
	}
}

func TestRefinerSkippedWithoutPricedEvidence(t *testing.T) {
	refiner := &fakeCaller{responses: []string{`{"arv":999999,"used":[0],"why":"hallucinated"}`}}
	raws := []RawComp{attomRow(300000, "MORTGAGE", "2026-07-01", 2000)}
	p := NewPipeline(WithRefiner(refiner))
	res, _, err := p.EstimateValue(context.Background(), pipeSubject(), raws, pipeOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refiner.calls != 0 {
		t.Fatal("refiner must not run when no comp carries a price")
	}
	if res.ARV != nil {
		t.Fatal("no evidence must stay nil even with a refiner configured")
	}
}

func TestRefinerSkippedWithUnknownLivingArea(t *testing.T) {
	// With no square footage on record the local path stops at a per-sqft
	// anchor; a configured refiner must not get to inject an absolute
	// dollar figure.
	refiner := &fakeCaller{responses: []string{
		`{"arv":500000,"low":480000,"high":520000,"used":[0],"why":"confident"}`,
	}}
	subject := pipeSubject()
	subject.LivingAreaSqFt = nil
	p := NewPipeline(WithRefiner(refiner))
	res, _, err := p.EstimateValue(context.Background(), subject, denseRaws(), pipeOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refiner.calls != 0 {
		t.Fatal("refiner must not run without a subject living area")
	}
	if res.ARV != nil || res.Low != nil || res.High != nil {
		t.Fatalf("absolute figures invented without a living area: arv=%v low=%v high=%v", res.ARV, res.Low, res.High)
	}
	if res.PerSqFtAnchor == nil {
		t.Fatal("per-sqft anchor expected")
	}
}

func TestPipelineConcurrentCalls(t *testing.T) {
	p := NewPipeline()
	subject := pipeSubject()
	raws := denseRaws()
	done := make(chan ValuationResult, 4)
	for i := 0; i < 4; i++ {
		go func() {
			res, _, _ := p.EstimateValue(context.Background(), subject, raws, pipeOpts())
			done <- res
		}()
	}
	first := <-done
	for i := 0; i < 3; i++ {
		if res := <-done; !reflect.DeepEqual(res, first) {
			t.Fatal("concurrent invocations disagreed on identical input")
		}
	}
}
