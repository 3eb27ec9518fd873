package valuation

import (
	"math"
	"testing"
	"time"
)

var estNow = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func scoredComp(daysAgo int, distance, sqft, price float64) ScoredComp {
	d := estNow.AddDate(0, 0, -daysAgo)
	return ScoredComp{
		NormalizedComp: NormalizedComp{
			SaleDate:       &d,
			DistanceMiles:  fp(distance),
			LivingAreaSqFt: fp(sqft),
			Price:          fp(price),
		},
		SimilarityScore: 0.9,
	}
}

func TestEstimateThreeGoodComps(t *testing.T) {
	subject := SubjectDescriptor{LivingAreaSqFt: fp(2000), YearBuilt: ip(2005), PropertyKind: KindSFR}
	selected := []ScoredComp{
		scoredComp(30, 0.2, 1900, 380000),
		scoredComp(45, 0.25, 2000, 400000),
		scoredComp(60, 0.3, 2100, 420000),
	}
	res := Estimate(subject, selected, nil, estNow)
	if res.ARV == nil {
		t.Fatal("expected an ARV")
	}
	if math.Abs(*res.ARV-400000) > 20000 {
		t.Fatalf("arv = %.0f, want ≈400000", *res.ARV)
	}
	if len(res.UsedComps) != 3 {
		t.Fatalf("used %d comps, want 3", len(res.UsedComps))
	}
	if res.Low == nil || res.High == nil {
		t.Fatal("expected a band")
	}
	if *res.Low > *res.ARV || *res.High < *res.ARV {
		t.Fatalf("band [%0.f, %0.f] does not contain arv %.0f", *res.Low, *res.High, *res.ARV)
	}
	// All three comps sell around $200/sqft; the band should stay within
	// the comps' price range projected onto the subject.
	if *res.Low < 370000 || *res.High > 430000 {
		t.Fatalf("band [%0.f, %0.f] wider than the evidence", *res.Low, *res.High)
	}
}

func TestNoPricedCompsMeansNilARV(t *testing.T) {
	subject := SubjectDescriptor{LivingAreaSqFt: fp(2000)}
	unpriced := scoredComp(30, 0.2, 2000, 0)
	unpriced.Price = nil
	res := Estimate(subject, []ScoredComp{unpriced}, nil, estNow)
	if res.ARV != nil || res.Low != nil || res.High != nil {
		t.Fatal("no priced evidence must never produce a number")
	}
	if len(res.UsedComps) != 0 {
		t.Fatalf("used comps = %v, want empty", res.UsedComps)
	}
}

func TestEmptySelectionMeansNilARV(t *testing.T) {
	res := Estimate(SubjectDescriptor{LivingAreaSqFt: fp(2000)}, nil, nil, estNow)
	if res.ARV != nil {
		t.Fatal("empty selection must yield nil arv")
	}
}

func TestSubjectSqftUnknownGivesPerAreaOnly(t *testing.T) {
	subject := SubjectDescriptor{} // no living area
	selected := []ScoredComp{scoredComp(30, 0.2, 2000, 400000)}
	res := Estimate(subject, selected, nil, estNow)
	if res.ARV != nil {
		t.Fatal("must not guess a square footage")
	}
	if res.PerSqFtAnchor == nil || math.Abs(*res.PerSqFtAnchor-200) > 1 {
		t.Fatalf("per-sqft anchor = %v, want ≈200", res.PerSqFtAnchor)
	}
	if len(res.UsedComps) != 1 {
		t.Fatal("the priced comp should still count as used")
	}
}

func TestCompWithoutSqftUsesSubjectSize(t *testing.T) {
	subject := SubjectDescriptor{LivingAreaSqFt: fp(2000)}
	c := scoredComp(30, 0.2, 0, 410000)
	c.LivingAreaSqFt = nil
	res := Estimate(subject, []ScoredComp{c}, nil, estNow)
	if res.ARV == nil || math.Abs(*res.ARV-410000) > 1 {
		t.Fatalf("arv = %v, want 410000 via subject-size fallback", res.ARV)
	}
}

func TestAVMBlendPullsTowardAnchor(t *testing.T) {
	subject := SubjectDescriptor{LivingAreaSqFt: fp(2000)}
	// Two comps at $175/sqft → local anchor 350000.
	selected := []ScoredComp{
		scoredComp(30, 0.2, 2000, 350000),
		scoredComp(40, 0.25, 2000, 350000),
	}
	avm := &AVMAnchor{Value: 400000, Sources: []string{"attom"}}
	res := Estimate(subject, selected, avm, estNow)
	if res.ARV == nil {
		t.Fatal("expected an ARV")
	}
	if *res.ARV <= 350000 || *res.ARV >= 400000 {
		t.Fatalf("blended arv %.0f not strictly between local and AVM", *res.ARV)
	}
	// Comp trust dominates: with 2 comps the comp weight is 0.86.
	if *res.ARV-350000 > 400000-*res.ARV {
		t.Fatalf("blend %.0f sits closer to the AVM than to the comps", *res.ARV)
	}
	if res.AVMAnchor == nil || *res.AVMAnchor != 400000 {
		t.Fatal("avm anchor not recorded")
	}
	if len(res.AVMSources) != 1 || res.AVMSources[0] != "attom" {
		t.Fatalf("avm sources = %v", res.AVMSources)
	}
}

func TestAVMBlendExactWeight(t *testing.T) {
	subject := SubjectDescriptor{LivingAreaSqFt: fp(2000)}
	selected := []ScoredComp{
		scoredComp(30, 0.2, 2000, 350000),
		scoredComp(40, 0.25, 2000, 350000),
	}
	res := Estimate(subject, selected, &AVMAnchor{Value: 400000}, estNow)
	want := 0.86*350000 + 0.14*400000
	if math.Abs(*res.ARV-want) > 1 {
		t.Fatalf("arv = %.0f, want %.0f", *res.ARV, want)
	}
}

func TestRepeatCapLimitsDomination(t *testing.T) {
	subject := SubjectDescriptor{LivingAreaSqFt: fp(2000)}
	// A perfect-signal outlier against several decent ordinary comps:
	// the cap keeps it from owning the median outright.
	outlier := scoredComp(0, 0.0, 2000, 800000)
	ordinary := []ScoredComp{
		scoredComp(40, 0.3, 2000, 400000),
		scoredComp(45, 0.3, 2000, 402000),
		scoredComp(50, 0.3, 2000, 398000),
		scoredComp(55, 0.3, 2000, 400000),
	}
	res := Estimate(subject, append([]ScoredComp{outlier}, ordinary...), nil, estNow)
	if *res.ARV > 650000 {
		t.Fatalf("arv = %.0f; single comp dominated the distribution", *res.ARV)
	}
}
