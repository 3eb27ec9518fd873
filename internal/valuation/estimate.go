package valuation

import (
	"math"
	"sort"
	"time"
)

// Estimator constants. The repeat cap keeps any single comp from
// dominating the weighted distribution; the AVM blend trusts comps more
// as priced evidence accumulates.
const (
	maxWeightRepeats = 10
	bandLowQuantile  = 0.25
	bandHighQuantile = 0.75

	avmCompWeightBase = 0.80
	avmCompWeightStep = 0.03
	avmCompWeightMax  = 0.92
	avmEvidenceCap    = 4
	avmBandNudge      = 0.03

	// Applied in place of a decay factor when the comp is missing that
	// signal entirely, so dateless or distance-less comps still count
	// but never outweigh fully-attested ones.
	missingSignalFactor = 0.5
)

// Estimate converts the selected comps into a price-per-sqft anchor with
// a p25/p75 band, scales it onto the subject, and optionally blends an
// AVM anchor. Weights are recomputed locally because the selection may
// have come from a provider that supplies scores on a different scale.
//
// With zero priced comps, ARV and the band stay nil and UsedComps stays
// empty: no evidence, no number. With an unknown subject living area only
// the per-sqft figures are populated.
func Estimate(subject SubjectDescriptor, selected []ScoredComp, avm *AVMAnchor, now time.Time) ValuationResult {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res := ValuationResult{Comps: selected, UsedComps: []int{}}
	if avm != nil {
		res.AVMAnchor = &avm.Value
		res.AVMSources = avm.Sources
	}

	type sample struct {
		ppsf    float64
		repeats int
	}
	var samples []sample
	for i, sc := range selected {
		ppsf, ok := pricePerSqFt(subject, sc.NormalizedComp)
		if !ok {
			continue
		}
		w := evidenceWeight(subject, sc.NormalizedComp, now)
		repeats := int(math.Round(w * maxWeightRepeats))
		if repeats < 1 {
			repeats = 1
		}
		if repeats > maxWeightRepeats {
			repeats = maxWeightRepeats
		}
		samples = append(samples, sample{ppsf: ppsf, repeats: repeats})
		res.UsedComps = append(res.UsedComps, i)
	}

	if len(samples) == 0 {
		return res
	}

	var expanded []float64
	for _, s := range samples {
		for r := 0; r < s.repeats; r++ {
			expanded = append(expanded, s.ppsf)
		}
	}
	sort.Float64s(expanded)

	anchor := quantile(expanded, 0.5)
	low := quantile(expanded, bandLowQuantile)
	high := quantile(expanded, bandHighQuantile)
	res.PerSqFtAnchor = &anchor
	res.PerSqFtLow = &low
	res.PerSqFtHigh = &high

	if subject.LivingAreaSqFt == nil {
		// Absolute dollars would require guessing a square footage.
		return res
	}

	sqft := *subject.LivingAreaSqFt
	arv := anchor * sqft
	lo := low * sqft
	hi := high * sqft

	if avm != nil {
		compWeight := avmCompWeightBase + avmCompWeightStep*float64(min(len(res.UsedComps), avmEvidenceCap))
		if compWeight > avmCompWeightMax {
			compWeight = avmCompWeightMax
		}
		arv = compWeight*arv + (1-compWeight)*avm.Value
		lo += (avm.Value - lo) * avmBandNudge
		hi += (avm.Value - hi) * avmBandNudge
	}

	res.ARV = &arv
	res.Low = &lo
	res.High = &hi
	return res
}

// pricePerSqFt yields the comp's $/sqft, falling back to the subject's
// size when the comp's own is missing so a priced comp still contributes.
func pricePerSqFt(subject SubjectDescriptor, c NormalizedComp) (float64, bool) {
	if c.Price == nil || *c.Price <= 0 {
		return 0, false
	}
	switch {
	case c.LivingAreaSqFt != nil && *c.LivingAreaSqFt > 0:
		return *c.Price / *c.LivingAreaSqFt, true
	case subject.LivingAreaSqFt != nil && *subject.LivingAreaSqFt > 0:
		return *c.Price / *subject.LivingAreaSqFt, true
	default:
		return 0, false
	}
}

// evidenceWeight mirrors the ranker's decay model but is computed
// independently so the estimator stays correct when comps arrive from
// the provider-ranked path.
func evidenceWeight(subject SubjectDescriptor, c NormalizedComp, now time.Time) float64 {
	recency := missingSignalFactor
	if c.SaleDate != nil {
		ageDays := now.Sub(*c.SaleDate).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		recency = math.Exp(-ageDays / recencyScaleDays)
	}

	proximity := missingSignalFactor
	if c.DistanceMiles != nil {
		proximity = math.Exp(-*c.DistanceMiles / proximityScaleMiles)
	}

	size := missingSignalFactor
	if subject.LivingAreaSqFt != nil && c.LivingAreaSqFt != nil {
		dev := math.Abs(*c.LivingAreaSqFt-*subject.LivingAreaSqFt) / *subject.LivingAreaSqFt
		size = math.Exp(-dev / sizeScaleFraction)
	}

	return recency * proximity * size
}

// quantile reads a sorted slice at quantile q using nearest-rank with
// linear interpolation between neighbors.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
