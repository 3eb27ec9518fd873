package valuation

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Fixed scoring constants. They are deliberately not tunable per call so
// two runs over the same pool always agree.
const (
	recencyScaleDays    = 180.0
	proximityScaleMiles = 0.5
	sizeScaleFraction   = 0.15
	yearScaleYears      = 10.0
	roomScale           = 2.0

	weightRecency   = 3.0
	weightProximity = 2.0
	weightSize      = 2.0
	weightYear      = 1.0
	weightBeds      = 0.5
	weightBaths     = 0.5

	deedPriceBonus      = 1.10
	missingPricePenalty = 0.70
)

// RankHeuristic scores every comp against the subject with the
// deterministic decay model and returns the top k, highest similarity
// first, ties broken by more recent sale date. It never errors: an empty
// pool yields an empty selection.
func RankHeuristic(subject SubjectDescriptor, comps []NormalizedComp, k int, now time.Time) []ScoredComp {
	if k <= 0 {
		k = DefaultTopK
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	scored := make([]ScoredComp, 0, len(comps))
	for i, c := range comps {
		score, why := similarity(subject, c, now)
		scored = append(scored, ScoredComp{
			NormalizedComp:  c,
			SimilarityScore: score,
			Rationale:       why,
			SourceIndex:     i,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].SimilarityScore != scored[j].SimilarityScore {
			return scored[i].SimilarityScore > scored[j].SimilarityScore
		}
		return saleDateOrZero(scored[i].NormalizedComp).After(saleDateOrZero(scored[j].NormalizedComp))
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// similarity blends exponential-decay terms for whichever signals the
// comp actually carries, then applies the verified-price bonus or the
// missing-price penalty.
func similarity(subject SubjectDescriptor, c NormalizedComp, now time.Time) (float64, string) {
	var sum, weights float64
	var parts []string

	if c.SaleDate != nil {
		ageDays := now.Sub(*c.SaleDate).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		sum += math.Exp(-ageDays/recencyScaleDays) * weightRecency
		weights += weightRecency
		parts = append(parts, fmt.Sprintf("sold %dd ago", int(ageDays)))
	}

	if c.DistanceMiles != nil {
		sum += math.Exp(-*c.DistanceMiles/proximityScaleMiles) * weightProximity
		weights += weightProximity
		parts = append(parts, fmt.Sprintf("%.2f mi", *c.DistanceMiles))
	}

	if subject.LivingAreaSqFt != nil && c.LivingAreaSqFt != nil {
		dev := math.Abs(*c.LivingAreaSqFt-*subject.LivingAreaSqFt) / *subject.LivingAreaSqFt
		sum += math.Exp(-dev/sizeScaleFraction) * weightSize
		weights += weightSize
		parts = append(parts, fmt.Sprintf("%.0f sqft", *c.LivingAreaSqFt))
	}

	if subject.YearBuilt != nil && c.YearBuilt != nil {
		dy := float64(abs(*c.YearBuilt - *subject.YearBuilt))
		sum += math.Exp(-dy/yearScaleYears) * weightYear
		weights += weightYear
	}

	if subject.Bedrooms != nil && c.Bedrooms != nil {
		db := math.Abs(*c.Bedrooms - *subject.Bedrooms)
		sum += math.Exp(-db/roomScale) * weightBeds
		weights += weightBeds
	}
	if subject.Bathrooms != nil && c.Bathrooms != nil {
		db := math.Abs(*c.Bathrooms - *subject.Bathrooms)
		sum += math.Exp(-db/roomScale) * weightBaths
		weights += weightBaths
	}

	score := 0.0
	if weights > 0 {
		score = sum / weights
	}

	if c.Price != nil {
		score *= deedPriceBonus
		parts = append(parts, fmt.Sprintf("deed $%.0f", *c.Price))
	} else {
		score *= missingPricePenalty
		parts = append(parts, "no verified price")
	}

	why := ""
	for i, p := range parts {
		if i > 0 {
			why += ", "
		}
		why += p
	}
	return score, why
}

func saleDateOrZero(c NormalizedComp) time.Time {
	if c.SaleDate == nil {
		return time.Time{}
	}
	return *c.SaleDate
}
