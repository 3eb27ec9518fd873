package valuation

import (
	"math"
	"sort"
	"strings"
	"time"
)

// FilterComps reduces the normalized pool to the comps eligible for use
// against the subject. It is pure and deterministic: identical inputs and
// config always produce the same subsequence in the same order.
//
// Output ordering: dated comps before undated; within the dated group,
// most recent sale first, ties broken by smaller distance; within the
// undated group, smaller known distance first. An empty result is a valid
// "no eligible comps" outcome, not an error.
func FilterComps(subject SubjectDescriptor, comps []NormalizedComp, cfg FilterConfig) []NormalizedComp {
	cfg = cfg.withDefaults()
	cutoff := cfg.Now.AddDate(0, -cfg.MaxMonthsOld, 0)

	kept := make([]NormalizedComp, 0, len(comps))
	for _, c := range comps {
		if eligible(subject, c, cfg, cutoff) {
			kept = append(kept, c)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		switch {
		case a.SaleDate != nil && b.SaleDate == nil:
			return true
		case a.SaleDate == nil && b.SaleDate != nil:
			return false
		case a.SaleDate != nil && b.SaleDate != nil && !a.SaleDate.Equal(*b.SaleDate):
			return a.SaleDate.After(*b.SaleDate)
		default:
			return distanceOrInf(a) < distanceOrInf(b)
		}
	})
	return kept
}

func eligible(subject SubjectDescriptor, c NormalizedComp, cfg FilterConfig, cutoff time.Time) bool {
	if c.SaleDate == nil {
		if cfg.RequireSaleDate {
			return false
		}
	} else if c.SaleDate.Before(cutoff) {
		return false
	}

	// Unknown distance is not treated as zero and doesn't exclude on its
	// own; the ranker will just weigh the comp down.
	if c.DistanceMiles != nil && *c.DistanceMiles > cfg.MaxRadiusMiles {
		return false
	}

	if subject.LivingAreaSqFt != nil && c.LivingAreaSqFt != nil {
		dev := math.Abs(*c.LivingAreaSqFt-*subject.LivingAreaSqFt) / *subject.LivingAreaSqFt
		if dev > cfg.SqftTolerance {
			return false
		}
	}

	if subject.YearBuilt != nil && c.YearBuilt != nil {
		if abs(*c.YearBuilt-*subject.YearBuilt) > cfg.YearTolerance {
			return false
		}
	}

	if cfg.RequireSubdivisionMatch && subject.SubdivisionName != "" {
		if !strings.EqualFold(strings.TrimSpace(c.SubdivisionName), strings.TrimSpace(subject.SubdivisionName)) {
			return false
		}
	}

	if enforceKind(subject, cfg) && c.PropertyKind != KindUnknown && c.PropertyKind != subject.PropertyKind {
		// One-way leniency: an SFR subject may accept townhouse comps,
		// never the reverse.
		if !(cfg.LenientKindMatch && subject.PropertyKind == KindSFR && c.PropertyKind == KindTownhouse) {
			return false
		}
	}

	if c.Price != nil {
		if cfg.MinPrice != nil && *c.Price < *cfg.MinPrice {
			return false
		}
		if cfg.MaxPrice != nil && *c.Price > *cfg.MaxPrice {
			return false
		}
	}
	return true
}

func enforceKind(subject SubjectDescriptor, cfg FilterConfig) bool {
	if cfg.EnforcePropertyKindMatch != nil {
		return *cfg.EnforcePropertyKindMatch && subject.PropertyKind != KindUnknown
	}
	return subject.PropertyKind != KindUnknown
}

func distanceOrInf(c NormalizedComp) float64 {
	if c.DistanceMiles == nil {
		return math.Inf(1)
	}
	return *c.DistanceMiles
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
