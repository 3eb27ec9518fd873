package valuation

import "time"

const (
	// DefaultTopK is how many comps the selector keeps when the caller
	// doesn't say otherwise.
	DefaultTopK = 6

	// DefaultMaxComps caps how many raw records the normalizer will touch
	// per request.
	DefaultMaxComps = 50

	// MaxRationaleChars bounds the human-readable rationale string.
	MaxRationaleChars = 400
)

// PropertyKind is the canonical property-type bucket used for
// apples-to-apples comp matching.
type PropertyKind string

const (
	KindSFR          PropertyKind = "SFR"
	KindCondo        PropertyKind = "Condo"
	KindTownhouse    PropertyKind = "Townhouse"
	KindMulti        PropertyKind = "Multi"
	KindManufactured PropertyKind = "Manufactured"
	KindLand         PropertyKind = "Land"
	KindUnknown      PropertyKind = ""
)

// SubjectDescriptor is the property being valued. It is read-only input;
// the pipeline never mutates it.
type SubjectDescriptor struct {
	Address         string       `json:"address"`
	LivingAreaSqFt  *float64     `json:"living_area_sqft"`
	YearBuilt       *int         `json:"year_built,omitempty"`
	Bedrooms        *float64     `json:"bedrooms,omitempty"`
	Bathrooms       *float64     `json:"bathrooms,omitempty"`
	PropertyKind    PropertyKind `json:"property_kind,omitempty"`
	Latitude        *float64     `json:"latitude,omitempty"`
	Longitude       *float64     `json:"longitude,omitempty"`
	SubdivisionName string       `json:"subdivision_name,omitempty"`
}

// RawComp is a single candidate comparable exactly as a provider returned
// it: arbitrary keys, arbitrary nesting. The normalizer reads it through
// per-field priority lists and never writes to it.
type RawComp map[string]any

// NormalizedComp is the canonical comp shape every downstream component
// works with. Price is non-nil only when the document type passed the
// deed gate, so a mortgage or lien amount can never reach the estimator.
type NormalizedComp struct {
	Address         string       `json:"address,omitempty"`
	SaleDate        *time.Time   `json:"sale_date,omitempty"`
	Price           *float64     `json:"price,omitempty"`
	LivingAreaSqFt  *float64     `json:"living_area_sqft,omitempty"`
	Bedrooms        *float64     `json:"bedrooms,omitempty"`
	Bathrooms       *float64     `json:"bathrooms,omitempty"`
	YearBuilt       *int         `json:"year_built,omitempty"`
	DistanceMiles   *float64     `json:"distance_miles,omitempty"`
	PropertyKind    PropertyKind `json:"property_kind,omitempty"`
	SubdivisionName string       `json:"subdivision_name,omitempty"`
	DocType         string       `json:"doc_type,omitempty"`
}

// ScoredComp is a normalized comp plus the selector's similarity score.
// SourceIndex points back into the filtered pool the selector ran over.
type ScoredComp struct {
	NormalizedComp
	SimilarityScore float64 `json:"similarity_score"`
	Rationale       string  `json:"rationale,omitempty"`
	SourceIndex     int     `json:"source_index"`
}

// AVMAnchor is a single already-reduced automated-valuation number plus
// the provider labels it came from.
type AVMAnchor struct {
	Value   float64  `json:"value"`
	Sources []string `json:"sources,omitempty"`
}

// FilterConfig holds the hard eligibility constraints. Zero values mean
// "use the default"; out-of-range values are clamped, not rejected.
type FilterConfig struct {
	// MaxMonthsOld excludes comps whose sale date is older than
	// now minus this many months. Default 6.
	MaxMonthsOld int `json:"max_months_old,omitempty"`

	// MaxRadiusMiles excludes comps with a known distance beyond this
	// (inclusive boundary). Default 0.5, clamped to [0.1, 5.0].
	MaxRadiusMiles float64 `json:"max_radius_miles,omitempty"`

	// SqftTolerance is the allowed fractional living-area deviation from
	// the subject. Default 0.15, clamped to [0.01, 1.0].
	SqftTolerance float64 `json:"sqft_tolerance,omitempty"`

	// YearTolerance is the allowed year-built difference in years.
	// Default 5, clamped to [0, 50].
	YearTolerance int `json:"year_tolerance,omitempty"`

	// RequireSaleDate excludes undated comps instead of sorting them
	// after dated ones.
	RequireSaleDate bool `json:"require_sale_date,omitempty"`

	// RequireSubdivisionMatch excludes comps whose subdivision doesn't
	// match the subject's (case-insensitive), when the subject has one.
	RequireSubdivisionMatch bool `json:"require_subdivision_match,omitempty"`

	// EnforcePropertyKindMatch gates kind matching. nil means enforce
	// whenever the subject kind is known. Comps with unknown kind are
	// never excluded by this rule.
	EnforcePropertyKindMatch *bool `json:"enforce_property_kind_match,omitempty"`

	// LenientKindMatch lets an SFR subject accept Townhouse comps.
	// The equivalence is one-way: a Townhouse subject still rejects
	// SFR comps.
	LenientKindMatch bool `json:"lenient_kind_match,omitempty"`

	// MinPrice/MaxPrice are sanity bounds on known prices. Comps with a
	// nil price pass this check.
	MinPrice *float64 `json:"min_price,omitempty"`
	MaxPrice *float64 `json:"max_price,omitempty"`

	// Now anchors the recency window. Zero means time.Now(); tests pin it.
	Now time.Time `json:"-"`
}

// Options configures a single pipeline invocation.
type Options struct {
	K        int          `json:"k,omitempty"`
	MaxComps int          `json:"max_comps,omitempty"`
	Filter   FilterConfig `json:"filter,omitempty"`
	AVM      *AVMAnchor   `json:"avm,omitempty"`
}

// ValuationResult is the pipeline output. Invariant: ARV is nil whenever
// UsedComps is empty — the system never fabricates a number from zero
// priced evidence.
type ValuationResult struct {
	ARV  *float64 `json:"arv"`
	Low  *float64 `json:"low"`
	High *float64 `json:"high"`

	// Per-square-foot figures survive even when the subject's living
	// area is unknown and no absolute dollar figure could be produced.
	PerSqFtAnchor *float64 `json:"per_sqft_anchor,omitempty"`
	PerSqFtLow    *float64 `json:"per_sqft_low,omitempty"`
	PerSqFtHigh   *float64 `json:"per_sqft_high,omitempty"`

	// Comps is the selected set, highest similarity first. UsedComps
	// holds the indices into Comps that contributed priced evidence.
	Comps     []ScoredComp `json:"comps"`
	UsedComps []int        `json:"used_comps"`

	Rationale  string   `json:"rationale"`
	AVMAnchor  *float64 `json:"avm_anchor,omitempty"`
	AVMSources []string `json:"avm_sources,omitempty"`
}

func (c FilterConfig) withDefaults() FilterConfig {
	if c.MaxMonthsOld <= 0 {
		c.MaxMonthsOld = 6
	}
	if c.MaxRadiusMiles == 0 {
		c.MaxRadiusMiles = 0.5
	}
	c.MaxRadiusMiles = clampFloat(c.MaxRadiusMiles, 0.1, 5.0)
	if c.SqftTolerance == 0 {
		c.SqftTolerance = 0.15
	}
	c.SqftTolerance = clampFloat(c.SqftTolerance, 0.01, 1.0)
	if c.YearTolerance == 0 {
		c.YearTolerance = 5
	}
	c.YearTolerance = clampInt(c.YearTolerance, 0, 50)
	if c.Now.IsZero() {
		c.Now = time.Now().UTC()
	}
	return c
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
