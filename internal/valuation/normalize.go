package valuation

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Field priority lists, most trusted key first. They cover the ATTOM
// sale-snapshot shape, the Zillow comp shape, and the Melissa deed shape
// so one normalizer serves every provider the supply layer talks to.
var (
	addressKeys = []string{"address", "address.oneLine", "fullAddress", "streetAddress", "address.line1"}

	priceKeys = []string{
		"saleAmount", "amount.saleAmt", "price",
		"sale.amount.saleamt", "sale.saleamt", "sale.saleAmt",
		"sale_price", "salePrice", "lastSoldPrice", "list_price",
	}

	docTypeKeys = []string{
		"docType", "doc_type",
		"sale.amount.saledoctype", "sale.saledoctype", "amount.saledoctype",
		"deed.docType", "documentType",
	}

	saleDateKeys = []string{
		"saleDate", "sale_date", "dateSold",
		"sale.saleTransDate", "sale.saleDate", "sale.salerecdate", "saleTransDate",
	}

	sqftKeys = []string{
		"sqft", "livingAreaSqFt", "livingArea", "living_area",
		"building.size.livingsize", "building.size.bldgsize",
		"building.size.universalsize", "building.size.grossSize",
	}

	bedsKeys  = []string{"beds", "bedrooms", "building.rooms.beds"}
	bathsKeys = []string{"baths", "bathrooms", "building.rooms.bathsFull", "building.rooms.baths", "building.rooms.bathstotal"}

	yearBuiltKeys = []string{"yearBuilt", "year_built", "building.summary.yearbuilt", "building.yearbuilt", "summary.yearbuilt"}

	distanceKeys = []string{"distance", "distanceMiles", "distance_miles", "location.distance", "mi"}

	kindKeys = []string{
		"propertyKind", "propType", "propertyType", "homeType",
		"proptype", "propclass", "propsubtype", "land_use",
		"summary.propLandUse", "building.summary.propLandUse", "summary.propertyType",
	}

	subdivisionKeys = []string{
		"subdivision", "subdivisionName", "subdivision_name",
		"building.summary.subdivision", "lot.subdivision",
		"location.neighborhoodName", "address.neighborhoodName",
	}

	latitudeKeys  = []string{"latitude", "lat", "location.latitude"}
	longitudeKeys = []string{"longitude", "lon", "lng", "location.longitude"}
)

// Document types that represent a genuine transfer versus financing or
// administrative paper. The exclude list wins: a "DEED OF TRUST" is a
// mortgage instrument no matter how deed-like it reads.
var (
	allowedDeedTokens  = []string{"WARRANTY DEED", "GRANT DEED", "QUIT CLAIM", "QUITCLAIM", "SPECIAL WARRANTY DEED", "DEED"}
	excludedDocTokens  = []string{"MORTGAGE", "DEED OF TRUST", "ASSIGNMENT", "RELEASE", "LIEN", "UCC", "FORECLOSURE"}
	saleDateLayouts    = []string{"2006-01-02", "2006/01/02", "01/02/2006"}
	earthRadiusMiles   = 3958.8
	distanceRoundScale = 1000.0 // thousandths of a mile
)

// NormalizeComps maps up to maxComps raw provider records into the
// canonical comp shape, preserving input order. It is a pure
// transformation: absent fields become nil, nothing ever panics on a
// missing or oddly typed key, and the raw maps are never mutated.
func NormalizeComps(subject SubjectDescriptor, raws []RawComp, maxComps int) []NormalizedComp {
	if maxComps <= 0 {
		maxComps = DefaultMaxComps
	}
	out := make([]NormalizedComp, 0, min(len(raws), maxComps))
	for _, raw := range raws {
		if len(out) >= maxComps {
			break
		}
		out = append(out, normalizeOne(subject, raw))
	}
	return out
}

func normalizeOne(subject SubjectDescriptor, raw RawComp) NormalizedComp {
	c := NormalizedComp{
		Address:         firstString(raw, addressKeys),
		DocType:         firstString(raw, docTypeKeys),
		SubdivisionName: firstString(raw, subdivisionKeys),
		Bedrooms:        firstFloat(raw, bedsKeys),
		Bathrooms:       firstFloat(raw, bathsKeys),
		LivingAreaSqFt:  firstFloat(raw, sqftKeys),
		DistanceMiles:   firstFloat(raw, distanceKeys),
		YearBuilt:       firstInt(raw, yearBuiltKeys),
		PropertyKind:    NormalizeKind(firstString(raw, kindKeys)),
	}

	if s := firstString(raw, saleDateKeys); s != "" {
		c.SaleDate = parseSaleDate(s)
	}

	// The deed gate: a numeric amount only becomes a price when the
	// document type says arm's-length transfer.
	if p := firstFloat(raw, priceKeys); p != nil && *p > 0 && isDeedDoc(c.DocType) {
		c.Price = p
	}

	if c.DistanceMiles == nil {
		c.DistanceMiles = distanceFromCoords(subject, raw)
	}
	return c
}

// isDeedDoc reports whether the document type indicates a genuine
// deed/transfer instrument. An empty doc type fails the gate.
func isDeedDoc(doc string) bool {
	d := strings.ToUpper(strings.TrimSpace(doc))
	if d == "" {
		return false
	}
	for _, tok := range excludedDocTokens {
		if strings.Contains(d, tok) {
			return false
		}
	}
	for _, tok := range allowedDeedTokens {
		if strings.Contains(d, tok) {
			return true
		}
	}
	return false
}

// NormalizeKind buckets a free-text property-type label. Unrecognized
// labels map to KindUnknown so the filter can give them the benefit of
// the doubt.
func NormalizeKind(label string) PropertyKind {
	s := strings.ToLower(strings.TrimSpace(label))
	if s == "" {
		return KindUnknown
	}
	switch {
	case strings.Contains(s, "town"):
		return KindTownhouse
	case strings.Contains(s, "condo"):
		return KindCondo
	case strings.Contains(s, "duplex"), strings.Contains(s, "triplex"),
		strings.Contains(s, "fourplex"), strings.Contains(s, "apartment"),
		strings.Contains(s, "multi"):
		return KindMulti
	case strings.Contains(s, "manufactured"), strings.Contains(s, "mobile"):
		return KindManufactured
	case strings.Contains(s, "vacant"), strings.Contains(s, "land"), strings.Contains(s, "lot"):
		return KindLand
	case strings.Contains(s, "single"), strings.Contains(s, "sfr"),
		strings.Contains(s, "residential"), strings.Contains(s, "house"):
		return KindSFR
	default:
		return KindUnknown
	}
}

func parseSaleDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if len(s) > 10 {
		s = s[:10]
	}
	for _, layout := range saleDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// distanceFromCoords computes great-circle miles between subject and comp
// when both sides have coordinates; otherwise distance stays unknown
// rather than pretending to be zero.
func distanceFromCoords(subject SubjectDescriptor, raw RawComp) *float64 {
	if subject.Latitude == nil || subject.Longitude == nil {
		return nil
	}
	clat := firstFloat(raw, latitudeKeys)
	clon := firstFloat(raw, longitudeKeys)
	if clat == nil || clon == nil {
		return nil
	}
	d := haversineMiles(*subject.Latitude, *subject.Longitude, *clat, *clon)
	d = math.Round(d*distanceRoundScale) / distanceRoundScale
	return &d
}

func haversineMiles(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMiles * math.Asin(math.Sqrt(a))
}

// --- loose-typed lookup helpers ---

// lookup resolves a dotted path ("sale.amount.saleamt") through nested
// maps, returning nil when any hop is missing or not a map.
func lookup(raw RawComp, path string) any {
	var cur any = map[string]any(raw)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func firstString(raw RawComp, keys []string) string {
	for _, k := range keys {
		if v := lookup(raw, k); v != nil {
			if s := coerceString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstFloat(raw RawComp, keys []string) *float64 {
	for _, k := range keys {
		if v := lookup(raw, k); v != nil {
			if f, ok := coerceFloat(v); ok {
				return &f
			}
		}
	}
	return nil
}

func firstInt(raw RawComp, keys []string) *int {
	if f := firstFloat(raw, keys); f != nil {
		n := int(*f)
		return &n
	}
	return nil
}

func coerceString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case fmt.Stringer:
		return strings.TrimSpace(s.String())
	case float64, int, int64:
		return fmt.Sprintf("%v", s)
	default:
		return ""
	}
}

func coerceFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		s = strings.TrimPrefix(s, "$")
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
