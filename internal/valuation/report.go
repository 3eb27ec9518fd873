package valuation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ResponseEnvelope is what the route layer hands back to callers: the
// result plus the path notes and a rendered markdown report.
type ResponseEnvelope struct {
	Subject        SubjectDescriptor `json:"subject"`
	Result         ValuationResult   `json:"result"`
	Notes          string            `json:"notes"`
	ReportMarkdown string            `json:"report_markdown"`
	GeneratedAt    time.Time         `json:"generated_at"`
}

func BuildResponse(subject SubjectDescriptor, result ValuationResult, notes string) ResponseEnvelope {
	return ResponseEnvelope{
		Subject:        subject,
		Result:         result,
		Notes:          notes,
		ReportMarkdown: buildMarkdown(subject, result, notes),
		GeneratedAt:    time.Now().UTC(),
	}
}

// buildRationale summarizes the evidence behind the number in at most
// MaxRationaleChars: anchor $/sqft, comp count, distance/recency profile,
// and any AVM blending.
func buildRationale(subject SubjectDescriptor, result ValuationResult, now time.Time) string {
	if len(result.UsedComps) == 0 {
		if len(result.Comps) == 0 {
			return "No eligible comps survived filtering; no ARV produced."
		}
		return fmt.Sprintf("%d comps selected but none carried a verified deed sale price; no ARV produced.", len(result.Comps))
	}

	var b strings.Builder
	if result.PerSqFtAnchor != nil {
		fmt.Fprintf(&b, "Anchor $%.0f/sqft from %d priced comps", *result.PerSqFtAnchor, len(result.UsedComps))
	} else {
		fmt.Fprintf(&b, "%d priced comps", len(result.UsedComps))
	}

	if d, ok := medianDistance(result); ok {
		fmt.Fprintf(&b, ", median distance %.2f mi", d)
	}
	if a, ok := medianAgeDays(result, now); ok {
		fmt.Fprintf(&b, ", median sale age %dd", a)
	}

	if subject.LivingAreaSqFt == nil {
		b.WriteString(". Subject living area unknown, so only per-sqft figures were produced")
	}

	if result.AVMAnchor != nil && result.ARV != nil {
		fmt.Fprintf(&b, ". Blended with AVM anchor $%.0f", *result.AVMAnchor)
		if len(result.AVMSources) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(result.AVMSources, ", "))
		}
	}
	b.WriteString(".")
	return clampString(b.String(), MaxRationaleChars)
}

func buildMarkdown(subject SubjectDescriptor, result ValuationResult, notes string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# ARV Estimate\n\n")
	fmt.Fprintf(&b, "- Subject: %s\n", subject.Address)
	if subject.LivingAreaSqFt != nil {
		fmt.Fprintf(&b, "- Living area: %.0f sqft\n", *subject.LivingAreaSqFt)
	}
	fmt.Fprintf(&b, "- Date: %s\n\n", time.Now().UTC().Format(time.RFC3339))

	fmt.Fprintf(&b, "## Value\n\n")
	if result.ARV != nil {
		fmt.Fprintf(&b, "**ARV: $%.0f** (band $%.0f – $%.0f)\n\n", *result.ARV, deref(result.Low), deref(result.High))
	} else if result.PerSqFtAnchor != nil {
		fmt.Fprintf(&b, "**$%.0f/sqft** (band $%.0f – $%.0f per sqft); no absolute figure — subject living area unknown.\n\n",
			*result.PerSqFtAnchor, deref(result.PerSqFtLow), deref(result.PerSqFtHigh))
	} else {
		fmt.Fprintf(&b, "Not enough comparable sales data to produce an estimate.\n\n")
	}
	fmt.Fprintf(&b, "%s\n\n", result.Rationale)

	fmt.Fprintf(&b, "## Comparables\n\n")
	if len(result.Comps) == 0 {
		fmt.Fprintf(&b, "No eligible comps.\n\n")
	} else {
		fmt.Fprintf(&b, "| # | Address | Sale date | Price | Sqft | Dist (mi) | Score | Used |\n")
		fmt.Fprintf(&b, "|---|---------|-----------|-------|------|-----------|-------|------|\n")
		used := map[int]bool{}
		for _, i := range result.UsedComps {
			used[i] = true
		}
		for i, c := range result.Comps {
			mark := ""
			if used[i] {
				mark = "✓"
			}
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %s | %s | %.3f | %s |\n",
				i, orDash(c.Address), dateCell(c.SaleDate), moneyCell(c.Price),
				floatCell(c.LivingAreaSqFt, "%.0f"), floatCell(c.DistanceMiles, "%.2f"),
				c.SimilarityScore, mark)
		}
		b.WriteString("\n")
	}

	if notes != "" {
		fmt.Fprintf(&b, "## Notes\n\n%s\n\n", notes)
	}

	fmt.Fprintf(&b, "## Appendix\n\n```json\n%s\n```\n", prettyJSON(result))
	return b.String()
}

func medianDistance(result ValuationResult) (float64, bool) {
	var ds []float64
	for _, i := range result.UsedComps {
		if i < len(result.Comps) && result.Comps[i].DistanceMiles != nil {
			ds = append(ds, *result.Comps[i].DistanceMiles)
		}
	}
	if len(ds) == 0 {
		return 0, false
	}
	sort.Float64s(ds)
	return quantile(ds, 0.5), true
}

func medianAgeDays(result ValuationResult, now time.Time) (int, bool) {
	var ages []float64
	for _, i := range result.UsedComps {
		if i < len(result.Comps) && result.Comps[i].SaleDate != nil {
			ages = append(ages, now.Sub(*result.Comps[i].SaleDate).Hours()/24)
		}
	}
	if len(ages) == 0 {
		return 0, false
	}
	sort.Float64s(ages)
	return int(quantile(ages, 0.5)), true
}

func clampString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return strings.TrimSpace(s[:maxLen-3]) + "..."
}

func prettyJSON(v any) string {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(blob)
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "—"
	}
	return s
}

func dateCell(t *time.Time) string {
	if t == nil {
		return "—"
	}
	return t.Format("2006-01-02")
}

func moneyCell(f *float64) string {
	if f == nil {
		return "—"
	}
	return fmt.Sprintf("$%.0f", *f)
}

func floatCell(f *float64, format string) string {
	if f == nil {
		return "—"
	}
	return fmt.Sprintf(format, *f)
}
