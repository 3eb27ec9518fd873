package valuation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvalidSubject rejects structurally unusable input at the entry
// point. Everything else degrades to a renderable result.
var ErrInvalidSubject = errors.New("invalid subject")

// Pipeline wires normalizer, filter, selector, and estimator behind the
// one entry point callers use. Ranker and Refiner are optional provider
// enhancements; the deterministic path is always the source of truth and
// any provider failure silently falls back to it.
type Pipeline struct {
	ranker  LLMCaller
	refiner LLMCaller
	tracer  trace.Tracer
}

// PipelineOption mutates construction; nil callers are simply skipped.
type PipelineOption func(*Pipeline)

func WithRanker(c LLMCaller) PipelineOption {
	return func(p *Pipeline) { p.ranker = c }
}

func WithRefiner(c LLMCaller) PipelineOption {
	return func(p *Pipeline) { p.refiner = c }
}

func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{tracer: otel.Tracer("offerdesk/valuation")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EstimateValue runs the full pipeline: normalize → filter → select →
// estimate → optional refine. It holds no cross-request state, so
// concurrent invocations need no locking.
//
// The returned notes string records which path produced the number and
// why, including provider downgrades. Only ErrInvalidSubject is returned
// as an error; sparsity and provider trouble surface in the result.
func (p *Pipeline) EstimateValue(ctx context.Context, subject SubjectDescriptor, rawComps []RawComp, opts Options) (ValuationResult, string, error) {
	if subject.LivingAreaSqFt != nil && *subject.LivingAreaSqFt <= 0 {
		return ValuationResult{UsedComps: []int{}}, "", fmt.Errorf("%w: living area %v sqft", ErrInvalidSubject, *subject.LivingAreaSqFt)
	}
	if opts.K <= 0 {
		opts.K = DefaultTopK
	}
	cfg := opts.Filter.withDefaults()
	now := cfg.Now
	var notes []string

	ctx, span := p.tracer.Start(ctx, "valuation.estimate",
		trace.WithAttributes(attribute.Int("comps.raw", len(rawComps)), attribute.Int("k", opts.K)))
	defer span.End()

	_, nspan := p.tracer.Start(ctx, "valuation.normalize")
	normalized := NormalizeComps(subject, rawComps, opts.MaxComps)
	nspan.SetAttributes(attribute.Int("comps.normalized", len(normalized)))
	nspan.End()

	_, fspan := p.tracer.Start(ctx, "valuation.filter")
	eligible := FilterComps(subject, normalized, cfg)
	fspan.SetAttributes(attribute.Int("comps.eligible", len(eligible)))
	fspan.End()

	rctx, rspan := p.tracer.Start(ctx, "valuation.rank")
	selected, rankNotes := p.selectComps(rctx, subject, eligible, opts.K, now, &notes)
	rspan.SetAttributes(attribute.Int("comps.selected", len(selected)))
	rspan.End()
	if rankNotes != "" {
		notes = append(notes, rankNotes)
	}

	_, espan := p.tracer.Start(ctx, "valuation.estimate_local")
	result := Estimate(subject, selected, opts.AVM, now)
	espan.End()

	// Refinement only adjusts an existing absolute figure. When the local
	// estimate has no ARV (no priced evidence, or unknown subject living
	// area) there is nothing to refine, and the provider must not be given
	// a chance to invent one.
	if p.refiner != nil && result.ARV != nil {
		fctx, fspan := p.tracer.Start(ctx, "valuation.refine")
		p.applyRefinement(fctx, subject, &result, selected, &notes)
		fspan.End()
	}

	result.Rationale = buildRationale(subject, result, now)
	return result, strings.Join(notes, "; "), nil
}

// selectComps prefers the provider ranking when configured and falls back
// to the heuristic on any failure. The downgrade is logged, never
// surfaced as a caller-facing error.
func (p *Pipeline) selectComps(ctx context.Context, subject SubjectDescriptor, eligible []NormalizedComp, k int, now time.Time, notes *[]string) ([]ScoredComp, string) {
	if len(eligible) == 0 {
		return nil, "no eligible comps after filtering"
	}
	if p.ranker != nil {
		picks, provNotes, err := RankWithProvider(ctx, p.ranker, subject, eligible, k)
		if err == nil && len(picks) > 0 {
			note := "provider ranking"
			if provNotes != "" {
				note += ": " + provNotes
			}
			return picks, note
		}
		if err != nil {
			log.Printf("valuation: provider ranking discarded, using heuristic: %v", err)
			*notes = append(*notes, "provider ranking discarded")
		}
	}
	return RankHeuristic(subject, eligible, k, now), "heuristic ranking"
}

// applyRefinement overlays a validated provider refinement onto the local
// result. A discarded refinement leaves the local figures untouched.
func (p *Pipeline) applyRefinement(ctx context.Context, subject SubjectDescriptor, result *ValuationResult, selected []ScoredComp, notes *[]string) {
	refined, err := RefineWithProvider(ctx, p.refiner, subject, *result, selected)
	if err != nil {
		log.Printf("valuation: refinement discarded, keeping local estimate: %v", err)
		*notes = append(*notes, "refinement discarded")
		return
	}
	result.ARV = refined.ARV
	if refined.Low != nil {
		result.Low = refined.Low
	}
	if refined.High != nil {
		result.High = refined.High
	}
	result.UsedComps = refined.Used
	if why := strings.TrimSpace(refined.Why); why != "" {
		*notes = append(*notes, "provider refinement: "+clampString(why, 160))
	} else {
		*notes = append(*notes, "provider refinement applied")
	}
}
