package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const systemPrompt = "You are a residential real-estate valuation analyst selecting comparable " +
	"sales for an after-repair-value estimate. Respond with strict JSON only."

const (
	maxRankCandidates   = 30
	maxRefineComps      = 20
	providerCallTimeout = 8 * time.Second
)

type llmFailureClass int

const (
	failureNone llmFailureClass = iota
	failureParse
	failureSchema
	failureEmpty
	failureTimeout
	failureRateLimit
	failureServer
	failureClient
)

// LLMCaller is the single provider seam: one prompt in, one raw text
// response out. Anything that fails here or fails validation downgrades
// the pipeline to its deterministic path.
type LLMCaller interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}

type AnthropicCaller struct {
	messages AnthropicMessager
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

func NewAnthropicCallerFromEnv() (*AnthropicCaller, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	return &AnthropicCaller{messages: newAnthropicClient(apiKey)}, nil
}

func (a *AnthropicCaller) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.ModelClaudeSonnet4_20250514,
		MaxTokens:   2048,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

// runJSONCall drives one provider exchange: two attempts total. Transient
// transport classes get the second try, and so do content failures (empty,
// unparseable, or schema-invalid responses), with the rejection echoed
// back so the model can correct itself. The caller's validator runs before
// anything is trusted.
func runJSONCall(ctx context.Context, caller LLMCaller, name, prompt string, out any, validate func() error) error {
	feedback := ""
	for attempt := 1; attempt <= 2; attempt++ {
		callPrompt := prompt
		if feedback != "" {
			callPrompt = prompt + "\n\nYour previous response was rejected: " + feedback +
				"\nRespond again with only valid JSON matching the schema."
		}
		callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
		raw, err := caller.GenerateJSON(callCtx, callPrompt)
		cancel()
		if err != nil {
			class := classifyTransportError(err)
			if attempt < 2 && (class == failureTimeout || class == failureRateLimit || class == failureServer) {
				time.Sleep(time.Second)
				continue
			}
			return fmt.Errorf("%s transport failure: %w", name, err)
		}

		raw = strings.TrimSpace(raw)
		if raw == "" {
			if attempt < 2 {
				feedback = "empty response"
				continue
			}
			return fmt.Errorf("%s failed: empty response", name)
		}
		// Fields parsed from a rejected first attempt must not leak into
		// the re-parse.
		reflect.ValueOf(out).Elem().SetZero()
		clean := stripCodeFences(raw)
		if err := json.Unmarshal([]byte(clean), out); err != nil {
			if attempt < 2 {
				feedback = "invalid JSON: " + err.Error()
				continue
			}
			return fmt.Errorf("%s failed json parse: %w", name, err)
		}
		if err := validate(); err != nil {
			if attempt < 2 {
				feedback = err.Error()
				continue
			}
			return fmt.Errorf("%s failed validation: %w", name, err)
		}
		return nil
	}
	return fmt.Errorf("%s failed after retries", name)
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

func classifyTransportError(err error) llmFailureClass {
	msg := strings.ToLower(err.Error())
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failureTimeout
	}
	switch {
	case strings.Contains(msg, "429"):
		return failureRateLimit
	case strings.Contains(msg, " 5") || strings.Contains(msg, "status code: 5") || strings.Contains(msg, "server error"):
		return failureServer
	case strings.Contains(msg, " 4") || strings.Contains(msg, "status code: 4"):
		return failureClient
	default:
		return failureServer
	}
}

// --- ranking ---

type rankPick struct {
	Index  int     `json:"index"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

type rankResponse struct {
	Picks []rankPick `json:"picks"`
	Notes string     `json:"notes"`
}

// compProjection is the compact candidate view sent to the provider.
type compProjection struct {
	Index        int      `json:"index"`
	Address      string   `json:"address,omitempty"`
	SaleDate     string   `json:"sale_date,omitempty"`
	Price        *float64 `json:"price,omitempty"`
	Beds         *float64 `json:"beds,omitempty"`
	Baths        *float64 `json:"baths,omitempty"`
	Sqft         *float64 `json:"sqft,omitempty"`
	YearBuilt    *int     `json:"year_built,omitempty"`
	Distance     *float64 `json:"distance_miles,omitempty"`
	PropertyKind string   `json:"property_kind,omitempty"`
}

func projectComps(comps []NormalizedComp, limit int) []compProjection {
	if len(comps) > limit {
		comps = comps[:limit]
	}
	out := make([]compProjection, 0, len(comps))
	for i, c := range comps {
		p := compProjection{
			Index:        i,
			Address:      c.Address,
			Price:        c.Price,
			Beds:         c.Bedrooms,
			Baths:        c.Bathrooms,
			Sqft:         c.LivingAreaSqFt,
			YearBuilt:    c.YearBuilt,
			Distance:     c.DistanceMiles,
			PropertyKind: string(c.PropertyKind),
		}
		if c.SaleDate != nil {
			p.SaleDate = c.SaleDate.Format("2006-01-02")
		}
		out = append(out, p)
	}
	return out
}

// RankWithProvider asks the configured provider for exactly k picks over
// the (capped) candidate pool. Any transport, parse, or schema problem is
// returned as an error so the caller falls back to the heuristic — a
// malformed response is never partially trusted.
func RankWithProvider(ctx context.Context, caller LLMCaller, subject SubjectDescriptor, comps []NormalizedComp, k int) ([]ScoredComp, string, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	candidates := projectComps(comps, maxRankCandidates)
	if len(candidates) == 0 {
		return nil, "", nil
	}

	subjectJSON, _ := json.Marshal(subject)
	candJSON, _ := json.Marshal(candidates)
	prompt := fmt.Sprintf(`Select the best comparable sales for the subject property.

Subject:
%s

Candidates (index-addressed):
%s

Pick the %d candidates most similar to the subject, weighing recency,
distance, living area, year built, and whether a verified deed sale price
is present. Respond with only valid JSON matching:

{"picks":[{"index":0,"score":0.0,"reason":"short reason"}],"notes":"string"}

Rules: at most %d picks, each index must come from the candidate list,
no duplicates, score in [0,1], highest-similarity first.`,
		subjectJSON, candJSON, min(k, len(candidates)), min(k, len(candidates)))

	var resp rankResponse
	err := runJSONCall(ctx, caller, "comp_rank", prompt, &resp, func() error {
		return validateRankResponse(resp, len(candidates), k)
	})
	if err != nil {
		return nil, "", err
	}

	sort.SliceStable(resp.Picks, func(i, j int) bool { return resp.Picks[i].Score > resp.Picks[j].Score })
	out := make([]ScoredComp, 0, len(resp.Picks))
	for _, p := range resp.Picks {
		out = append(out, ScoredComp{
			NormalizedComp:  comps[p.Index],
			SimilarityScore: p.Score,
			Rationale:       strings.TrimSpace(p.Reason),
			SourceIndex:     p.Index,
		})
	}
	return out, strings.TrimSpace(resp.Notes), nil
}

func validateRankResponse(resp rankResponse, candidateCount, k int) error {
	if len(resp.Picks) == 0 {
		return errors.New("no picks")
	}
	if len(resp.Picks) > k {
		return fmt.Errorf("too many picks: %d > %d", len(resp.Picks), k)
	}
	seen := map[int]struct{}{}
	for _, p := range resp.Picks {
		if p.Index < 0 || p.Index >= candidateCount {
			return fmt.Errorf("pick index %d out of range", p.Index)
		}
		if _, dup := seen[p.Index]; dup {
			return fmt.Errorf("duplicate pick index %d", p.Index)
		}
		seen[p.Index] = struct{}{}
		if p.Score < 0 || p.Score > 1 {
			return fmt.Errorf("pick score %v out of range", p.Score)
		}
	}
	return nil
}

// --- refinement ---

type refineResponse struct {
	ARV  *float64 `json:"arv"`
	Low  *float64 `json:"low"`
	High *float64 `json:"high"`
	Used []int    `json:"used"`
	Why  string   `json:"why"`
}

// RefineWithProvider submits the local baseline plus a compact view of
// the selected comps and asks for a refined estimate. A response without
// a numeric arv is discarded wholesale.
func RefineWithProvider(ctx context.Context, caller LLMCaller, subject SubjectDescriptor, baseline ValuationResult, selected []ScoredComp) (refineResponse, error) {
	type refineComp struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
		compProjection
	}
	view := make([]refineComp, 0, min(len(selected), maxRefineComps))
	for i, sc := range selected {
		if i >= maxRefineComps {
			break
		}
		proj := projectComps([]NormalizedComp{sc.NormalizedComp}, 1)[0]
		proj.Index = i
		view = append(view, refineComp{Index: i, Score: sc.SimilarityScore, compProjection: proj})
	}

	subjectJSON, _ := json.Marshal(subject)
	baseJSON, _ := json.Marshal(map[string]any{
		"arv": baseline.ARV, "low": baseline.Low, "high": baseline.High,
		"per_sqft_anchor": baseline.PerSqFtAnchor,
		"avm_anchor":      baseline.AVMAnchor,
		"used_comps":      baseline.UsedComps,
	})
	compsJSON, _ := json.Marshal(view)
	prompt := fmt.Sprintf(`Refine this after-repair-value estimate.

Subject:
%s

Local weighted-median baseline:
%s

Selected comps (index-addressed, with similarity scores):
%s

Adjust only if the evidence supports it; stay close to the baseline
unless a comp is clearly distorting it. Respond with only valid JSON:

{"arv":0,"low":0,"high":0,"used":[0],"why":"short explanation"}

arv is mandatory and must be a number. used lists the comp indices your
figure relies on.`, subjectJSON, baseJSON, compsJSON)

	var resp refineResponse
	err := runJSONCall(ctx, caller, "arv_refine", prompt, &resp, func() error {
		return validateRefineResponse(resp, len(view))
	})
	return resp, err
}

func validateRefineResponse(resp refineResponse, compCount int) error {
	if resp.ARV == nil {
		return errors.New("missing arv")
	}
	if *resp.ARV <= 0 {
		return fmt.Errorf("arv %v not positive", *resp.ARV)
	}
	if resp.Low != nil && resp.High != nil && *resp.Low > *resp.High {
		return errors.New("low above high")
	}
	if len(resp.Used) == 0 {
		return errors.New("missing used comp indices")
	}
	for _, idx := range resp.Used {
		if idx < 0 || idx >= compCount {
			return fmt.Errorf("used index %d out of range", idx)
		}
	}
	return nil
}
