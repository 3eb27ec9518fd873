// estimate-arv runs a single valuation from a JSON file (or stdin) and
// prints the result envelope, without needing the HTTP server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joelkehle/offerdesk/internal/valuation"
)

type input struct {
	Subject valuation.SubjectDescriptor `json:"subject"`
	Comps   []valuation.RawComp         `json:"comps"`
	Options valuation.Options           `json:"options,omitempty"`
}

func main() {
	var (
		inPath   = flag.String("in", "-", "Input JSON file with subject, comps, and options ('-' for stdin)")
		markdown = flag.Bool("markdown", false, "Print the report markdown instead of the JSON envelope")
		useLLM   = flag.Bool("llm", false, "Enable LLM ranking and refinement (requires ANTHROPIC_API_KEY)")
	)
	flag.Parse()

	blob, err := readInput(*inPath)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}
	var req input
	if err := json.Unmarshal(blob, &req); err != nil {
		log.Fatalf("parse input: %v", err)
	}

	var opts []valuation.PipelineOption
	if *useLLM {
		caller, err := valuation.NewAnthropicCallerFromEnv()
		if err != nil {
			log.Fatalf("llm: %v", err)
		}
		opts = append(opts, valuation.WithRanker(caller), valuation.WithRefiner(caller))
	}
	pipeline := valuation.NewPipeline(opts...)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, notes, err := pipeline.EstimateValue(ctx, req.Subject, req.Comps, req.Options)
	if err != nil {
		log.Fatalf("estimate: %v", err)
	}

	env := valuation.BuildResponse(req.Subject, result, notes)
	if *markdown {
		fmt.Println(env.ReportMarkdown)
		return
	}
	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		log.Fatalf("encode result: %v", err)
	}
	fmt.Println(string(out))
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
