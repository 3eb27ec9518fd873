package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joelkehle/offerdesk/internal/compsupply"
	"github.com/joelkehle/offerdesk/internal/httpapi"
	"github.com/joelkehle/offerdesk/internal/telemetry"
	"github.com/joelkehle/offerdesk/internal/valstore"
	"github.com/joelkehle/offerdesk/internal/valuation"
)

func main() {
	var (
		addr   = flag.String("addr", ":8080", "Listen address")
		dbFlag = flag.String("db", "", "Path to SQLite database file (overrides DB_PATH env var)")
		noPDF  = flag.Bool("no-pdf", false, "Disable PDF report rendering")
	)
	flag.Parse()

	if port := os.Getenv("PORT"); port != "" && *addr == ":8080" {
		*addr = ":" + port
	}

	dbPath := *dbFlag
	if dbPath == "" {
		dbPath = os.Getenv("DB_PATH")
	}
	if dbPath == "" {
		dbPath = "./data/valuations.db"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "valuationd")
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	store, err := valstore.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open valuation store (%s): %v", dbPath, err)
	}
	defer store.Close()
	log.Printf("using sqlite store at %s", dbPath)

	var pipelineOpts []valuation.PipelineOption
	if caller, err := valuation.NewAnthropicCallerFromEnv(); err == nil {
		pipelineOpts = append(pipelineOpts, valuation.WithRanker(caller), valuation.WithRefiner(caller))
		log.Printf("LLM ranking and refinement enabled")
	} else {
		log.Printf("LLM provider not configured, heuristic-only mode: %v", err)
	}
	pipeline := valuation.NewPipeline(pipelineOpts...)

	var comps httpapi.CompSource
	if key := strings.TrimSpace(os.Getenv("ATTOM_API_KEY")); key != "" {
		client, err := compsupply.NewClient(compsupply.Config{APIKey: key})
		if err != nil {
			log.Fatalf("comp provider: %v", err)
		}
		comps = client
		log.Printf("ATTOM comp provider enabled")
	} else {
		log.Printf("ATTOM_API_KEY not set, inline comps only")
	}

	var pdf httpapi.PDFRenderer
	if !*noPDF {
		pdf = httpapi.NewChromiumPDFRenderer()
	}

	handler := httpapi.NewServer(pipeline, store, comps, pdf)
	log.Printf("valuationd listening on %s", *addr)
	srv := &http.Server{Addr: *addr, Handler: handler}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
