// Package httpapi exposes the valuation pipeline over HTTP: run an
// estimate, read back stored runs, and render their reports as HTML or
// PDF.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/joelkehle/offerdesk/internal/compsupply"
	"github.com/joelkehle/offerdesk/internal/valstore"
	"github.com/joelkehle/offerdesk/internal/valuation"
)

// CompSource supplies raw comps and AVM anchors when the caller doesn't
// inline their own. Nil means inline-only operation.
type CompSource interface {
	FetchComps(ctx context.Context, loc compsupply.Location, radiusMiles float64) ([]valuation.RawComp, error)
	FetchAVM(ctx context.Context, loc compsupply.Location) (*valuation.AVMAnchor, error)
}

// PDFRenderer turns report markdown into PDF bytes. Nil disables the
// pdf format.
type PDFRenderer interface {
	Render(ctx context.Context, title, markdown string) ([]byte, error)
}

type Server struct {
	pipeline *valuation.Pipeline
	store    *valstore.Store
	comps    CompSource
	pdf      PDFRenderer
}

func NewServer(pipeline *valuation.Pipeline, store *valstore.Store, comps CompSource, pdf PDFRenderer) http.Handler {
	s := &Server{pipeline: pipeline, store: store, comps: comps, pdf: pdf}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/valuations", s.handleValuations)
	mux.HandleFunc("/v1/valuations/", s.handleValuationByID)
	mux.HandleFunc("/v1/health", s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	var ae *Error
	if errors.As(err, &ae) {
		writeJSON(w, ae.Status, map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":      ae.Code,
				"message":   ae.Message,
				"transient": ae.Transient,
			},
		})
		return
	}
	writeJSON(w, 500, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":      CodeInternal,
			"message":   err.Error(),
			"transient": true,
		},
	})
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte("{}"), nil
	}
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	return blob, nil
}

func methodOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// fetchSpec asks the server to pull comps (and optionally an AVM
// anchor) from the configured provider instead of receiving them
// inline. Coordinates come from the subject when present.
type fetchSpec struct {
	Address1    string  `json:"address1"`
	City        string  `json:"city"`
	State       string  `json:"state"`
	PostalCode  string  `json:"postal_code"`
	RadiusMiles float64 `json:"radius_miles,omitempty"`
	UseAVM      bool    `json:"use_avm,omitempty"`
}

type valuationRequest struct {
	Subject valuation.SubjectDescriptor `json:"subject"`
	Comps   []valuation.RawComp         `json:"comps,omitempty"`
	Options valuation.Options           `json:"options,omitempty"`
	Fetch   *fetchSpec                  `json:"fetch,omitempty"`
}

func (s *Server) handleValuations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateValuation(w, r)
	case http.MethodGet:
		s.handleListValuations(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateValuation(w http.ResponseWriter, r *http.Request) {
	blob, err := readBody(r)
	if err != nil {
		writeError(w, NewValidationJSONError(err))
		return
	}
	var req valuationRequest
	if err := json.Unmarshal(blob, &req); err != nil {
		writeError(w, NewValidationJSONError(err))
		return
	}
	if strings.TrimSpace(req.Subject.Address) == "" {
		writeError(w, NewValidationError("subject.address is required"))
		return
	}
	if len(req.Comps) == 0 && req.Fetch == nil {
		writeError(w, NewValidationError("provide comps inline or a fetch block"))
		return
	}

	rawComps := req.Comps
	if len(rawComps) == 0 {
		fetched, avm, err := s.fetchFromProvider(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		rawComps = fetched
		if req.Options.AVM == nil && avm != nil {
			req.Options.AVM = avm
		}
	}

	result, notes, err := s.pipeline.EstimateValue(r.Context(), req.Subject, rawComps, req.Options)
	if err != nil {
		if errors.Is(err, valuation.ErrInvalidSubject) {
			writeError(w, NewValidationError(err.Error()))
			return
		}
		writeError(w, NewInternalError(err.Error()))
		return
	}

	env := valuation.BuildResponse(req.Subject, result, notes)
	rec, err := s.store.Save(req.Subject, result, notes, env.ReportMarkdown)
	if err != nil {
		writeError(w, NewInternalError("persist valuation: "+err.Error()))
		return
	}

	writeJSON(w, 200, map[string]any{
		"ok":           true,
		"valuation_id": rec.ID,
		"subject":      env.Subject,
		"result":       env.Result,
		"notes":        env.Notes,
		"generated_at": env.GeneratedAt,
	})
}

func (s *Server) fetchFromProvider(ctx context.Context, req valuationRequest) ([]valuation.RawComp, *valuation.AVMAnchor, error) {
	if s.comps == nil {
		return nil, nil, NewUnavailableError("no comp provider configured; inline comps required")
	}
	loc := compsupply.Location{
		Address1:   req.Fetch.Address1,
		City:       req.Fetch.City,
		State:      req.Fetch.State,
		PostalCode: req.Fetch.PostalCode,
		Latitude:   req.Subject.Latitude,
		Longitude:  req.Subject.Longitude,
	}
	if loc.Address1 == "" {
		loc.Address1 = req.Subject.Address
	}

	rawComps, err := s.comps.FetchComps(ctx, loc, req.Fetch.RadiusMiles)
	if err != nil {
		return nil, nil, NewUnavailableError("comp provider: " + err.Error())
	}

	var anchor *valuation.AVMAnchor
	if req.Fetch.UseAVM {
		// A failed AVM lookup downgrades to comp-only estimation.
		anchor, err = s.comps.FetchAVM(ctx, loc)
		if err != nil {
			anchor = nil
		}
	}
	return rawComps, anchor, nil
}

func (s *Server) handleListValuations(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := s.store.ListRecent(limit)
	if err != nil {
		writeError(w, NewInternalError(err.Error()))
		return
	}
	items := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		items = append(items, map[string]any{
			"valuation_id": rec.ID,
			"address":      rec.Subject.Address,
			"arv":          rec.Result.ARV,
			"created_at":   rec.CreatedAt,
		})
	}
	writeJSON(w, 200, map[string]any{"valuations": items})
}

func (s *Server) handleValuationByID(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/valuations/")
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if id, ok := strings.CutSuffix(path, "/report"); ok {
		s.handleReport(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if strings.Contains(path, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	rec, err := s.store.Get(path)
	if err != nil {
		if errors.Is(err, valstore.ErrNotFound) {
			writeError(w, NewNotFoundError("valuation "+path+" not found"))
			return
		}
		writeError(w, NewInternalError(err.Error()))
		return
	}
	writeJSON(w, 200, map[string]any{
		"valuation_id": rec.ID,
		"subject":      rec.Subject,
		"result":       rec.Result,
		"notes":        rec.Notes,
		"created_at":   rec.CreatedAt,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, valstore.ErrNotFound) {
			writeError(w, NewNotFoundError("valuation "+id+" not found"))
			return
		}
		writeError(w, NewInternalError(err.Error()))
		return
	}
	title := "ARV Estimate — " + rec.Subject.Address

	switch strings.TrimSpace(r.URL.Query().Get("format")) {
	case "", "html":
		doc, err := renderReportHTML(title, rec.ReportMarkdown)
		if err != nil {
			writeError(w, NewInternalError(err.Error()))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(doc))
	case "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(rec.ReportMarkdown))
	case "pdf":
		if s.pdf == nil {
			writeError(w, NewUnavailableError("pdf rendering not configured"))
			return
		}
		pdf, err := s.pdf.Render(r.Context(), title, rec.ReportMarkdown)
		if err != nil {
			writeError(w, NewInternalError("pdf render: "+err.Error()))
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", "attachment; filename=valuation-"+id+".pdf")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(pdf)
	default:
		writeError(w, NewValidationError("unknown format; use html, md, or pdf"))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, 200, map[string]any{
		"ok":            true,
		"comp_provider": s.comps != nil,
		"pdf_renderer":  s.pdf != nil,
	})
}
