package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pbaille/toxfilter/internal/app"
	"github.com/pbaille/toxfilter/internal/dom"
	"github.com/pbaille/toxfilter/internal/engine"
	"github.com/pbaille/toxfilter/internal/fetcher"
	"github.com/pbaille/toxfilter/internal/profile"
)

// maxRequestSize bounds request bodies
const maxRequestSize = 10 << 20

// Server handles HTTP requests for the filter API
type Server struct {
	app      *app.App
	addr     string
	validate *validators
	log      *slog.Logger
}

// New creates a new API server
func New(a *app.App, addr string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v, err := newValidators()
	if err != nil {
		return nil, err
	}
	return &Server{app: a, addr: addr, validate: v, log: logger.With("component", "api")}, nil
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /filter", s.filter)
	mux.HandleFunc("POST /messages", s.message)

	mux.HandleFunc("GET /cache", s.cacheInfo)
	mux.HandleFunc("GET /settings", s.settings)
	mux.HandleFunc("GET /profiles", s.profiles)

	// Health check
	mux.HandleFunc("GET /health", s.health)

	return withCORS(mux)
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("starting server", "addr", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// withCORS adds CORS headers for browser clients
func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// FilterRequest is the request body for filtering a document
type FilterRequest struct {
	HTML     string `json:"html,omitempty"`
	URL      string `json:"url,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// FilterResponse is the response for a filtered document
type FilterResponse struct {
	ScanID   string       `json:"scan_id"`
	Platform string       `json:"platform"`
	HTML     string       `json:"html"`
	Stats    engine.Stats `json:"stats"`
}

func (s *Server) filter(w http.ResponseWriter, r *http.Request) {
	var req FilterRequest
	if err := decodeValid(w, r, s.validate.filter, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if strings.TrimSpace(req.HTML) == "" && req.URL == "" {
		writeError(w, http.StatusBadRequest, "html or url is required")
		return
	}

	p, err := s.app.Profiles().Resolve(req.Platform, req.URL)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, profile.ErrUnknownPlatform) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	page := req.HTML
	if strings.TrimSpace(page) == "" {
		page, err = fetcher.FetchHTML(r.Context(), req.URL)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}

	doc, err := dom.ParseHTMLString(page)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats := s.app.NewEngine(p).Scan(r.Context(), doc)
	s.log.Info("filtered document", "scan_id", stats.ScanID, "platform", p.Name,
		"claimed", stats.Claimed, "flagged", stats.Flagged)

	writeJSON(w, http.StatusOK, FilterResponse{
		ScanID:   stats.ScanID,
		Platform: p.Name,
		HTML:     doc.String(),
		Stats:    stats,
	})
}

func (s *Server) message(w http.ResponseWriter, r *http.Request) {
	var msg app.Message
	if err := decodeValid(w, r, s.validate.message, &msg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reply, err := s.app.HandleMessage(r.Context(), msg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) cacheInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Cache().Stats())
}

func (s *Server) settings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Settings())
}

func (s *Server) profiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles": s.app.Profiles().Names(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
