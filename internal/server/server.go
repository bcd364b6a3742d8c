// Package server exposes health probes, Prometheus metrics and a small JSON
// API for inspecting and triggering syncs.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/controller"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/ledger"
)

// Syncer is the part of the sync controller the API drives.
type Syncer interface {
	RunPass(ctx context.Context) (controller.PassResult, error)
	SyncSpoke(ctx context.Context, name string) (controller.SpokeResult, error)
	Preview(ctx context.Context, name string) (controller.Preview, error)
	States() []controller.SpokeStatus
	HubStatus() controller.HubStatus
	Ready() bool
}

// History reads ledger entries.
type History interface {
	Query(f ledger.Filter) ([]ledger.Entry, error)
}

const defaultHistoryLimit = 100

// Server is the HTTP surface of the sync process.
type Server struct {
	log     logr.Logger
	syncer  Syncer
	history History
	token   string
	server  *http.Server
}

// Options configure New.
type Options struct {
	Addr string
	// Token must be sent as "Authorization: Bearer <token>" on the routes
	// that start syncs. When empty those routes are refused.
	Token string
	// Gatherer defaults to controller-runtime's registry.
	Gatherer prometheus.Gatherer
}

// New builds the server and its routes.
func New(log logr.Logger, syncer Syncer, history History, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = crmetrics.Registry
	}
	s := &Server{log: log, syncer: syncer, history: history, token: opts.Token}

	readyz := healthz.Checker(func(_ *http.Request) error {
		if !syncer.Ready() {
			return errors.New("hub has not been fetched yet")
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle("/healthz", http.StripPrefix("/healthz", &healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}}))
	mux.Handle("/readyz", http.StripPrefix("/readyz", &healthz.Handler{Checks: map[string]healthz.Checker{"hub": readyz}}))
	mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/plan/{server}", s.handlePlan)
	mux.HandleFunc("POST /api/sync", s.authorized(s.handleSyncAll))
	mux.HandleFunc("POST /api/sync/{server}", s.authorized(s.handleSyncOne))

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("serving HTTP", "addr", s.server.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

var (
	errNoToken      = errors.New("sync API disabled: no api token configured")
	errUnauthorized = errors.New("missing or invalid bearer token")
)

// authorized guards handlers that write to DNS servers.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			writeError(w, http.StatusForbidden, errNoToken)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			s.log.V(1).Info("rejected sync request", "remote", r.RemoteAddr, "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="yk-dns-sync"`)
			writeError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		next(w, r)
	}
}

type statusResponse struct {
	Hub    controller.HubStatus     `json:"hub"`
	Spokes []controller.SpokeStatus `json:"spokes"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Hub: s.syncer.HubStatus(), Spokes: s.syncer.States()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.history.Query(f)
	if err != nil {
		s.log.Error(err, "querying ledger")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{Server: q.Get("server"), Limit: defaultHistoryLimit}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("invalid %s %q: want RFC 3339", p.name, v)
			}
			*p.dst = t
		}
	}
	return f, nil
}

type recordJSON struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

func toJSON(records []dns.Record) []recordJSON {
	out := make([]recordJSON, 0, len(records))
	for _, r := range records {
		out = append(out, recordJSON{Name: dns.NormalizeName(r.Name), Type: string(r.Type), Value: r.Value})
	}
	return out
}

type planResponse struct {
	Server       string       `json:"server"`
	HubFetchedAt time.Time    `json:"hub_fetched_at"`
	ToAdd        []recordJSON `json:"to_add"`
	ToRemove     []recordJSON `json:"to_remove"`
	Skipped      []recordJSON `json:"skipped"`
	Retained     []recordJSON `json:"retained"`
	Unchanged    int          `json:"unchanged"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.syncer.Preview(r.Context(), r.PathValue("server"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, planResponse{
		Server:       p.Server,
		HubFetchedAt: p.HubFetchedAt,
		ToAdd:        toJSON(p.Plan.ToAdd),
		ToRemove:     toJSON(p.Plan.ToRemove),
		Skipped:      toJSON(p.Plan.Skipped),
		Retained:     toJSON(p.Plan.Retained),
		Unchanged:    p.Plan.Unchanged,
	})
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	pass, err := s.syncer.RunPass(r.Context())
	entries := make([]ledger.Entry, 0, len(pass.Spokes))
	for _, sp := range pass.Spokes {
		entries = append(entries, sp.Entry)
	}
	resp := map[string]any{"pass_id": pass.ID, "results": entries}
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSyncOne(w http.ResponseWriter, r *http.Request) {
	res, err := s.syncer.SyncSpoke(r.Context(), r.PathValue("server"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res.Entry)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrDisabled):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
