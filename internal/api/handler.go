// Package api implements the HTTP surface of the burn-after-read service:
// note and file creation, passphrase validation, and the download/burn/
// finalize operations, fronted by same-origin checking and per-IP rate
// limiting.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/mdotk/safemonk/internal/audit"
	"github.com/mdotk/safemonk/internal/metrics"
	"github.com/mdotk/safemonk/internal/ratelimit"
	"github.com/mdotk/safemonk/internal/store"
)

// idPattern matches the UUIDs store.CreateNote/InitFileUpload generate.
// Rejecting anything else before it reaches the store is a cheap
// defense-in-depth filter, not a security boundary on its own.
var idPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Handler serves the note/file burn protocol.
type Handler struct {
	store         *store.Store
	limiter       *ratelimit.Limiter
	logger        *logrus.Logger
	metrics       *metrics.Metrics
	audit         audit.Logger
	allowedOrigin string
}

// New builds a Handler. allowedOrigin is compared against the request's
// Origin header on state-changing requests; an empty string disables the
// check (useful for same-host deployments fronted by a reverse proxy that
// strips Origin). auditLogger may be nil, in which case lifecycle events
// are simply not recorded.
func New(s *store.Store, limiter *ratelimit.Limiter, logger *logrus.Logger, m *metrics.Metrics, auditLogger audit.Logger, allowedOrigin string) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{store: s, limiter: limiter, logger: logger, metrics: m, audit: auditLogger, allowedOrigin: allowedOrigin}
}

// logAudit is a nil-safe dispatch helper so handlers don't need to guard
// h.audit themselves.
func (h *Handler) logAudit(fn func(audit.Logger)) {
	if h.audit != nil {
		fn(h.audit)
	}
}

// RegisterRoutes wires every endpoint onto r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", metrics.ReadinessHandler(map[string]func(context.Context) error{
		"database":   h.pingDB,
		"blob_store": h.store.PingBlob,
	})).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)

	notes := r.PathPrefix("/api/notes").Subrouter()
	notes.Use(h.instrument, h.noStore)
	notes.HandleFunc("", h.withRateLimit("create", h.createNote)).Methods(http.MethodPost)
	notes.HandleFunc("/{id}/meta", h.withRateLimit("read", h.getNoteMeta)).Methods(http.MethodGet)
	notes.HandleFunc("/{id}/validate-passphrase", h.withRateLimit("validate", h.validateNotePassphrase)).Methods(http.MethodPost)
	notes.HandleFunc("/{id}/fetch", h.withRateLimit("read", h.fetchNote)).Methods(http.MethodPost)

	files := r.PathPrefix("/api/files").Subrouter()
	files.Use(h.instrument, h.noStore)
	files.HandleFunc("/upload", h.withRateLimit("create", h.uploadWholeFile)).Methods(http.MethodPost)
	files.HandleFunc("/init-chunked", h.withRateLimit("create", h.initChunkedUpload)).Methods(http.MethodPost)
	files.HandleFunc("/chunk", h.withRateLimit("create", h.uploadChunk)).Methods(http.MethodPost)
	files.HandleFunc("/chunk", h.withRateLimit("read", h.downloadChunk)).Methods(http.MethodGet)
	files.HandleFunc("/{id}/meta", h.withRateLimit("read", h.getFileMeta)).Methods(http.MethodGet)
	files.HandleFunc("/{id}/validate-passphrase", h.withRateLimit("validate", h.validateFilePassphrase)).Methods(http.MethodPost)
	files.HandleFunc("/{id}/download", h.withRateLimit("read", h.downloadWhole)).Methods(http.MethodPost)
	files.HandleFunc("/{id}/finalize", h.finalizeChunked).Methods(http.MethodPost)
	files.HandleFunc("/{id}/reveal-filename", h.withRateLimit("read", h.revealFilename)).Methods(http.MethodPost)
}

func (h *Handler) pingDB(ctx context.Context) error {
	return h.store.Ping(ctx)
}

// instrument records request count/latency/bytes via prometheus, and
// rejects cross-origin state-changing requests when allowedOrigin is set.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if h.allowedOrigin != "" && r.Method != http.MethodGet {
			origin := r.Header.Get("Origin")
			if origin != "" && origin != h.allowedOrigin {
				writeError(w, http.StatusForbidden, "cross-origin request rejected")
				h.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, http.StatusForbidden, time.Since(start), 0)
				return
			}
		}
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, rw.status, time.Since(start), rw.bytes)
	})
}

// noStore marks every response as not cacheable, since every response body
// here is either secret ciphertext or metadata about a one-time secret.
func (h *Handler) noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// withRateLimit gates fn behind the per-IP sliding window for bucket. A
// rejection carries a Retry-After header naming the number of whole seconds
// until the caller's oldest request in the window ages out.
func (h *Handler) withRateLimit(bucket string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := ratelimit.ClientIP(r)
		decision := h.limiter.Allow(r.Context(), bucket, ip)
		if !decision.Allowed {
			h.metrics.RecordRateLimitRejection(bucket)
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		fn(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

func pathID(r *http.Request) string {
	return mux.Vars(r)["id"]
}

func validID(id string) bool {
	return idPattern.MatchString(id)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes r's body into v, a small shared helper so every
// handler doesn't repeat the same json.NewDecoder call.
func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeStoreError maps the sentinel errors of internal/store to HTTP
// status codes. ErrNotFound and ErrGone are deliberately mapped to the
// same status and message (spec §7's no-enumeration-oracle requirement):
// a caller cannot distinguish "never existed" from "already consumed".
func writeStoreError(w http.ResponseWriter, logger *logrus.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrGone), errors.Is(err, store.ErrAlreadyFinalized):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, store.ErrOutOfBounds):
		writeError(w, http.StatusBadRequest, "chunk index out of bounds")
	case errors.Is(err, store.ErrExpired):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation failed")
	default:
		logger.WithError(err).Error("unhandled store error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
