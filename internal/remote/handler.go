package remote

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type handler struct {
	backend Client
	token   string
	logger  *zap.Logger
}

// HandlerOption configures NewHandler.
type HandlerOption func(*handler)

// WithRequiredToken rejects requests without the matching bearer token.
func WithRequiredToken(token string) HandlerOption {
	return func(h *handler) { h.token = token }
}

// NewHandler serves backend over the JSON HTTP binding.
func NewHandler(backend Client, logger *zap.Logger, opts ...HandlerOption) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{backend: backend, logger: logger.Named("remote")}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+mutatePath, h.mutate)
	mux.HandleFunc("POST "+changesPath, h.changes)
	return h.auth(mux)
}

func (h *handler) auth(next http.Handler) http.Handler {
	if h.token == "" {
		return next
	}
	want := []byte("Bearer " + h.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(w, http.StatusUnauthorized, MutateResult{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) mutate(w http.ResponseWriter, r *http.Request) {
	var req MutateRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, MutateResult{Error: err.Error()})
		return
	}

	header := r.Header.Get(IdempotencyHeader)
	switch {
	case req.IdempotencyKey == "":
		req.IdempotencyKey = header
	case header != "" && header != req.IdempotencyKey:
		writeJSON(w, http.StatusBadRequest, MutateResult{Error: "idempotency key mismatch"})
		return
	}

	res, err := h.backend.Mutate(r.Context(), req)
	if err != nil {
		h.logger.Error("mutate failed", zap.String("key", req.IdempotencyKey), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, MutateResult{Error: err.Error()})
		return
	}

	status := http.StatusOK
	outcome := "applied"
	switch {
	case res.Conflict != nil:
		status, outcome = http.StatusConflict, "conflict"
	case res.Error != "":
		status, outcome = http.StatusUnprocessableEntity, "error"
	}
	h.logger.Debug("mutate",
		zap.String("key", req.IdempotencyKey),
		zap.String("target", req.TargetType+"/"+req.TargetID),
		zap.String("outcome", outcome),
	)
	writeJSON(w, status, res)
}

func (h *handler) changes(w http.ResponseWriter, r *http.Request) {
	var req ChangesRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, MutateResult{Error: err.Error()})
		return
	}

	res, err := h.backend.Changes(r.Context(), req)
	if errors.Is(err, ErrInvalidCursor) {
		writeJSON(w, http.StatusBadRequest, MutateResult{Error: err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("changes failed", zap.String("since", req.Since), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, MutateResult{Error: err.Error()})
		return
	}
	h.logger.Debug("changes",
		zap.String("since", req.Since),
		zap.String("cursor", res.Cursor),
		zap.Int("count", len(res.Changes)),
	)
	writeJSON(w, http.StatusOK, res)
}

func decodeBody(r *http.Request, v any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return errors.New("content type must be application/json")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
