package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mdotk/safemonk/internal/audit"
	"github.com/mdotk/safemonk/internal/crypto"
	"github.com/mdotk/safemonk/internal/ratelimit"
	"github.com/mdotk/safemonk/internal/store"
)

// requestID returns the X-Request-ID header, if the caller or a fronting
// proxy set one, for correlating audit events with access logs.
func requestID(r *http.Request) string {
	return r.Header.Get("X-Request-ID")
}

// passphraseFieldsJSON is the wire shape of store.PassphraseFields. Every
// field is URL-safe, unpadded base64 (crypto.EncodeToken/DecodeToken), per
// the data model's wire-format invariant.
type passphraseFieldsJSON struct {
	EncryptionSalt string `json:"encryption_salt"`
	ValidationSalt string `json:"validation_salt"`
	KDFIterations  int    `json:"kdf_iterations"`
	ValidationHash string `json:"validation_hash"`
}

func (p *passphraseFieldsJSON) decode() (*store.PassphraseFields, error) {
	if p == nil {
		return nil, nil
	}
	encSalt, err := crypto.DecodeToken(p.EncryptionSalt)
	if err != nil {
		return nil, err
	}
	valSalt, err := crypto.DecodeToken(p.ValidationSalt)
	if err != nil {
		return nil, err
	}
	hash, err := crypto.DecodeToken(p.ValidationHash)
	if err != nil {
		return nil, err
	}
	return &store.PassphraseFields{
		EncryptionSalt: encSalt,
		ValidationSalt: valSalt,
		KDFIterations:  p.KDFIterations,
		PassphraseHash: hash,
	}, nil
}

type createNoteRequest struct {
	Ciphertext       string                `json:"ciphertext"`
	IV               string                `json:"iv"`
	ExpiresInSeconds int                   `json:"expires_in_seconds"`
	Views            int                   `json:"views"`
	Passphrase       *passphraseFieldsJSON `json:"passphrase,omitempty"`
}

type createNoteResponse struct {
	ID string `json:"id"`
}

func (h *Handler) createNote(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req createNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ciphertext, err := crypto.DecodeToken(req.Ciphertext)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ciphertext encoding")
		return
	}
	iv, err := crypto.DecodeToken(req.IV)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid iv encoding")
		return
	}
	pp, err := req.Passphrase.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid passphrase field encoding")
		return
	}

	expiresAt := time.Now().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
	id, err := h.store.CreateNote(r.Context(), ciphertext, iv, expiresAt, req.Views, pp)
	ip := ratelimit.ClientIP(r)
	if err != nil {
		h.logAudit(func(a audit.Logger) { a.LogCreate("", ip, requestID(r), false, err, time.Since(start), map[string]interface{}{"views": req.Views}) })
		if err == store.ErrValidation {
			writeError(w, http.StatusBadRequest, "invalid note parameters")
			return
		}
		h.logger.WithError(err).Error("failed to create note")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logAudit(func(a audit.Logger) { a.LogCreate(id, ip, requestID(r), true, nil, time.Since(start), map[string]interface{}{"views": req.Views}) })
	h.metrics.RecordNoteCreated()
	writeJSON(w, http.StatusOK, createNoteResponse{ID: id})
}

type noteMetaResponse struct {
	EncryptionSalt string `json:"encryption_salt"`
	ValidationSalt string `json:"validation_salt"`
	Iterations     int    `json:"iterations"`
}

func (h *Handler) getNoteMeta(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if !validID(id) {
		writeStoreError(w, h.logger, store.ErrNotFound)
		return
	}
	encSalt, valSalt, iterations, err := h.store.GetNoteMeta(r.Context(), id)
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, noteMetaResponse{
		EncryptionSalt: crypto.EncodeToken(encSalt),
		ValidationSalt: crypto.EncodeToken(valSalt),
		Iterations:     iterations,
	})
}

type validatePassphraseRequest struct {
	ValidationHash string `json:"validation_hash"`
}

type validatePassphraseResponse struct {
	Valid bool `json:"valid"`
}

func (h *Handler) validateNotePassphrase(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := pathID(r)
	ip := ratelimit.ClientIP(r)
	if !validID(id) {
		writeJSON(w, http.StatusOK, validatePassphraseResponse{Valid: false})
		return
	}
	var req validatePassphraseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	hash, err := crypto.DecodeToken(req.ValidationHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid validation_hash encoding")
		return
	}
	ok, err := h.store.ValidateNotePassphrase(r.Context(), id, hash)
	if err != nil {
		h.logAudit(func(a audit.Logger) { a.LogValidate(id, ip, requestID(r), false, err, time.Since(start)) })
		h.logger.WithError(err).Error("failed to validate note passphrase")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.logAudit(func(a audit.Logger) { a.LogValidate(id, ip, requestID(r), ok, nil, time.Since(start)) })
	writeJSON(w, http.StatusOK, validatePassphraseResponse{Valid: ok})
}

type fetchNoteResponse struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// fetchNote implements burn_and_fetch_note: POST /api/notes/{id}/fetch.
func (h *Handler) fetchNote(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := pathID(r)
	ip := ratelimit.ClientIP(r)
	if !validID(id) {
		h.logAudit(func(a audit.Logger) { a.LogBurn(id, ip, requestID(r), false, store.ErrGone, time.Since(start)) })
		writeStoreError(w, h.logger, store.ErrGone)
		return
	}
	ciphertext, iv, err := h.store.BurnAndFetchNote(r.Context(), id)
	if err != nil {
		h.logAudit(func(a audit.Logger) { a.LogBurn(id, ip, requestID(r), false, err, time.Since(start)) })
		writeStoreError(w, h.logger, err)
		return
	}
	h.logAudit(func(a audit.Logger) { a.LogBurn(id, ip, requestID(r), true, nil, time.Since(start)) })
	h.metrics.RecordBurnFetch()
	writeJSON(w, http.StatusOK, fetchNoteResponse{
		Ciphertext: crypto.EncodeToken(ciphertext),
		IV:         crypto.EncodeToken(iv),
	})
}
