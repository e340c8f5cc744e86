package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mdotk/safemonk/internal/audit"
	"github.com/mdotk/safemonk/internal/crypto"
	"github.com/mdotk/safemonk/internal/ratelimit"
	"github.com/mdotk/safemonk/internal/store"
)

// maxUploadMemory bounds how much of a multipart chunk request multipart's
// parser buffers in memory before it spills the rest to a temp file.
const maxUploadMemory = 1 << 20

type fileUploadRequest struct {
	FileName          string                `json:"file_name"`
	Ciphertext        string                `json:"ciphertext"`
	IVBase            string                `json:"iv_base"`
	SizeBytes         int64                 `json:"size_bytes"`
	ExpiresInSeconds  int                   `json:"expires_in_seconds"`
	EncryptedFilename string                `json:"encrypted_filename,omitempty"`
	FilenameIV        string                `json:"filename_iv,omitempty"`
	Passphrase        *passphraseFieldsJSON `json:"passphrase,omitempty"`
}

func (req *fileUploadRequest) decodeFilenameFields() (encryptedFilename, filenameIV []byte, err error) {
	if req.EncryptedFilename != "" {
		if encryptedFilename, err = crypto.DecodeToken(req.EncryptedFilename); err != nil {
			return nil, nil, fmt.Errorf("invalid encrypted_filename encoding")
		}
	}
	if req.FilenameIV != "" {
		if filenameIV, err = crypto.DecodeToken(req.FilenameIV); err != nil {
			return nil, nil, fmt.Errorf("invalid filename_iv encoding")
		}
	}
	return encryptedFilename, filenameIV, nil
}

type uploadWholeFileResponse struct {
	ID          string `json:"id"`
	StoragePath string `json:"storage_path"`
}

// uploadWholeFile implements create_file_whole: POST /api/files/upload.
func (h *Handler) uploadWholeFile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ip := ratelimit.ClientIP(r)
	var req fileUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ciphertext, err := crypto.DecodeToken(req.Ciphertext)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ciphertext encoding")
		return
	}
	ivBase, err := crypto.DecodeToken(req.IVBase)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid iv_base encoding")
		return
	}
	encryptedFilename, filenameIV, err := req.decodeFilenameFields()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pp, err := req.Passphrase.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid passphrase field encoding")
		return
	}

	id, err := h.store.CreateFileWhole(r.Context(), store.FileUploadParams{
		FileName:          req.FileName,
		SizeBytes:         req.SizeBytes,
		ExpiresAt:         time.Now().Add(time.Duration(req.ExpiresInSeconds) * time.Second),
		EncryptedFilename: encryptedFilename,
		FilenameIV:        filenameIV,
		Passphrase:        pp,
	}, ivBase, ciphertext)
	if err != nil {
		h.logAudit(func(a audit.Logger) { a.LogCreate("", ip, requestID(r), false, err, time.Since(start), map[string]interface{}{"total_chunks": 1}) })
		if err == store.ErrValidation {
			writeError(w, http.StatusBadRequest, "invalid file parameters")
			return
		}
		h.logger.WithError(err).Error("failed to upload whole file")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logAudit(func(a audit.Logger) { a.LogCreate(id, ip, requestID(r), true, nil, time.Since(start), map[string]interface{}{"total_chunks": 1}) })
	h.metrics.RecordFileCreated()
	writeJSON(w, http.StatusOK, uploadWholeFileResponse{ID: id, StoragePath: id})
}

type initChunkedUploadRequest struct {
	FileName          string                `json:"file_name"`
	SizeBytes         int64                 `json:"size_bytes"`
	ChunkBytes        int                   `json:"chunk_bytes"`
	TotalChunks       int                   `json:"total_chunks"`
	ExpiresInSeconds  int                   `json:"expires_in_seconds"`
	EncryptedFilename string                `json:"encrypted_filename,omitempty"`
	FilenameIV        string                `json:"filename_iv,omitempty"`
	Passphrase        *passphraseFieldsJSON `json:"passphrase,omitempty"`
}

type initChunkedUploadResponse struct {
	ID string `json:"id"`
}

// initChunkedUpload implements init_chunked_upload: POST /api/files/init-chunked.
func (h *Handler) initChunkedUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ip := ratelimit.ClientIP(r)
	var req initChunkedUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	var encryptedFilename, filenameIV []byte
	var err error
	if req.EncryptedFilename != "" {
		if encryptedFilename, err = crypto.DecodeToken(req.EncryptedFilename); err != nil {
			writeError(w, http.StatusBadRequest, "invalid encrypted_filename encoding")
			return
		}
	}
	if req.FilenameIV != "" {
		if filenameIV, err = crypto.DecodeToken(req.FilenameIV); err != nil {
			writeError(w, http.StatusBadRequest, "invalid filename_iv encoding")
			return
		}
	}
	pp, err := req.Passphrase.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid passphrase field encoding")
		return
	}

	id, err := h.store.InitFileUpload(r.Context(), store.FileUploadParams{
		FileName:          req.FileName,
		SizeBytes:         req.SizeBytes,
		ChunkBytes:        req.ChunkBytes,
		TotalChunks:       req.TotalChunks,
		ExpiresAt:         time.Now().Add(time.Duration(req.ExpiresInSeconds) * time.Second),
		EncryptedFilename: encryptedFilename,
		FilenameIV:        filenameIV,
		Passphrase:        pp,
	})
	if err != nil {
		h.logAudit(func(a audit.Logger) { a.LogCreate("", ip, requestID(r), false, err, time.Since(start), map[string]interface{}{"total_chunks": req.TotalChunks}) })
		if err == store.ErrValidation {
			writeError(w, http.StatusBadRequest, "invalid file parameters")
			return
		}
		h.logger.WithError(err).Error("failed to init chunked upload")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logAudit(func(a audit.Logger) { a.LogCreate(id, ip, requestID(r), true, nil, time.Since(start), map[string]interface{}{"total_chunks": req.TotalChunks}) })
	writeJSON(w, http.StatusOK, initChunkedUploadResponse{ID: id})
}

// multipartField reads one text field of a parsed multipart form, returning
// an error naming the field when it is missing.
func multipartField(form *multipart.Form, name string) (string, error) {
	vals := form.Value[name]
	if len(vals) == 0 || vals[0] == "" {
		return "", fmt.Errorf("missing %s field", name)
	}
	return vals[0], nil
}

type chunkUploadResponse struct {
	OK bool `json:"ok"`
}

// uploadChunk implements upload_chunk: POST /api/files/chunk, a multipart
// form carrying the chunk field "chunk" alongside "index", "total", "fileId"
// and, on chunk 0, "iv_base_b64u".
func (h *Handler) uploadChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}
	form := r.MultipartForm
	defer form.RemoveAll()

	fileID, err := multipartField(form, "fileId")
	if err != nil || !validID(fileID) {
		writeStoreError(w, h.logger, store.ErrNotFound)
		return
	}
	indexStr, err := multipartField(form, "index")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}
	index, err := strconv.Atoi(indexStr)
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}
	totalStr, err := multipartField(form, "total")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid total chunk count")
		return
	}
	total, err := strconv.Atoi(totalStr)
	if err != nil || total < 1 {
		writeError(w, http.StatusBadRequest, "invalid total chunk count")
		return
	}

	var ivBase []byte
	if index == 0 {
		encoded, err := multipartField(form, "iv_base_b64u")
		if err != nil {
			writeError(w, http.StatusBadRequest, "iv_base_b64u required on chunk 0")
			return
		}
		ivBase, err = crypto.DecodeToken(encoded)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid iv_base_b64u encoding")
			return
		}
	}

	files := form.File["chunk"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "missing chunk field")
		return
	}
	part, err := files[0].Open()
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read chunk field")
		return
	}
	defer part.Close()
	data, err := io.ReadAll(part)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read chunk body")
		return
	}

	if err := h.store.UploadChunk(r.Context(), fileID, index, total, data, ivBase); err != nil {
		writeStoreError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, chunkUploadResponse{OK: true})
}

type passphraseMetaJSON struct {
	EncryptionSalt string `json:"encryption_salt"`
	ValidationSalt string `json:"validation_salt"`
	Iterations     int    `json:"iterations"`
}

type fileMetaResponse struct {
	FileName          string              `json:"file_name"`
	SizeBytes         int64               `json:"size_bytes"`
	ChunkBytes        int                 `json:"chunk_bytes"`
	TotalChunks       int                 `json:"total_chunks"`
	EncryptedFilename string              `json:"encrypted_filename,omitempty"`
	FilenameIV        string              `json:"filename_iv,omitempty"`
	IVBase            string              `json:"iv_base,omitempty"`
	Passphrase        *passphraseMetaJSON `json:"passphrase,omitempty"`
	DownloadToken     string              `json:"downloadToken"`
	TokenExpiresAt    string              `json:"tokenExpiresAt"`
}

// getFileMeta implements get_file_meta: GET /api/files/{id}/meta.
func (h *Handler) getFileMeta(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if !validID(id) {
		writeStoreError(w, h.logger, store.ErrNotFound)
		return
	}
	meta, err := h.store.GetFileMeta(r.Context(), id)
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}
	resp := fileMetaResponse{
		FileName:          meta.FileName,
		SizeBytes:         meta.SizeBytes,
		ChunkBytes:        meta.ChunkBytes,
		TotalChunks:       meta.TotalChunks,
		EncryptedFilename: crypto.EncodeToken(meta.EncryptedFilename),
		FilenameIV:        crypto.EncodeToken(meta.FilenameIV),
		IVBase:            crypto.EncodeToken(meta.IVBase),
		DownloadToken:     meta.Token.Token,
		TokenExpiresAt:    meta.Token.ExpiresAt.Format(time.RFC3339),
	}
	if meta.IsPassphraseMode {
		resp.Passphrase = &passphraseMetaJSON{
			EncryptionSalt: crypto.EncodeToken(meta.EncryptionSalt),
			ValidationSalt: crypto.EncodeToken(meta.ValidationSalt),
			Iterations:     meta.KDFIterations,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// validateFilePassphrase implements POST /api/files/{id}/validate-passphrase.
func (h *Handler) validateFilePassphrase(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if !validID(id) {
		writeJSON(w, http.StatusOK, validatePassphraseResponse{Valid: false})
		return
	}
	var req validatePassphraseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	hash, err := crypto.DecodeToken(req.ValidationHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid validation_hash encoding")
		return
	}
	ok, err := h.store.ValidateFilePassphrase(r.Context(), id, hash)
	if err != nil {
		h.logger.WithError(err).Error("failed to validate file passphrase")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, validatePassphraseResponse{Valid: ok})
}

type downloadWholeRequest struct {
	Token string `json:"token"`
}

// downloadWhole implements download_whole: POST /api/files/{id}/download.
// The response carries the sender-chosen, non-sensitive placeholder name
// (never the decrypted real name, which only the recipient's browser ever
// sees) in Content-Disposition.
func (h *Handler) downloadWhole(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := pathID(r)
	ip := ratelimit.ClientIP(r)
	if !validID(id) {
		h.logAudit(func(a audit.Logger) { a.LogBurn(id, ip, requestID(r), false, store.ErrGone, time.Since(start)) })
		writeStoreError(w, h.logger, store.ErrGone)
		return
	}
	var req downloadWholeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	data, _, fileName, err := h.store.DownloadWhole(r.Context(), id, req.Token)
	if err != nil {
		h.logAudit(func(a audit.Logger) { a.LogBurn(id, ip, requestID(r), false, err, time.Since(start)) })
		writeStoreError(w, h.logger, err)
		return
	}
	h.logAudit(func(a audit.Logger) { a.LogBurn(id, ip, requestID(r), true, nil, time.Since(start)) })
	h.metrics.RecordFileDownload()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(fileName)))
	_, _ = w.Write(data)
}

// downloadChunk implements download_chunk: GET /api/files/chunk?fileId&index&downloadToken.
func (h *Handler) downloadChunk(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fileID := q.Get("fileId")
	if !validID(fileID) {
		writeStoreError(w, h.logger, store.ErrGone)
		return
	}
	index, err := strconv.Atoi(q.Get("index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}
	token := q.Get("downloadToken")
	data, err := h.store.DownloadChunk(r.Context(), fileID, token, index)
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

type finalizeRequest struct {
	Token string `json:"token"`
}

type finalizeResponse struct {
	Success       bool `json:"success"`
	ChunksDeleted int  `json:"chunksDeleted"`
}

// finalizeChunked implements POST /api/files/{id}/finalize. It is idempotent
// by design: a file already torn down by a prior finalize call, or reclaimed
// by the sweeper in a finalize/expiry race, reports success with
// chunksDeleted 0 rather than an error, since the caller's desired end state
// already holds.
func (h *Handler) finalizeChunked(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := pathID(r)
	ip := ratelimit.ClientIP(r)
	if !validID(id) {
		h.logAudit(func(a audit.Logger) { a.LogFinalize(id, ip, requestID(r), true, nil, time.Since(start)) })
		writeJSON(w, http.StatusOK, finalizeResponse{Success: true, ChunksDeleted: 0})
		return
	}
	var req finalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	chunksDeleted, err := h.store.FinalizeChunked(r.Context(), id, req.Token)
	if err != nil {
		h.logAudit(func(a audit.Logger) { a.LogFinalize(id, ip, requestID(r), false, err, time.Since(start)) })
		writeStoreError(w, h.logger, err)
		return
	}
	h.logAudit(func(a audit.Logger) { a.LogFinalize(id, ip, requestID(r), true, nil, time.Since(start)) })
	writeJSON(w, http.StatusOK, finalizeResponse{Success: true, ChunksDeleted: chunksDeleted})
}

type revealFilenameResponse struct {
	EncryptedFilename string `json:"encrypted_filename"`
	FilenameIV        string `json:"filename_iv"`
}

// revealFilename implements POST /api/files/{id}/reveal-filename: a
// documented no-op alias of the encrypted-filename fields already returned
// by get_file_meta, for an explicit "show real name" UI gesture. The server
// never decrypts the name; it only ever hands back the same ciphertext.
func (h *Handler) revealFilename(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if !validID(id) {
		writeStoreError(w, h.logger, store.ErrNotFound)
		return
	}
	encryptedFilename, filenameIV, err := h.store.GetEncryptedFilename(r.Context(), id)
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, revealFilenameResponse{
		EncryptedFilename: crypto.EncodeToken(encryptedFilename),
		FilenameIV:        crypto.EncodeToken(filenameIV),
	})
}
