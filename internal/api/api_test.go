package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mdotk/safemonk/internal/audit"
	"github.com/mdotk/safemonk/internal/blob"
	"github.com/mdotk/safemonk/internal/crypto"
	"github.com/mdotk/safemonk/internal/metrics"
	"github.com/mdotk/safemonk/internal/ratelimit"
	"github.com/mdotk/safemonk/internal/store"
)

const testSchema = `
CREATE TABLE IF NOT EXISTS notes (
    id              TEXT PRIMARY KEY,
    ciphertext      BLOB NOT NULL,
    iv              BLOB NOT NULL,
    created_at      DATETIME NOT NULL,
    expires_at      DATETIME NOT NULL,
    views_left      INTEGER NOT NULL,
    encryption_salt BLOB,
    validation_salt BLOB,
    kdf_iterations  INTEGER,
    passphrase_hash BLOB
);

CREATE TABLE IF NOT EXISTS files (
    id                  TEXT PRIMARY KEY,
    created_at          DATETIME NOT NULL,
    expires_at          DATETIME NOT NULL,
    encryption_salt     BLOB,
    validation_salt     BLOB,
    kdf_iterations      INTEGER,
    passphrase_hash     BLOB,
    file_name           TEXT NOT NULL,
    size_bytes          BIGINT NOT NULL,
    chunk_bytes         INTEGER NOT NULL,
    total_chunks        INTEGER NOT NULL,
    iv_base             BLOB,
    storage_path        TEXT NOT NULL,
    encrypted_filename  BLOB,
    filename_iv         BLOB,
    finalized           BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS download_tokens (
    token         TEXT PRIMARY KEY,
    file_id       TEXT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    created_at    DATETIME NOT NULL,
    expires_at    DATETIME NOT NULL,
    used          BOOLEAN NOT NULL DEFAULT 0,
    is_multi_use  BOOLEAN NOT NULL
);
`

func newTestHandler(t *testing.T, allowedOrigin string) *Handler {
	h, _ := newTestHandlerWithAudit(t, allowedOrigin)
	return h
}

func newTestHandlerWithAudit(t *testing.T, allowedOrigin string) (*Handler, audit.Logger) {
	t.Helper()

	db, err := sqlx.Open("sqlite3", "file::memory:?cache=shared&_foreign_keys=on&_busy_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(8)
	t.Cleanup(func() { db.Close() })

	blobStore, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	s := store.New(db, blobStore, logger)
	require.NoError(t, s.Migrate(testSchema))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })
	limiter := ratelimit.New(redisClient, time.Minute, map[string]int{"create": 100, "validate": 100, "read": 100}, logger)

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	auditLogger := audit.NewLogger(100, nil)
	return New(s, limiter, logger, m, auditLogger, allowedOrigin), auditLogger
}

func newTestServer(t *testing.T, allowedOrigin string) (*httptest.Server, *Handler) {
	h := newTestHandler(t, allowedOrigin)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, h
}

func newTestServerWithAudit(t *testing.T, allowedOrigin string) (*httptest.Server, audit.Logger) {
	h, auditLogger := newTestHandlerWithAudit(t, allowedOrigin)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, auditLogger
}

// b64 is shorthand for the wire format every field in this protocol uses:
// URL-safe, unpadded base64.
func b64(b []byte) string { return crypto.EncodeToken(b) }

func TestCreateAndFetchNote_LinkWithKeyRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, "")

	body, _ := json.Marshal(createNoteRequest{
		Ciphertext:       b64([]byte("top secret")),
		IV:               b64([]byte("iv-bytes12")),
		ExpiresInSeconds: 3600,
		Views:            1,
	})
	resp, err := http.Post(srv.URL+"/api/notes", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created createNoteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)

	fetchResp, err := http.Post(srv.URL+"/api/notes/"+created.ID+"/fetch", "application/json", nil)
	require.NoError(t, err)
	defer fetchResp.Body.Close()
	require.Equal(t, http.StatusOK, fetchResp.StatusCode)

	var fetched fetchNoteResponse
	require.NoError(t, json.NewDecoder(fetchResp.Body).Decode(&fetched))
	ct, err := crypto.DecodeToken(fetched.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "top secret", string(ct))

	secondFetch, err := http.Post(srv.URL+"/api/notes/"+created.ID+"/fetch", "application/json", nil)
	require.NoError(t, err)
	defer secondFetch.Body.Close()
	assert.Equal(t, http.StatusNotFound, secondFetch.StatusCode)
}

func TestValidateNotePassphrase_WrongThenRight(t *testing.T) {
	srv, _ := newTestServer(t, "")

	body, _ := json.Marshal(createNoteRequest{
		Ciphertext:       b64([]byte("secret")),
		IV:               b64([]byte("iv-bytes12")),
		ExpiresInSeconds: 3600,
		Views:            5,
		Passphrase: &passphraseFieldsJSON{
			EncryptionSalt: b64([]byte("encryption-salt1")),
			ValidationSalt: b64([]byte("validation-salt1")),
			KDFIterations:  210_000,
			ValidationHash: b64([]byte("correct-hash-bytes")),
		},
	})
	resp, err := http.Post(srv.URL+"/api/notes", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var created createNoteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	wrongBody, _ := json.Marshal(validatePassphraseRequest{ValidationHash: b64([]byte("wrong-hash"))})
	wrongResp, err := http.Post(srv.URL+"/api/notes/"+created.ID+"/validate-passphrase", "application/json", bytes.NewReader(wrongBody))
	require.NoError(t, err)
	defer wrongResp.Body.Close()
	var wrongResult validatePassphraseResponse
	require.NoError(t, json.NewDecoder(wrongResp.Body).Decode(&wrongResult))
	assert.False(t, wrongResult.Valid)

	rightBody, _ := json.Marshal(validatePassphraseRequest{ValidationHash: b64([]byte("correct-hash-bytes"))})
	rightResp, err := http.Post(srv.URL+"/api/notes/"+created.ID+"/validate-passphrase", "application/json", bytes.NewReader(rightBody))
	require.NoError(t, err)
	defer rightResp.Body.Close()
	var rightResult validatePassphraseResponse
	require.NoError(t, json.NewDecoder(rightResp.Body).Decode(&rightResult))
	assert.True(t, rightResult.Valid)
}

func TestCreateNote_RejectsCrossOriginRequest(t *testing.T) {
	srv, _ := newTestServer(t, "https://safemonk.example")

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/notes", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCreateNote_SameOriginAllowed(t *testing.T) {
	srv, _ := newTestServer(t, "https://safemonk.example")

	body, _ := json.Marshal(createNoteRequest{
		Ciphertext:       b64([]byte("x")),
		IV:               b64([]byte("iv-bytes12")),
		ExpiresInSeconds: 60,
		Views:            1,
	})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/notes", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Origin", "https://safemonk.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// multipartChunkBody builds the multipart/form-data body upload_chunk expects:
// fields fileId/index/total/[iv_base_b64u] plus a "chunk" file part.
func multipartChunkBody(t *testing.T, fileID string, index, total int, ivBaseB64u string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	require.NoError(t, w.WriteField("fileId", fileID))
	require.NoError(t, w.WriteField("index", strconv.Itoa(index)))
	require.NoError(t, w.WriteField("total", strconv.Itoa(total)))
	if ivBaseB64u != "" {
		require.NoError(t, w.WriteField("iv_base_b64u", ivBaseB64u))
	}
	part, err := w.CreateFormFile("chunk", "chunk.bin")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestFileUploadDownloadFinalize_ChunkedRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, "")

	initBody, _ := json.Marshal(initChunkedUploadRequest{
		FileName:         "report.pdf",
		SizeBytes:        6,
		ChunkBytes:       3,
		TotalChunks:      2,
		ExpiresInSeconds: 3600,
	})
	initResp, err := http.Post(srv.URL+"/api/files/init-chunked", "application/json", bytes.NewReader(initBody))
	require.NoError(t, err)
	defer initResp.Body.Close()
	require.Equal(t, http.StatusOK, initResp.StatusCode)
	var created initChunkedUploadResponse
	require.NoError(t, json.NewDecoder(initResp.Body).Decode(&created))

	body0, contentType0 := multipartChunkBody(t, created.ID, 0, 2, b64([]byte("iv-base-12-b")), []byte("abc"))
	chunk0Resp, err := http.Post(srv.URL+"/api/files/chunk", contentType0, body0)
	require.NoError(t, err)
	defer chunk0Resp.Body.Close()
	require.Equal(t, http.StatusOK, chunk0Resp.StatusCode)

	body1, contentType1 := multipartChunkBody(t, created.ID, 1, 2, "", []byte("def"))
	chunk1Resp, err := http.Post(srv.URL+"/api/files/chunk", contentType1, body1)
	require.NoError(t, err)
	defer chunk1Resp.Body.Close()
	require.Equal(t, http.StatusOK, chunk1Resp.StatusCode)

	metaResp, err := http.Get(srv.URL + "/api/files/" + created.ID + "/meta")
	require.NoError(t, err)
	defer metaResp.Body.Close()
	require.Equal(t, http.StatusOK, metaResp.StatusCode)
	var meta fileMetaResponse
	require.NoError(t, json.NewDecoder(metaResp.Body).Decode(&meta))
	assert.Equal(t, 2, meta.TotalChunks)

	chunk0Dl, err := http.Get(srv.URL + "/api/files/chunk?fileId=" + created.ID + "&index=0&downloadToken=" + meta.DownloadToken)
	require.NoError(t, err)
	defer chunk0Dl.Body.Close()
	require.Equal(t, http.StatusOK, chunk0Dl.StatusCode)

	finalizeBody, _ := json.Marshal(finalizeRequest{Token: meta.DownloadToken})
	finalizeResp, err := http.Post(srv.URL+"/api/files/"+created.ID+"/finalize", "application/json", bytes.NewReader(finalizeBody))
	require.NoError(t, err)
	defer finalizeResp.Body.Close()
	require.Equal(t, http.StatusOK, finalizeResp.StatusCode)
	var finalized finalizeResponse
	require.NoError(t, json.NewDecoder(finalizeResp.Body).Decode(&finalized))
	assert.True(t, finalized.Success)
	assert.Equal(t, 2, finalized.ChunksDeleted)

	secondFinalize, err := http.Post(srv.URL+"/api/files/"+created.ID+"/finalize", "application/json", bytes.NewReader(finalizeBody))
	require.NoError(t, err)
	defer secondFinalize.Body.Close()
	require.Equal(t, http.StatusOK, secondFinalize.StatusCode, "finalizing an already-torn-down file is idempotent success, not 404")
	var secondResult finalizeResponse
	require.NoError(t, json.NewDecoder(secondFinalize.Body).Decode(&secondResult))
	assert.True(t, secondResult.Success)
	assert.Zero(t, secondResult.ChunksDeleted)
}

func TestUploadWholeFile_DownloadSetsContentDisposition(t *testing.T) {
	srv, _ := newTestServer(t, "")

	body, _ := json.Marshal(fileUploadRequest{
		FileName:         "notes.txt",
		Ciphertext:       b64([]byte("whole file contents")),
		IVBase:           b64([]byte("iv-base-12-b")),
		SizeBytes:        20,
		ExpiresInSeconds: 3600,
	})
	uploadResp, err := http.Post(srv.URL+"/api/files/upload", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer uploadResp.Body.Close()
	require.Equal(t, http.StatusOK, uploadResp.StatusCode)
	var uploaded uploadWholeFileResponse
	require.NoError(t, json.NewDecoder(uploadResp.Body).Decode(&uploaded))
	assert.NotEmpty(t, uploaded.StoragePath)

	metaResp, err := http.Get(srv.URL + "/api/files/" + uploaded.ID + "/meta")
	require.NoError(t, err)
	defer metaResp.Body.Close()
	var meta fileMetaResponse
	require.NoError(t, json.NewDecoder(metaResp.Body).Decode(&meta))

	dlBody, _ := json.Marshal(downloadWholeRequest{Token: meta.DownloadToken})
	dlResp, err := http.Post(srv.URL+"/api/files/"+uploaded.ID+"/download", "application/json", bytes.NewReader(dlBody))
	require.NoError(t, err)
	defer dlResp.Body.Close()
	require.Equal(t, http.StatusOK, dlResp.StatusCode)
	assert.Equal(t, "application/octet-stream", dlResp.Header.Get("Content-Type"))
	assert.Contains(t, dlResp.Header.Get("Content-Disposition"), "filename*=UTF-8''notes.txt")
}

func TestRevealFilename_ReturnsEncryptedFieldsUnchanged(t *testing.T) {
	srv, _ := newTestServer(t, "")

	body, _ := json.Marshal(fileUploadRequest{
		FileName:          "photo.jpg",
		Ciphertext:        b64([]byte("whole file contents")),
		IVBase:            b64([]byte("iv-base-12-b")),
		SizeBytes:         20,
		ExpiresInSeconds:  3600,
		EncryptedFilename: b64([]byte("encrypted-name-bytes")),
		FilenameIV:        b64([]byte("filename-iv1")),
	})
	uploadResp, err := http.Post(srv.URL+"/api/files/upload", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer uploadResp.Body.Close()
	var uploaded uploadWholeFileResponse
	require.NoError(t, json.NewDecoder(uploadResp.Body).Decode(&uploaded))

	revealResp, err := http.Post(srv.URL+"/api/files/"+uploaded.ID+"/reveal-filename", "application/json", nil)
	require.NoError(t, err)
	defer revealResp.Body.Close()
	require.Equal(t, http.StatusOK, revealResp.StatusCode)
	var revealed revealFilenameResponse
	require.NoError(t, json.NewDecoder(revealResp.Body).Decode(&revealed))
	assert.Equal(t, b64([]byte("encrypted-name-bytes")), revealed.EncryptedFilename)
	assert.Equal(t, b64([]byte("filename-iv1")), revealed.FilenameIV)
}

func TestCreateNote_RateLimitRejectionSetsRetryAfter(t *testing.T) {
	h, _ := newTestHandlerWithAudit(t, "")
	h.limiter = ratelimit.New(redisClientForTest(t), time.Minute, map[string]int{"create": 1}, h.logger)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	body, _ := json.Marshal(createNoteRequest{
		Ciphertext:       b64([]byte("x")),
		IV:               b64([]byte("iv-bytes12")),
		ExpiresInSeconds: 60,
		Views:            1,
	})

	firstResp, err := http.Post(srv.URL+"/api/notes", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer firstResp.Body.Close()
	require.Equal(t, http.StatusOK, firstResp.StatusCode)

	secondResp, err := http.Post(srv.URL+"/api/notes", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer secondResp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, secondResp.StatusCode)
	assert.NotEmpty(t, secondResp.Header.Get("Retry-After"))
}

func redisClientForTest(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCreateAndFetchNote_EmitsAuditEvents(t *testing.T) {
	srv, auditLogger := newTestServerWithAudit(t, "")

	body, _ := json.Marshal(createNoteRequest{
		Ciphertext:       b64([]byte("secret")),
		IV:               b64([]byte("iv-bytes12")),
		ExpiresInSeconds: 3600,
		Views:            1,
	})
	resp, err := http.Post(srv.URL+"/api/notes", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var created createNoteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	fetchResp, err := http.Post(srv.URL+"/api/notes/"+created.ID+"/fetch", "application/json", nil)
	require.NoError(t, err)
	defer fetchResp.Body.Close()

	events := auditLogger.GetEvents()
	require.Len(t, events, 2)
	assert.Equal(t, "create", events[0].Operation)
	assert.True(t, events[0].Success)
	assert.Equal(t, "burn", events[1].Operation)
	assert.True(t, events[1].Success)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
