package handler_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyface-de/ingest-storage/internal/config"
	"github.com/cyface-de/ingest-storage/internal/handler"
	"github.com/cyface-de/ingest-storage/internal/ingesterr"
	"github.com/cyface-de/ingest-storage/internal/metadata"
	"github.com/cyface-de/ingest-storage/internal/store"
	"github.com/cyface-de/ingest-storage/internal/upload"
)

// fakeBackend is a hand-faked store.Service, in the teacher's style of
// preferring small bespoke fakes over a mocking framework.
type fakeBackend struct {
	data        map[string][]byte // uploadIdentifier -> accepted bytes so far
	storedKeys  map[string]bool   // "deviceId/measurementId/fileType" -> exists
	storeErr    error
	isStoredErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: map[string][]byte{}, storedKeys: map[string]bool{}}
}

func dedupKey(deviceID, measurementID, fileType string) string {
	return deviceID + "/" + measurementID + "/" + fileType
}

func (f *fakeBackend) Store(ctx context.Context, source io.Reader, from, to, total int64, sess *upload.Session) (store.Status, error) {
	if f.storeErr != nil {
		return store.Status{}, f.storeErr
	}
	current := f.data[sess.Identifier]
	if int64(len(current)) != from {
		return store.Status{}, &ingesterr.Error{Kind: ingesterr.KindOffsetMismatch, Msg: "offset mismatch"}
	}
	b, err := io.ReadAll(source)
	if err != nil {
		return store.Status{}, ingesterr.Wrap(ingesterr.KindIO, err)
	}
	current = append(current, b...)
	f.data[sess.Identifier] = current
	if int64(len(current))-1 != to {
		return store.Status{}, ingesterr.New(ingesterr.KindContentRangeMismatch, "mismatch")
	}
	if int64(len(current)) == total {
		f.storedKeys[dedupKey(sess.MetaData.DeviceID, sess.MetaData.MeasurementID, sess.FileType)] = true
		return store.Status{Type: store.StatusComplete, UploadIdentifier: sess.Identifier, ByteSize: int64(len(current))}, nil
	}
	return store.Status{Type: store.StatusIncomplete, UploadIdentifier: sess.Identifier, ByteSize: int64(len(current))}, nil
}

func (f *fakeBackend) BytesUploaded(ctx context.Context, uploadIdentifier string) (int64, error) {
	return int64(len(f.data[uploadIdentifier])), nil
}

func (f *fakeBackend) IsStored(ctx context.Context, deviceID, measurementID, fileType string) (bool, error) {
	if f.isStoredErr != nil {
		return false, f.isStoredErr
	}
	return f.storedKeys[dedupKey(deviceID, measurementID, fileType)], nil
}

func (f *fakeBackend) Clean(uploadIdentifier string) error {
	delete(f.data, uploadIdentifier)
	return nil
}

func (f *fakeBackend) StartPeriodicCleaning(ctx context.Context, interval time.Duration, cleanupOp func()) {}

type fakeReadiness struct{}

func (fakeReadiness) Ready(ctx context.Context) (bool, string) { return true, "" }

func newTestHandler(t *testing.T, backend *fakeBackend) (http.Handler, *upload.Store) {
	t.Helper()
	sessions, err := upload.NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	cfg := &config.Config{
		HTTPEndpoint:            "/api/v3",
		MeasurementPayloadLimit: 1024,
	}
	h := handler.New(cfg, sessions, backend, fakeReadiness{}, zerolog.Nop())
	return h, sessions
}

func validMetadataJSON() string {
	return `{"deviceId":"78370516-4f7e-11ed-bdc3-0242ac120002","measurementId":"1",` +
		`"osVersion":"14","deviceType":"Pixel","applicationVersion":"1.0",` +
		`"length":0,"locationCount":0,"modality":"BICYCLE","formatVersion":3}`
}

func TestPreRequestMeasurement_Accepted(t *testing.T) {
	h, _ := newTestHandler(t, newFakeBackend())

	req := httptest.NewRequest(http.MethodPost, "/api/v3/measurements", strings.NewReader(validMetadataJSON()))
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	loc := rr.Header().Get("Location")
	assert.Contains(t, loc, "/api/v3/measurements/(")
	assert.True(t, strings.HasSuffix(loc, ")/"))
}

func TestPreRequestMeasurement_InvalidMetadataRejected(t *testing.T) {
	h, _ := newTestHandler(t, newFakeBackend())

	body := `{"deviceId":"not-a-uuid","measurementId":"1","formatVersion":3}`
	req := httptest.NewRequest(http.MethodPost, "/api/v3/measurements", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestPreRequestMeasurement_DuplicateRejected(t *testing.T) {
	backend := newFakeBackend()
	backend.storedKeys[dedupKey("78370516-4f7e-11ed-bdc3-0242ac120002", "1", metadata.FileTypeMeasurement)] = true
	h, _ := newTestHandler(t, backend)

	req := httptest.NewRequest(http.MethodPost, "/api/v3/measurements", strings.NewReader(validMetadataJSON()))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v3/measurements", strings.NewReader(validMetadataJSON()))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	loc := rr.Header().Get("Location")
	// loc looks like http://example.com/api/v3/measurements/(<32hex>)/
	idx := strings.Index(loc, "(")
	end := strings.Index(loc, ")")
	require.True(t, idx >= 0 && end > idx)
	return loc[idx+1 : end]
}

func sessionPath(sid string) string {
	return "/api/v3/measurements/(" + sid + ")/"
}

func TestStatus_EmptySession(t *testing.T) {
	h, _ := newTestHandler(t, newFakeBackend())
	sid := createSession(t, h)

	req := httptest.NewRequest(http.MethodPut, sessionPath(sid), nil)
	req.Header.Set("Content-Range", "bytes */20")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusPermanentRedirect, rr.Code)
	assert.Empty(t, rr.Header().Get("Range"))
}

func TestChunk_SequentialThenComplete(t *testing.T) {
	h, _ := newTestHandler(t, newFakeBackend())
	sid := createSession(t, h)

	put := func(from, to, total int64, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, sessionPath(sid), bytes.NewBufferString(body))
		req.Header.Set("Content-Range", contentRange(from, to, total))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	rr := put(0, 4, 15, "12345")
	require.Equal(t, http.StatusPermanentRedirect, rr.Code)
	assert.Equal(t, "bytes=0-4", rr.Header().Get("Range"))

	rr = put(5, 9, 15, "67890")
	require.Equal(t, http.StatusPermanentRedirect, rr.Code)
	assert.Equal(t, "bytes=0-9", rr.Header().Get("Range"))

	rr = put(10, 14, 15, "abcde")
	require.Equal(t, http.StatusCreated, rr.Code)
}

func TestChunk_OutOfOrderRejectedWithCanonicalRange(t *testing.T) {
	h, _ := newTestHandler(t, newFakeBackend())
	sid := createSession(t, h)

	req := httptest.NewRequest(http.MethodPut, sessionPath(sid), bytes.NewBufferString("12345"))
	req.Header.Set("Content-Range", contentRange(0, 4, 15))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusPermanentRedirect, rr.Code)

	// Skip ahead to from=10 while only 5 bytes are uploaded.
	req = httptest.NewRequest(http.MethodPut, sessionPath(sid), bytes.NewBufferString("abcde"))
	req.Header.Set("Content-Range", contentRange(10, 14, 15))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusPermanentRedirect, rr.Code)
	assert.Equal(t, "bytes=0-4", rr.Header().Get("Range"))
}

func TestChunk_OversizedRejectedBeforeStorage(t *testing.T) {
	h, _ := newTestHandler(t, newFakeBackend())
	sid := createSession(t, h)

	oversized := strings.Repeat("x", 2000)
	req := httptest.NewRequest(http.MethodPut, sessionPath(sid), strings.NewReader(oversized))
	req.Header.Set("Content-Range", contentRange(0, 1999, 1999))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestUpload_UnknownSessionIs404(t *testing.T) {
	h, _ := newTestHandler(t, newFakeBackend())

	req := httptest.NewRequest(http.MethodPut, sessionPath("deadbeefdeadbeefdeadbeefdeadbeef"), nil)
	req.Header.Set("Content-Range", "bytes */20")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUpload_MalformedContentRangeIs422(t *testing.T) {
	h, _ := newTestHandler(t, newFakeBackend())
	sid := createSession(t, h)

	req := httptest.NewRequest(http.MethodPut, sessionPath(sid), nil)
	req.Header.Set("Content-Range", "not-a-range")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, newFakeBackend())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func contentRange(from, to, total int64) string {
	return "bytes " + strconv.FormatInt(from, 10) + "-" + strconv.FormatInt(to, 10) + "/" + strconv.FormatInt(total, 10)
}

type fakeReadinessResult struct {
	ok     bool
	detail string
}

func (f fakeReadinessResult) Ready(context.Context) (bool, string) { return f.ok, f.detail }

func TestReadiness_OkBackendAndAccessibleUploadFolder(t *testing.T) {
	sessions, err := upload.NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	cfg := &config.Config{HTTPEndpoint: "/api/v3", UploadFolder: t.TempDir()}
	h := handler.New(cfg, sessions, newFakeBackend(), fakeReadinessResult{ok: true}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz/ready", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestReadiness_BackendUnhealthyIs503(t *testing.T) {
	sessions, err := upload.NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	cfg := &config.Config{HTTPEndpoint: "/api/v3", UploadFolder: t.TempDir()}
	h := handler.New(cfg, sessions, newFakeBackend(), fakeReadinessResult{ok: false, detail: "mongo unreachable"}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz/ready", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
