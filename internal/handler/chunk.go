package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cyface-de/ingest-storage/internal/ingesterr"
	"github.com/cyface-de/ingest-storage/internal/store"
	"github.com/cyface-de/ingest-storage/internal/upload"
)

// Upload handles PUT <upload-url> for both measurements and attachments —
// STATUS or CHUNK PUT, disambiguated by the shape of Content-Range (spec
// §4.1).
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	sid := trimSessionToken(r.PathValue("sid"))
	sess, ok := h.sessions.Get(sid)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown or expired upload session")
		return
	}

	cr := r.Header.Get("Content-Range")

	if total, isStatus := parseStatusRange(cr); isStatus {
		h.handleStatus(w, r, sess, total)
		return
	}

	from, to, total, ok := parseChunkRange(cr)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity,
			"Content-Range must be 'bytes <from>-<to>/<total>' or 'bytes */<total>'")
		return
	}
	if to-from+1 > h.cfg.MeasurementPayloadLimit {
		// Rejected before any byte lands in the store (P6) — the declared
		// range alone already exceeds the ceiling.
		writeError(w, http.StatusUnprocessableEntity, "chunk exceeds the configured payload limit")
		return
	}
	h.handleChunk(w, r, sess, from, to, total)
}

// handleStatus implements the STATUS contract (spec §4.1 STATUS): already
// stored → 200; nothing received yet → 308 with no Range; otherwise 308
// with the canonical Range.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, sess *upload.Session, _ int64) {
	ctx := r.Context()

	stored, err := h.backend.IsStored(ctx, sess.MetaData.DeviceID, sess.MetaData.MeasurementID, sess.FileType)
	if err != nil {
		h.writeBackendError(w, err)
		return
	}
	if stored {
		h.metrics.DedupHits.Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	uploaded, err := h.backend.BytesUploaded(ctx, sess.Identifier)
	if err != nil {
		h.writeBackendError(w, err)
		return
	}
	h.respondResumeIncomplete(w, uploaded)
}

// handleChunk implements the CHUNK PUT contract (spec §4.1 CHUNK PUT,
// §4.2 state transitions, §5 at-most-once finalize).
func (h *Handler) handleChunk(w http.ResponseWriter, r *http.Request, sess *upload.Session, from, to, total int64) {
	ctx := r.Context()

	expected, err := h.backend.BytesUploaded(ctx, sess.Identifier)
	if err != nil {
		h.writeBackendError(w, err)
		return
	}
	if from != expected {
		// Out-of-order: reject without extending the temp file, respond 308
		// with the canonical range so naive clients self-heal (spec §9 open
		// question, resolved in favor of 308 over 409).
		h.respondResumeIncomplete(w, expected)
		return
	}

	finalChunk := to == total-1
	if finalChunk && !sess.BeginCommit() {
		writeError(w, http.StatusConflict, "another commit for this session is already in flight")
		return
	}

	start := time.Now()
	status, err := h.backend.Store(ctx, r.Body, from, to, total, sess)
	h.metrics.ChunkDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if finalChunk {
			sess.FinishCommit(false)
		}
		h.handleStoreError(w, sess, err)
		return
	}

	sess.Touch()

	switch status.Type {
	case store.StatusIncomplete:
		if perr := h.sessions.Persist(sess); perr != nil {
			h.logger.Warn().Err(perr).Msg("failed to persist session progress")
		}
		h.respondResumeIncomplete(w, status.ByteSize)
	case store.StatusComplete:
		sess.FinishCommit(true)
		if derr := h.sessions.Delete(sess.Identifier); derr != nil {
			h.logger.Warn().Err(derr).Msg("failed to delete completed session")
		}
		h.metrics.UploadsCompleted.Inc()
		w.WriteHeader(http.StatusCreated)
	}
}

// handleStoreError maps a backend failure to its HTTP status (spec §7).
func (h *Handler) handleStoreError(w http.ResponseWriter, sess *upload.Session, err error) {
	e, _ := ingesterr.As(err)
	kind := ingesterr.KindIO
	if e != nil {
		kind = e.Kind
	}

	h.metrics.UploadsRejected.WithLabelValues(kind.String()).Inc()

	switch kind {
	case ingesterr.KindOffsetMismatch:
		expected, _ := h.backend.BytesUploaded(context.Background(), sess.Identifier)
		h.respondResumeIncomplete(w, expected)
	case ingesterr.KindPayloadTooLarge:
		h.cleanSession(sess)
		writeError(w, http.StatusUnprocessableEntity, "chunk exceeds the configured payload limit")
	case ingesterr.KindContentRangeMismatch:
		h.cleanSession(sess)
		writeError(w, http.StatusInternalServerError, "stored length does not match the declared chunk end")
	case ingesterr.KindUniqueKeyViolation:
		h.cleanSession(sess)
		writeError(w, http.StatusConflict, "a StoredObject for this deviceId/measurementId/fileType already exists")
	default:
		h.logger.Error().Err(err).Str("session", sess.Identifier).Msg("storage backend failure")
		writeError(w, http.StatusInternalServerError, "storage backend failure")
	}
}

func (h *Handler) cleanSession(sess *upload.Session) {
	if err := h.backend.Clean(sess.Identifier); err != nil {
		h.logger.Warn().Err(err).Str("session", sess.Identifier).Msg("failed to clean temp bytes")
	}
	if err := h.sessions.Delete(sess.Identifier); err != nil {
		h.logger.Warn().Err(err).Str("session", sess.Identifier).Msg("failed to delete session record")
	}
}

func (h *Handler) respondResumeIncomplete(w http.ResponseWriter, uploaded int64) {
	if uploaded > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", uploaded-1))
	}
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusPermanentRedirect) // 308 Resume Incomplete
}

func (h *Handler) writeBackendError(w http.ResponseWriter, err error) {
	if ingesterr.Is(err, ingesterr.KindDuplicatesInDatabase) {
		writeError(w, http.StatusInternalServerError,
			"more than one StoredObject matches this dedup key — operator reconciliation required")
		return
	}
	h.logger.Error().Err(err).Msg("storage backend failure")
	writeError(w, http.StatusInternalServerError, "storage backend failure")
}
