package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cyface-de/ingest-storage/internal/ingesterr"
	"github.com/cyface-de/ingest-storage/internal/metadata"
	"github.com/cyface-de/ingest-storage/internal/middleware"
)

// preRequestBodyLimit is the 1 KiB ceiling spec §4.1 sets on the
// metadata-only pre-request body.
const preRequestBodyLimit = 1024

// PreRequestMeasurement handles POST <endpoint>/measurements (spec §4.1
// PRE-REQUEST).
func (h *Handler) PreRequestMeasurement(w http.ResponseWriter, r *http.Request) {
	var m metadata.RequestMetaData
	if !h.decodeEnvelope(w, r, &m) {
		return
	}
	if err := metadata.Validate(&m); err != nil {
		h.writeMetadataError(w, err)
		return
	}
	h.acceptPreRequest(w, r, metadata.FileTypeMeasurement, m, sessionURLMeasurement)
}

// PreRequestAttachment handles POST
// <endpoint>/measurements/{deviceId}/{measurementId}/attachments.
func (h *Handler) PreRequestAttachment(w http.ResponseWriter, r *http.Request) {
	var a metadata.AttachmentMetaData
	if !h.decodeEnvelope(w, r, &a) {
		return
	}

	// deviceId/measurementId are path parameters for the attachment route
	// (spec §6); the body need not repeat them, but if it does they must
	// agree with the URL.
	deviceID := r.PathValue("deviceId")
	measurementID := r.PathValue("measurementId")
	if a.DeviceID != "" && a.DeviceID != deviceID || a.MeasurementID != "" && a.MeasurementID != measurementID {
		writeError(w, http.StatusUnprocessableEntity, "deviceId/measurementId in body do not match the URL")
		return
	}
	a.DeviceID, a.MeasurementID = deviceID, measurementID

	if err := metadata.ValidateAttachment(&a); err != nil {
		h.writeMetadataError(w, err)
		return
	}

	h.acceptPreRequest(w, r, metadata.FileTypeAttachment, a.RequestMetaData, func(base, sid string) string {
		return sessionURLAttachment(base, deviceID, measurementID, sid)
	})
}

func (h *Handler) decodeEnvelope(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, preRequestBodyLimit)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed JSON body")
		return false
	}
	if _, err := dec.Token(); err != io.EOF {
		writeError(w, http.StatusUnprocessableEntity, "trailing data after JSON body")
		return false
	}
	return true
}

func (h *Handler) writeMetadataError(w http.ResponseWriter, err error) {
	h.metrics.UploadsRejected.WithLabelValues(ingesterr.KindInvalidMetaData.String()).Inc()
	if e, ok := ingesterr.As(err); ok && e.Field != "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": e.Msg, "field": e.Field})
		return
	}
	writeError(w, http.StatusUnprocessableEntity, err.Error())
}

// acceptPreRequest implements the shared pre-request contract once
// metadata has been validated: dedup check, session creation, Location
// header (spec §4.1, §3 Entity: UploadSession).
func (h *Handler) acceptPreRequest(w http.ResponseWriter, r *http.Request, fileType string, m metadata.RequestMetaData, buildURL func(base, sid string) string) {
	ctx := r.Context()

	stored, err := h.backend.IsStored(ctx, m.DeviceID, m.MeasurementID, fileType)
	if err != nil {
		h.writeBackendError(w, err)
		return
	}
	if stored {
		h.metrics.DedupHits.Inc()
		writeError(w, http.StatusConflict, "a StoredObject for this deviceId/measurementId/fileType already exists")
		return
	}

	principal := middleware.PrincipalFrom(ctx)
	sess, err := h.sessions.Create(fileType, m, principal, "")
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to persist new upload session")
		writeError(w, http.StatusInternalServerError, "failed to create upload session")
		return
	}

	location := absoluteURL(r, buildURL(h.cfg.HTTPEndpoint, sess.Identifier))
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusOK)
}

func absoluteURL(r *http.Request, path string) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, path)
}
