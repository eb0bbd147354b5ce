// Package metadata declares the RequestMetaData envelope sent with every
// pre-request and the validation rules that guard it (spec §3, §4.4).
package metadata

// CurrentTransferFileFormatVersion is the binary layout version this server
// accepts. A pre-request declaring any other formatVersion is rejected — M2.
const CurrentTransferFileFormatVersion = 3

const (
	// FileTypeMeasurement identifies the primary measurement trace file in
	// the (deviceId, measurementId, fileType) uniqueness tuple (S1).
	FileTypeMeasurement = "measurement"
	// FileTypeAttachment identifies an attachment bundle for a measurement.
	FileTypeAttachment = "attachment"
)

// Location is a single GPS fix attached to a measurement's start or end.
type Location struct {
	Timestamp int64   `json:"timestamp"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// RequestMetaData is the JSON envelope of a pre-request (spec §3).
type RequestMetaData struct {
	DeviceID           string    `json:"deviceId"`
	MeasurementID      string    `json:"measurementId"`
	OSVersion          string    `json:"osVersion"`
	DeviceType         string    `json:"deviceType"`
	ApplicationVersion string    `json:"applicationVersion"`
	Length             float64   `json:"length"`
	LocationCount      int64     `json:"locationCount"`
	StartLocation      *Location `json:"startLocation,omitempty"`
	EndLocation        *Location `json:"endLocation,omitempty"`
	Modality           string    `json:"modality"`
	FormatVersion      int       `json:"formatVersion"`
}

// AttachmentMetaData extends RequestMetaData with the attachment counters
// declared by the attachment pre-request (spec §3).
type AttachmentMetaData struct {
	RequestMetaData
	LogCount   int64 `json:"logCount"`
	ImageCount int64 `json:"imageCount"`
	VideoCount int64 `json:"videoCount"`
	FilesSize  int64 `json:"filesSize"`
}
