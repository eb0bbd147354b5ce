package metadata

import (
	"strconv"

	"github.com/asaskevich/govalidator"

	"github.com/cyface-de/ingest-storage/internal/ingesterr"
)

// Validate checks a measurement RequestMetaData envelope against spec §3/§4.4:
// field lengths and ranges, the M1 location invariant, and the M2 format
// version pin. Failures are returned as *ingesterr.Error with Kind
// KindInvalidMetaData and Field naming the offending key.
func Validate(m *RequestMetaData) error {
	if !govalidator.IsUUID(m.DeviceID) || len(m.DeviceID) != 36 {
		return ingesterr.Field("deviceId", "must be a 36-character UUID")
	}
	if err := validateMeasurementID(m.MeasurementID); err != nil {
		return err
	}
	if err := validateBounded("osVersion", m.OSVersion, 1, 30); err != nil {
		return err
	}
	if err := validateBounded("deviceType", m.DeviceType, 1, 30); err != nil {
		return err
	}
	if err := validateBounded("applicationVersion", m.ApplicationVersion, 1, 30); err != nil {
		return err
	}
	if err := validateBounded("modality", m.Modality, 1, 30); err != nil {
		return err
	}
	if m.Length < 0 {
		return ingesterr.Field("length", "must be >= 0")
	}
	if m.LocationCount < 0 {
		return ingesterr.Field("locationCount", "must be >= 0")
	}
	if err := validateLocationInvariant(m); err != nil {
		return err
	}
	if m.FormatVersion != CurrentTransferFileFormatVersion {
		return ingesterr.Field("formatVersion",
			"unsupported transfer format version — server expects "+
				strconv.Itoa(CurrentTransferFileFormatVersion))
	}
	return nil
}

// ValidateAttachment checks an AttachmentMetaData envelope: the embedded
// RequestMetaData plus the non-negative attachment counters.
func ValidateAttachment(a *AttachmentMetaData) error {
	if err := Validate(&a.RequestMetaData); err != nil {
		return err
	}
	if a.LogCount < 0 {
		return ingesterr.Field("logCount", "must be >= 0")
	}
	if a.ImageCount < 0 {
		return ingesterr.Field("imageCount", "must be >= 0")
	}
	if a.VideoCount < 0 {
		return ingesterr.Field("videoCount", "must be >= 0")
	}
	if a.FilesSize < 0 {
		return ingesterr.Field("filesSize", "must be >= 0")
	}
	return nil
}

// validateMeasurementID enforces "non-empty, <=20 chars, parseable as uint64".
func validateMeasurementID(id string) error {
	if id == "" || len(id) > 20 {
		return ingesterr.Field("measurementId", "must be 1-20 characters")
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return ingesterr.Field("measurementId", "must parse as an unsigned 64-bit integer")
	}
	return nil
}

func validateBounded(field, value string, min, max int) error {
	n := len(value)
	if n < min || n > max {
		return ingesterr.Field(field, "length must be between "+strconv.Itoa(min)+" and "+strconv.Itoa(max))
	}
	return nil
}

// validateLocationInvariant enforces M1: both locations set iff locationCount>0.
func validateLocationInvariant(m *RequestMetaData) error {
	bothNil := m.StartLocation == nil && m.EndLocation == nil
	bothSet := m.StartLocation != nil && m.EndLocation != nil

	if m.LocationCount == 0 {
		if !bothNil {
			return ingesterr.Field("locationCount", "locationCount is 0 but start/end location is present")
		}
		return nil
	}
	if !bothSet {
		return ingesterr.Field("locationCount", "locationCount > 0 requires both startLocation and endLocation")
	}
	return nil
}
