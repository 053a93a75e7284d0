package ml

import (
	"fmt"
	"strings"
)

// Result is a decoded inference service response. The upstream schema is an
// external dependency that shifts between model versions, so responses are
// kept as-is and read through typed accessors.
type Result map[string]interface{}

// StringField returns the value for key when present and a string.
func (r Result) StringField(key string) (string, bool) {
	v, ok := r[key].(string)
	return v, ok
}

// BoolField returns the value for key when present and a bool.
func (r Result) BoolField(key string) (bool, bool) {
	v, ok := r[key].(bool)
	return v, ok
}

// ErrorDetail returns the upstream "error" field when present. The
// inference service reports structured failures in a 200 body rather than
// an HTTP status.
func (r Result) ErrorDetail() (string, bool) {
	return r.StringField("error")
}

// StrippedMetadataFields lists the image-bearing response fields removed
// before an analysis is persisted. Kept next to the response contract: when
// the upstream shape changes, this list is the one place to update.
var StrippedMetadataFields = []string{
	"mask",
	"mask_image",
	"original_slice",
	"slice_data",
	"slices",
	"sagittal",
	"coronal",
	"axial",
	"image",
	"images",
}

// VolumeType addresses one of the two volumes derived from a study.
type VolumeType string

const (
	VolumeOriginal VolumeType = "original"
	VolumeMask     VolumeType = "mask"
)

// ValidVolumeType reports whether s names a known volume.
func ValidVolumeType(s string) bool {
	return s == string(VolumeOriginal) || s == string(VolumeMask)
}

// OrthoParams selects the three orthogonal cross-sections through a volume.
type OrthoParams struct {
	I           int
	J           int
	K           int
	Modality    string
	Overlay     string
	Alpha       *float64
	WindowLevel *float64
	WindowWidth *float64
	Scale       *float64
}

// Validate checks index and modality constraints before any upstream call.
func (p OrthoParams) Validate() error {
	if p.I < 0 || p.J < 0 || p.K < 0 {
		return fmt.Errorf("slice indices must be non-negative")
	}
	if !ValidVolumeType(p.Modality) {
		return fmt.Errorf("modality must be %q or %q", VolumeOriginal, VolumeMask)
	}
	if p.Overlay != "" && p.Overlay != string(VolumeMask) {
		return fmt.Errorf("overlay must be %q when set", VolumeMask)
	}
	return nil
}

// IsNiftiFilename reports whether name carries a NIfTI extension.
func IsNiftiFilename(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz")
}

// IsZipFilename reports whether name carries a ZIP extension.
func IsZipFilename(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".zip")
}

// IsDicomFilename reports whether name is accepted by the classifier
// endpoint: a bare DICOM file or a ZIP bundle.
func IsDicomFilename(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".dcm") || strings.HasSuffix(lower, ".zip")
}
