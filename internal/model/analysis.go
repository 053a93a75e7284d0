package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AnalysisType identifies which ingestion path produced an analysis.
type AnalysisType string

const (
	AnalysisTypeNifti    AnalysisType = "NIFTI"
	AnalysisTypeDicomZip AnalysisType = "DICOM_ZIP"
)

// Analysis summarizes one inference invocation and its ownership. Records
// are immutable once created; the history view reads them newest first.
type Analysis struct {
	ID           uint         `json:"id" gorm:"primaryKey"`
	UserID       uint         `json:"user_id" gorm:"index;not null"`
	AnalysisType AnalysisType `json:"analysis_type" gorm:"size:32;not null"`
	Filename     *string      `json:"filename,omitempty" gorm:"size:512"`
	PatientID    *string      `json:"patient_id,omitempty" gorm:"size:128;index"`
	RequestID    *string      `json:"request_id,omitempty" gorm:"size:128"`
	Prediction   *string      `json:"prediction,omitempty" gorm:"size:255"`
	HasTumor     *bool        `json:"has_tumor,omitempty"`
	Metadata     JSONMap      `json:"metadata,omitempty" gorm:"type:text"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// JSONMap stores an arbitrary JSON object in a TEXT column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata column type %T", value)
	}
	return json.Unmarshal(data, m)
}
