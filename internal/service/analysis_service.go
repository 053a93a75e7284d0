package service

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	apperrors "neuroview/internal/errors"
	"neuroview/internal/ml"
	"neuroview/internal/model"
	"neuroview/internal/repository"
)

// AnalysisService persists and reads back per-user analysis history.
type AnalysisService interface {
	CreateFromResult(ctx context.Context, userID uint, analysisType model.AnalysisType, filename string, result ml.Result) (*model.Analysis, error)
	ListByUser(ctx context.Context, userID uint) ([]model.Analysis, error)
	GetByID(ctx context.Context, userID, id uint) (*model.Analysis, error)
	OwnsPatient(ctx context.Context, userID uint, patientID string) (bool, error)
}

type analysisService struct {
	analysisRepo repository.AnalysisRepository
}

// NewAnalysisService creates a new analysis service.
func NewAnalysisService(analysisRepo repository.AnalysisRepository) AnalysisService {
	return &analysisService{analysisRepo: analysisRepo}
}

// CreateFromResult records one successful inference call. Image-bearing
// fields are stripped from the stored metadata; the typed columns are
// extracted only when present and well-typed in the result.
func (s *analysisService) CreateFromResult(ctx context.Context, userID uint, analysisType model.AnalysisType, filename string, result ml.Result) (*model.Analysis, error) {
	analysis := &model.Analysis{
		UserID:       userID,
		AnalysisType: analysisType,
		Metadata:     sanitizeMetadata(result),
	}
	if filename != "" {
		analysis.Filename = &filename
	}
	if v, ok := result.StringField("patient_id"); ok {
		analysis.PatientID = &v
	}
	if v, ok := result.StringField("request_id"); ok {
		analysis.RequestID = &v
	}
	if v, ok := result.StringField("prediction"); ok {
		analysis.Prediction = &v
	}
	if v, ok := result.BoolField("has_tumor"); ok {
		analysis.HasTumor = &v
	}

	if err := s.analysisRepo.Create(ctx, analysis); err != nil {
		return nil, fmt.Errorf("create analysis: %w", err)
	}
	return analysis, nil
}

func (s *analysisService) ListByUser(ctx context.Context, userID uint) ([]model.Analysis, error) {
	return s.analysisRepo.ListByUser(ctx, userID)
}

// GetByID returns the analysis only when owned by userID; unowned records
// are indistinguishable from missing ones.
func (s *analysisService) GetByID(ctx context.Context, userID, id uint) (*model.Analysis, error) {
	analysis, err := s.analysisRepo.FindByIDForUser(ctx, userID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("find analysis: %w", err)
	}
	return analysis, nil
}

// OwnsPatient reports whether the user owns at least one analysis
// referencing patientID.
func (s *analysisService) OwnsPatient(ctx context.Context, userID uint, patientID string) (bool, error) {
	_, err := s.analysisRepo.FindOwnedPatient(ctx, userID, patientID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("find owned patient: %w", err)
	}
	return true, nil
}

func sanitizeMetadata(result ml.Result) model.JSONMap {
	if result == nil {
		return nil
	}
	metadata := make(model.JSONMap, len(result))
	for k, v := range result {
		metadata[k] = v
	}
	for _, field := range ml.StrippedMetadataFields {
		delete(metadata, field)
	}
	return metadata
}
