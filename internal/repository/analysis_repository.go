package repository

import (
	"context"

	"gorm.io/gorm"

	"neuroview/internal/model"
)

// AnalysisRepository defines analysis persistence operations. Every query
// is scoped to the owning user; nothing here exposes another user's rows.
type AnalysisRepository interface {
	Create(ctx context.Context, analysis *model.Analysis) error
	ListByUser(ctx context.Context, userID uint) ([]model.Analysis, error)
	FindByIDForUser(ctx context.Context, userID, id uint) (*model.Analysis, error)
	FindOwnedPatient(ctx context.Context, userID uint, patientID string) (*model.Analysis, error)
}

type analysisRepository struct {
	db *gorm.DB
}

// NewAnalysisRepository creates a new analysis repository.
func NewAnalysisRepository(db *gorm.DB) AnalysisRepository {
	return &analysisRepository{db: db}
}

func (r *analysisRepository) Create(ctx context.Context, analysis *model.Analysis) error {
	return r.db.WithContext(ctx).Create(analysis).Error
}

func (r *analysisRepository) ListByUser(ctx context.Context, userID uint) ([]model.Analysis, error) {
	var analyses []model.Analysis
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&analyses).Error; err != nil {
		return nil, err
	}
	return analyses, nil
}

func (r *analysisRepository) FindByIDForUser(ctx context.Context, userID, id uint) (*model.Analysis, error) {
	var analysis model.Analysis
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&analysis).Error; err != nil {
		return nil, err
	}
	return &analysis, nil
}

// FindOwnedPatient returns any one analysis owned by the user that
// references the patient id. Used as an authorization probe for
// patient-scoped volume routes, not for its data.
func (r *analysisRepository) FindOwnedPatient(ctx context.Context, userID uint, patientID string) (*model.Analysis, error) {
	var analysis model.Analysis
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND patient_id = ?", userID, patientID).
		First(&analysis).Error; err != nil {
		return nil, err
	}
	return &analysis, nil
}
