package db

import (
	"context"
	"errors"
	"fmt"

	"software-factory/pkg/models"

	"gorm.io/gorm"
)

// ProjectRepository reads the planning records builds are composed from
type ProjectRepository struct {
	db *gorm.DB
}

// NewProjectRepository creates a planning store on top of d
func NewProjectRepository(d *Database) *ProjectRepository {
	return &ProjectRepository{db: d.DB}
}

func (r *ProjectRepository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	if err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *ProjectRepository) GetFeature(ctx context.Context, id string) (*models.Feature, error) {
	var f models.Feature
	if err := r.db.WithContext(ctx).First(&f, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

// ListFeatures returns a project's features in build order
func (r *ProjectRepository) ListFeatures(ctx context.Context, projectID string) ([]models.Feature, error) {
	var features []models.Feature
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("sort_order ASC").
		Order("name ASC").
		Find(&features).Error
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	return features, nil
}

// ListWorkOrders returns a feature's work orders in planned order
func (r *ProjectRepository) ListWorkOrders(ctx context.Context, featureID string) ([]models.WorkOrder, error) {
	var orders []models.WorkOrder
	err := r.db.WithContext(ctx).
		Where("feature_id = ?", featureID).
		Order("sort_order ASC").
		Order("priority ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list work orders: %w", err)
	}
	return orders, nil
}

// GetBlueprint prefers a feature's own blueprint over the project-wide one.
// It returns nil when neither exists.
func (r *ProjectRepository) GetBlueprint(ctx context.Context, projectID, featureID string) (*models.Blueprint, error) {
	var bp models.Blueprint
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND feature_id = ?", projectID, featureID).
		Order("created_at DESC").
		First(&bp).Error
	if err == nil {
		return &bp, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load feature blueprint: %w", err)
	}

	err = r.db.WithContext(ctx).
		Where("project_id = ? AND feature_id IS NULL", projectID).
		Order("created_at DESC").
		First(&bp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load project blueprint: %w", err)
	}
	return &bp, nil
}

// SetProjectStatus is the only write the build engine makes to a project
func (r *ProjectRepository) SetProjectStatus(ctx context.Context, projectID, status string) error {
	res := r.db.WithContext(ctx).
		Model(&models.Project{}).
		Where("id = ?", projectID).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("update project status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
