package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"software-factory/pkg/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BuildRepository persists Build records. Status changes are conditional
// updates, so a build can never move backwards even with concurrent writers.
type BuildRepository struct {
	db *gorm.DB
	// rowLocks is false on sqlite, which serializes writers instead
	rowLocks bool
}

// NewBuildRepository creates a build store on top of d
func NewBuildRepository(d *Database) *BuildRepository {
	return &BuildRepository{db: d.DB, rowLocks: d.Driver() == DriverPostgres}
}

func (r *BuildRepository) CreateBuild(ctx context.Context, build *models.Build) error {
	if build.Files == nil {
		build.Files = []models.BuildFile{}
	}
	if build.Tests == nil {
		build.Tests = []models.BuildFile{}
	}
	if build.Logs == nil {
		build.Logs = []models.BuildLog{}
	}
	if err := r.db.WithContext(ctx).Create(build).Error; err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

func (r *BuildRepository) GetBuild(ctx context.Context, id string) (*models.Build, error) {
	var b models.Build
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

// TransitionStatus moves a build to `to` only from one of its allowed predecessors
func (r *BuildRepository) TransitionStatus(ctx context.Context, id string, to models.BuildStatus) error {
	preds := models.AllowedPredecessors(to)
	if len(preds) == 0 {
		return fmt.Errorf("%w: nothing may enter %s", ErrInvalidTransition, to)
	}

	res := r.db.WithContext(ctx).
		Model(&models.Build{}).
		Where("id = ? AND status IN ?", id, preds).
		Update("status", to)
	if res.Error != nil {
		return fmt.Errorf("update build status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.rejected(ctx, r.db, id, to)
	}
	return nil
}

// AppendLog adds one timestamped line to the build's log trail
func (r *BuildRepository) AppendLog(ctx context.Context, id, message string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := r.lockBuild(tx, id)
		if err != nil {
			return err
		}
		b.Logs = append(b.Logs, models.BuildLog{At: time.Now().UTC(), Message: message})
		return tx.Model(b).Select("logs").Updates(b).Error
	})
}

// FinalizeBuild writes the aggregated outcome and the terminal status in one transaction
func (r *BuildRepository) FinalizeBuild(ctx context.Context, id string, outcome models.BuildOutcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, outcome.Status)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := r.lockBuild(tx, id)
		if err != nil {
			return err
		}
		if !models.CanTransition(b.Status, outcome.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, outcome.Status)
		}

		now := time.Now().UTC()
		update := models.Build{
			Status:      outcome.Status,
			Files:       nonNilFiles(outcome.Files),
			Tests:       nonNilFiles(outcome.Tests),
			Logs:        append(b.Logs, outcome.Logs...),
			Metadata:    outcome.Metadata,
			CompletedAt: &now,
		}
		res := tx.Model(&models.Build{}).
			Where("id = ? AND status IN ?", id, models.AllowedPredecessors(outcome.Status)).
			Select("status", "files", "tests", "logs", "metadata", "completed_at").
			Updates(&update)
		if res.Error != nil {
			return fmt.Errorf("finalize build: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return r.rejected(ctx, tx, id, outcome.Status)
		}
		return nil
	})
}

// ListProjectBuilds returns a project's builds, newest first
func (r *BuildRepository) ListProjectBuilds(ctx context.Context, projectID string) ([]models.Build, error) {
	var builds []models.Build
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&builds).Error
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	return builds, nil
}

// FindActiveBuild returns the newest generating or building build for a
// feature, or nil when there is none.
func (r *BuildRepository) FindActiveBuild(ctx context.Context, projectID, featureID string) (*models.Build, error) {
	var b models.Build
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND feature_id = ? AND status IN ?", projectID, featureID,
			[]models.BuildStatus{models.BuildGenerating, models.BuildBuilding}).
		Order("created_at DESC").
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active build: %w", err)
	}
	return &b, nil
}

// rejected explains a conditional update that matched no row
func (r *BuildRepository) rejected(ctx context.Context, tx *gorm.DB, id string, to models.BuildStatus) error {
	var current models.Build
	err := tx.WithContext(ctx).Select("id", "status").First(&current, "id = ?", id).Error
	if err != nil {
		return notFound(err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
}

// lockBuild reads a build for update inside tx
func (r *BuildRepository) lockBuild(tx *gorm.DB, id string) (*models.Build, error) {
	var b models.Build
	if r.rowLocks {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := tx.First(&b, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func nonNilFiles(files []models.BuildFile) []models.BuildFile {
	if files == nil {
		return []models.BuildFile{}
	}
	return files
}
