package agents

import (
	"context"
	"errors"
	"fmt"

	"software-factory/internal/db"
	"software-factory/pkg/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BuildAll requests one build per feature of a project, in sort order, and
// returns once every request has its build id or error. It does not wait
// for any agent to finish. A failed feature never blocks the others.
func (e *Engine) BuildAll(ctx context.Context, projectID string) (*FanOutResult, error) {
	if e.isClosed() {
		return nil, ErrShuttingDown
	}

	project, err := e.projects.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("load project: %w", err)
	}

	features, err := e.projects.ListFeatures(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}

	summary := make([]FeatureSummary, len(features))

	var g errgroup.Group
	g.SetLimit(e.cfg.FanOutConcurrency)
	for i := range features {
		f := features[i]
		g.Go(func() error {
			summary[i] = e.buildFeature(ctx, project.ID, f)
			return nil
		})
	}
	_ = g.Wait()

	result := &FanOutResult{Summary: summary}
	for _, s := range summary {
		if s.Status == FeatureSpawned {
			result.FeaturesStarted++
		}
	}

	if err := e.projects.SetProjectStatus(ctx, project.ID, models.ProjectStatusBuilding); err != nil {
		e.fanOutLogger(project.ID).Warn("failed to mark project as building", zap.Error(err))
	}

	e.fanOutLogger(project.ID).Info("fan-out issued",
		zap.Int("features", len(features)),
		zap.Int("started", result.FeaturesStarted),
	)
	return result, nil
}

func (e *Engine) buildFeature(ctx context.Context, projectID string, f models.Feature) (s FeatureSummary) {
	s = FeatureSummary{FeatureID: f.ID, FeatureName: f.Name}

	defer func() {
		if r := recover(); r != nil {
			e.fanOutLogger(projectID).Error("feature build panicked",
				zap.String("feature_id", f.ID), zap.Any("panic", r), zap.Stack("stack"))
			s.Status = FeatureError
			s.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	res, err := e.GenerateCode(ctx, GenerateRequest{ProjectID: projectID, FeatureID: f.ID})
	if err != nil {
		s.Status = FeatureError
		s.Error = err.Error()
		return s
	}
	s.Status = FeatureSpawned
	s.BuildID = res.BuildID
	s.AgentCount = res.AgentsSpawned
	return s
}

func (e *Engine) fanOutLogger(projectID string) *zap.Logger {
	return e.logger().With(zap.String("project_id", projectID))
}
