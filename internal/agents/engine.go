package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"software-factory/internal/db"
	"software-factory/internal/logging"
	"software-factory/internal/metrics"
	"software-factory/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine owns build creation and the background pollers that finish them
type Engine struct {
	cfg      EngineConfig
	client   AgentClient
	builds   BuildStore
	projects ProjectStore
	events   EventPublisher
	archiver Archiver
	cache    BuildCache
	spawner  *Spawner
	poller   *Poller
	log      *zap.Logger
	now      func() time.Time

	// ctx outlives requests; Shutdown cancels it
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Option configures an Engine
type Option func(*Engine)

// WithEvents streams build progress to a publisher
func WithEvents(p EventPublisher) Option { return func(e *Engine) { e.events = p } }

// WithArchiver uploads every terminal build
func WithArchiver(a Archiver) Option { return func(e *Engine) { e.archiver = a } }

// WithCache serves terminal builds from a cache
func WithCache(c BuildCache) Option { return func(e *Engine) { e.cache = c } }

// WithLogger overrides the operator logger
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// NewEngine creates a build engine
func NewEngine(cfg EngineConfig, client AgentClient, builds BuildStore, projects ProjectStore, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		client:   client,
		builds:   builds,
		projects: projects,
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.spawner = NewSpawner(client, cfg, e.logger())
	e.poller = NewPoller(client, builds, e.events, cfg)
	return e
}

// GenerateCode creates a build for one feature, spawns its agents and
// returns once every spawn has settled. Polling and aggregation continue in
// the background; once a build id is returned no error reaches the caller.
func (e *Engine) GenerateCode(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			e.wg.Done()
		}
	}()

	feature, err := e.projects.GetFeature(ctx, req.FeatureID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrFeatureNotFound
		}
		return nil, fmt.Errorf("load feature: %w", err)
	}
	if feature.ProjectID != req.ProjectID {
		return nil, ErrProjectMismatch
	}
	project, err := e.projects.GetProject(ctx, req.ProjectID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("load project: %w", err)
	}

	if e.cfg.DedupeInFlight {
		active, err := e.builds.FindActiveBuild(ctx, project.ID, feature.ID)
		if err != nil {
			return nil, fmt.Errorf("check in-flight builds: %w", err)
		}
		if active != nil {
			return nil, fmt.Errorf("%w: build %s is %s", ErrBuildInFlight, active.ID, active.Status)
		}
	}

	units, err := e.planUnits(ctx, project, feature)
	if err != nil {
		return nil, err
	}

	build := &models.Build{
		ID:        uuid.New().String(),
		ProjectID: project.ID,
		FeatureID: feature.ID,
		Status:    models.BuildGenerating,
		Files:     []models.BuildFile{},
		Tests:     []models.BuildFile{},
		Logs: []models.BuildLog{{
			At:      e.now(),
			Message: fmt.Sprintf("Spawning %d agent(s) for feature %q", len(units), feature.Name),
		}},
		Metadata: models.BuildMetadata{Engine: e.cfg.EngineName},
	}
	if err := e.builds.CreateBuild(ctx, build); err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}
	metrics.Get().RecordBuildStarted()

	blog := e.buildLogger(build.ID)
	blog.Info("build created",
		zap.String("project_id", project.ID),
		zap.String("feature_id", feature.ID),
		zap.Int("units", len(units)),
	)

	// The build exists now, so a caller hanging up must not reject its agents
	outcomes := e.spawner.SpawnAll(context.WithoutCancel(ctx), units)
	runs := newAgentRuns(outcomes)

	result := &GenerateResult{BuildID: build.ID, Agents: make([]AgentInfo, 0, len(outcomes))}
	for _, o := range outcomes {
		info := AgentInfo{Label: o.Label, SessionID: o.SessionID, RunID: o.RunID, Status: models.SpawnFulfilled}
		if !o.Spawned() {
			info.Status = models.SpawnRejected
			info.Error = o.Error
		} else {
			result.AgentsSpawned++
		}
		result.Agents = append(result.Agents, info)
	}
	result.Message = fmt.Sprintf("Spawned %d of %d agents; build continues in the background", result.AgentsSpawned, len(outcomes))

	handedOff = true
	e.startBuild(build, runs, blog)
	return result, nil
}

// planUnits turns a feature into work units, one per work order, or a single
// feature-level unit when there are none.
func (e *Engine) planUnits(ctx context.Context, project *models.Project, feature *models.Feature) ([]WorkUnit, error) {
	workOrders, err := e.projects.ListWorkOrders(ctx, feature.ID)
	if err != nil {
		return nil, fmt.Errorf("list work orders: %w", err)
	}
	blueprint, err := e.projects.GetBlueprint(ctx, project.ID, feature.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("load blueprint: %w", err)
	}

	var platform *models.PlatformContext
	if feature.AugmentsPlatform {
		platform = project.PlatformContext
	}

	if len(workOrders) == 0 {
		return []WorkUnit{{
			ID:      feature.ID,
			Feature: feature,
			Task:    ComposeTask(TaskInput{Feature: feature, Blueprint: blueprint, Platform: platform}),
		}}, nil
	}

	units := make([]WorkUnit, 0, len(workOrders))
	for i := range workOrders {
		wo := &workOrders[i]
		units = append(units, WorkUnit{
			ID:        wo.ID,
			Feature:   feature,
			WorkOrder: wo,
			Task:      ComposeTask(TaskInput{Feature: feature, WorkOrder: wo, Blueprint: blueprint, Platform: platform}),
		})
	}
	return units, nil
}

func (e *Engine) logger() *zap.Logger {
	if e.log != nil {
		return e.log
	}
	return logging.L()
}

func (e *Engine) buildLogger(buildID string) *zap.Logger {
	if e.log != nil {
		return e.log.With(zap.String("build_id", buildID))
	}
	return logging.ForBuild(buildID)
}

// begin registers a request with Shutdown. It fails once Shutdown has started.
func (e *Engine) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShuttingDown
	}
	e.wg.Add(1)
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// startBuild runs the poller and aggregator for one build on a supervised
// goroutine. It takes over the wait group slot taken by begin.
func (e *Engine) startBuild(build *models.Build, runs []*agentRun, log *zap.Logger) {
	go func() {
		defer e.wg.Done()
		e.runBuild(build, runs, log)
	}()
}

func (e *Engine) runBuild(build *models.Build, runs []*agentRun, log *zap.Logger) {
	start := time.Now()
	metrics.Get().BuildsActive.Inc()
	defer metrics.Get().BuildsActive.Dec()

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error("build poller panicked", zap.Any("panic", r), zap.Stack("stack"))
		ctx, cancel := e.detachedContext()
		defer cancel()
		e.appendLog(ctx, build.ID, fmt.Sprintf("Build poller crashed: %v", r), log)
		e.finalizeSafely(build, runs, start, log)
	}()

	if err := e.builds.TransitionStatus(e.ctx, build.ID, models.BuildBuilding); err != nil {
		log.Warn("failed to mark build as building", zap.Error(err))
	} else {
		build.Status = models.BuildBuilding
		e.publish(build.ID, EventBuildStatus, map[string]any{"status": models.BuildBuilding})
	}

	iterations := e.poller.Run(e.ctx, build.ID, runs, log)
	log.Info("polling finished", zap.Int("iterations", iterations))

	e.finalize(build, runs, start, log)
}

// finalizeSafely is the crash path: a second panic falls back to closing the
// build as failed with nothing in it.
func (e *Engine) finalizeSafely(build *models.Build, runs []*agentRun, start time.Time, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("build aggregation panicked", zap.Any("panic", r), zap.Stack("stack"))
			ctx, cancel := e.detachedContext()
			defer cancel()
			outcome := models.BuildOutcome{
				Status:   models.BuildFailed,
				Logs:     []models.BuildLog{{At: e.now(), Message: "Build aggregation failed"}},
				Metadata: models.BuildMetadata{Engine: e.cfg.EngineName},
			}
			if err := e.builds.FinalizeBuild(ctx, build.ID, outcome); err != nil {
				log.Error("failed to finalize crashed build", zap.Error(err))
			}
		}
	}()
	e.finalize(build, runs, start, log)
}

// finalize aggregates and persists the outcome. This is the only place a
// build leaves building.
func (e *Engine) finalize(build *models.Build, runs []*agentRun, start time.Time, log *zap.Logger) {
	outcome := Aggregate(runs, e.cfg, e.now())

	ctx, cancel := e.detachedContext()
	defer cancel()

	if err := e.builds.FinalizeBuild(ctx, build.ID, outcome); err != nil {
		log.Error("failed to finalize build", zap.Error(err), zap.String("status", string(outcome.Status)))
		return
	}
	metrics.Get().RecordBuildFinished(string(outcome.Status), time.Since(start))
	log.Info("build finalized",
		zap.String("status", string(outcome.Status)),
		zap.Int("files", len(outcome.Files)),
		zap.Int("tests", len(outcome.Tests)),
	)

	e.publish(build.ID, EventBuildCompleted, map[string]any{
		"status":      outcome.Status,
		"files_count": len(outcome.Files),
		"tests_count": len(outcome.Tests),
	})

	if e.archiver != nil {
		e.archive(ctx, build.ID, log)
	}
}

func (e *Engine) archive(ctx context.Context, buildID string, log *zap.Logger) {
	final, err := e.builds.GetBuild(ctx, buildID)
	if err != nil {
		log.Warn("failed to reload build for archiving", zap.Error(err))
		return
	}
	location, err := e.archiver.Archive(ctx, final)
	metrics.Get().RecordArchiveUpload(err == nil)
	if err != nil {
		log.Warn("build archive failed", zap.Error(err))
		e.appendLog(ctx, buildID, "Archive upload failed", log)
		return
	}
	e.appendLog(ctx, buildID, "Archived build output to "+location, log)
}

func (e *Engine) appendLog(ctx context.Context, buildID, line string, log *zap.Logger) {
	if err := e.builds.AppendLog(ctx, buildID, line); err != nil {
		log.Warn("failed to append build log", zap.Error(err))
		return
	}
	e.publish(buildID, EventBuildLog, map[string]any{"message": line})
}

func (e *Engine) publish(buildID string, typ BuildEventType, data map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Publish(BuildEvent{Type: typ, BuildID: buildID, Timestamp: e.now(), Data: data})
}

// detachedContext is used for writes that must land even after Shutdown
func (e *Engine) detachedContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.cfg.FinalizeTimeout)
}

// GetBuild returns a build record. Terminal builds come from the cache when one is set.
func (e *Engine) GetBuild(ctx context.Context, id string) (*models.Build, error) {
	if e.cache != nil {
		if b, ok := e.cache.GetBuild(ctx, id); ok {
			return b, nil
		}
	}
	b, err := e.builds.GetBuild(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrBuildNotFound
		}
		return nil, err
	}
	if e.cache != nil && b.Status.IsTerminal() {
		e.cache.SetBuild(ctx, b)
	}
	return b, nil
}

// ListProjectBuilds returns a project's builds, newest first, without file contents
func (e *Engine) ListProjectBuilds(ctx context.Context, projectID string) ([]models.Build, error) {
	if _, err := e.projects.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	builds, err := e.builds.ListProjectBuilds(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for i := range builds {
		builds[i].Files = stripContents(builds[i].Files)
		builds[i].Tests = stripContents(builds[i].Tests)
	}
	return builds, nil
}

func stripContents(files []models.BuildFile) []models.BuildFile {
	out := make([]models.BuildFile, len(files))
	for i, f := range files {
		out[i] = models.BuildFile{Path: f.Path, Language: f.Language}
	}
	return out
}

// Shutdown rejects new builds, stops polling and waits for every running
// build to be finalized
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
