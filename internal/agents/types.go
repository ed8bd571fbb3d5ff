// Package agents is the build agent orchestration engine.
//
// For a unit of planned work it spawns remote autonomous agents, polls their
// transcripts until they finish or run out of time, extracts the files they
// produced and folds every agent's result into one persisted Build. BuildAll
// fans the same process out across every feature of a project.
package agents

import (
	"context"
	"errors"
	"time"

	"software-factory/internal/agentrpc"
	"software-factory/pkg/models"
)

var (
	ErrFeatureNotFound = errors.New("feature not found")
	ErrProjectNotFound = errors.New("project not found")
	ErrBuildNotFound   = errors.New("build not found")
	ErrProjectMismatch = errors.New("feature does not belong to project")
	ErrBuildInFlight   = errors.New("a build for this feature is already in progress")
	ErrShuttingDown    = errors.New("engine is shutting down")
)

// EngineConfig holds the engine's tunable constants
type EngineConfig struct {
	PollInterval      time.Duration
	MaxPollIterations int
	// AgentRunTimeoutSeconds is the run budget handed to each agent at spawn.
	// It is independent of the poller's own iteration cap.
	AgentRunTimeoutSeconds int
	LabelMaxLen            int
	HistoryLimit           int
	WorkspaceRoot          string
	EngineName             string
	FanOutConcurrency      int
	DedupeInFlight         bool
	// FinalizeTimeout bounds the detached writes made after polling ends
	FinalizeTimeout time.Duration
}

// DefaultEngineConfig returns the production defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PollInterval:           5 * time.Second,
		MaxPollIterations:      120,
		AgentRunTimeoutSeconds: 300,
		LabelMaxLen:            64,
		HistoryLimit:           200,
		WorkspaceRoot:          "/root/.workspace",
		EngineName:             "agent-sessions",
		FanOutConcurrency:      8,
		FinalizeTimeout:        30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultEngineConfig
func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultEngineConfig()
	if c.PollInterval < 0 {
		c.PollInterval = 0
	}
	if c.MaxPollIterations <= 0 {
		c.MaxPollIterations = d.MaxPollIterations
	}
	if c.AgentRunTimeoutSeconds <= 0 {
		c.AgentRunTimeoutSeconds = d.AgentRunTimeoutSeconds
	}
	if c.LabelMaxLen <= 0 {
		c.LabelMaxLen = d.LabelMaxLen
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = d.WorkspaceRoot
	}
	if c.EngineName == "" {
		c.EngineName = d.EngineName
	}
	if c.FanOutConcurrency <= 0 {
		c.FanOutConcurrency = d.FanOutConcurrency
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = d.FinalizeTimeout
	}
	return c
}

// AgentClient is the remote agent execution service
type AgentClient interface {
	Spawn(ctx context.Context, req agentrpc.SpawnRequest) (*agentrpc.SpawnResult, error)
	History(ctx context.Context, sessionKey string, limit int, includeTools bool) ([]agentrpc.Message, error)
}

// BuildStore persists Build records. TransitionStatus and FinalizeBuild
// refuse transitions that would move a build backwards.
type BuildStore interface {
	CreateBuild(ctx context.Context, build *models.Build) error
	GetBuild(ctx context.Context, id string) (*models.Build, error)
	TransitionStatus(ctx context.Context, id string, to models.BuildStatus) error
	AppendLog(ctx context.Context, id, message string) error
	FinalizeBuild(ctx context.Context, id string, outcome models.BuildOutcome) error
	ListProjectBuilds(ctx context.Context, projectID string) ([]models.Build, error)
	// FindActiveBuild returns nil when no generating/building build exists
	FindActiveBuild(ctx context.Context, projectID, featureID string) (*models.Build, error)
}

// ProjectStore reads the planning records a build is composed from
type ProjectStore interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetFeature(ctx context.Context, id string) (*models.Feature, error)
	ListFeatures(ctx context.Context, projectID string) ([]models.Feature, error)
	ListWorkOrders(ctx context.Context, featureID string) ([]models.WorkOrder, error)
	// GetBlueprint returns nil when the project has no blueprint
	GetBlueprint(ctx context.Context, projectID, featureID string) (*models.Blueprint, error)
	SetProjectStatus(ctx context.Context, projectID, status string) error
}

// BuildCache holds terminal builds, which never change again
type BuildCache interface {
	GetBuild(ctx context.Context, id string) (*models.Build, bool)
	SetBuild(ctx context.Context, build *models.Build)
}

// Archiver stores a terminal build's output somewhere durable and returns its location
type Archiver interface {
	Archive(ctx context.Context, build *models.Build) (string, error)
}

// EventPublisher receives build progress events. Publish must not block.
type EventPublisher interface {
	Publish(event BuildEvent)
}

// BuildEventType names a progress event sent to live subscribers
type BuildEventType string

const (
	EventBuildStatus    BuildEventType = "build:status"
	EventBuildLog       BuildEventType = "build:log"
	EventBuildCompleted BuildEventType = "build:completed"
)

// BuildEvent is one progress notification for a build
type BuildEvent struct {
	Type      BuildEventType `json:"type"`
	BuildID   string         `json:"build_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// WorkUnit is what one agent is asked to build: a work order, or the whole
// feature when it has none.
type WorkUnit struct {
	ID        string
	Feature   *models.Feature
	WorkOrder *models.WorkOrder
	Task      string
}

// SpawnOutcome is the settled result of one spawn attempt
type SpawnOutcome struct {
	Label     string `json:"label"`
	SessionID string `json:"session_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Spawned reports whether the agent service accepted the spawn
func (o SpawnOutcome) Spawned() bool {
	return o.Error == "" && o.SessionID != ""
}

// GenerateRequest asks for one feature to be built
type GenerateRequest struct {
	ProjectID string `json:"project_id" binding:"required"`
	FeatureID string `json:"feature_id" binding:"required"`
}

// AgentInfo is the per-agent part of a GenerateResult
type AgentInfo struct {
	Label     string             `json:"label"`
	SessionID string             `json:"session_id,omitempty"`
	RunID     string             `json:"run_id,omitempty"`
	Status    models.SpawnStatus `json:"status"`
	Error     string             `json:"error,omitempty"`
}

// GenerateResult is returned as soon as every spawn call has settled;
// polling continues in the background.
type GenerateResult struct {
	BuildID       string      `json:"build_id"`
	AgentsSpawned int         `json:"agents_spawned"`
	Agents        []AgentInfo `json:"agents"`
	Message       string      `json:"message"`
}

// BuildAllRequest asks for every feature of a project to be built
type BuildAllRequest struct {
	ProjectID string `json:"project_id" binding:"required"`
}

// Fan-out statuses per feature
const (
	FeatureSpawned = "spawned"
	FeatureError   = "error"
)

// FeatureSummary reports how one feature's build request went
type FeatureSummary struct {
	FeatureID   string `json:"feature_id"`
	FeatureName string `json:"feature_name"`
	Status      string `json:"status"`
	AgentCount  int    `json:"agent_count"`
	BuildID     string `json:"build_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// FanOutResult is the response of BuildAll
type FanOutResult struct {
	FeaturesStarted int              `json:"features_started"`
	Summary         []FeatureSummary `json:"summary"`
}

// FilePair is one extracted file before language annotation
type FilePair struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}
