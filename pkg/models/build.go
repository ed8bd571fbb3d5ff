package models

import (
	"time"
)

// BuildStatus is the lifecycle state of a Build record
type BuildStatus string

const (
	BuildGenerating BuildStatus = "generating" // agents spawned, poller not yet running
	BuildBuilding   BuildStatus = "building"   // poller is collecting transcripts
	BuildDone       BuildStatus = "done"       // every agent completed, files extracted
	BuildPartial    BuildStatus = "partial"    // some work landed, not all of it
	BuildFailed     BuildStatus = "failed"     // nothing completed, nothing produced
)

// IsTerminal reports whether no further transitions are possible.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case BuildDone, BuildPartial, BuildFailed:
		return true
	}
	return false
}

// buildTransitions lists, for each target state, the states it may be entered from.
var buildTransitions = map[BuildStatus][]BuildStatus{
	BuildBuilding: {BuildGenerating},
	BuildDone:     {BuildGenerating, BuildBuilding},
	BuildPartial:  {BuildGenerating, BuildBuilding},
	BuildFailed:   {BuildGenerating, BuildBuilding},
}

// AllowedPredecessors returns the states a build may be in to move to `to`.
func AllowedPredecessors(to BuildStatus) []BuildStatus {
	return buildTransitions[to]
}

// CanTransition reports whether from -> to respects the monotonic lifecycle
// generating -> building -> {done, partial, failed}.
func CanTransition(from, to BuildStatus) bool {
	for _, s := range buildTransitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// BuildFile is one generated source or test file
type BuildFile struct {
	Path     string `json:"path"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

// BuildLog is one timestamped progress line shown to the user
type BuildLog struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// SpawnStatus records whether the agent service accepted a spawn call
type SpawnStatus string

const (
	SpawnFulfilled SpawnStatus = "fulfilled"
	SpawnRejected  SpawnStatus = "rejected"
)

// AgentSummary is the persisted view of one agent. Transcript text is never stored.
type AgentSummary struct {
	Label       string      `json:"label"`
	SessionID   string      `json:"session_id,omitempty"`
	RunID       string      `json:"run_id,omitempty"`
	SpawnStatus SpawnStatus `json:"spawn_status"`
	Error       string      `json:"error,omitempty"`
	Completed   bool        `json:"completed"`
	FilesCount  int         `json:"files_count"`
	TestsCount  int         `json:"tests_count"`
}

// BuildMetadata summarizes the agents that contributed to a build
type BuildMetadata struct {
	Agents     []AgentSummary `json:"agents"`
	Engine     string         `json:"engine"`
	FilesCount int            `json:"files_count"`
	TestsCount int            `json:"tests_count"`
}

// Build is one attempt to produce source files for one feature.
// Only the poller/aggregator pair that owns the build mutates it after creation.
type Build struct {
	ID          string        `json:"id" gorm:"primaryKey;size:36"`
	ProjectID   string        `json:"project_id" gorm:"index;not null"`
	FeatureID   string        `json:"feature_id" gorm:"index;not null"`
	Status      BuildStatus   `json:"status" gorm:"index;not null;default:'generating'"`
	Files       []BuildFile   `json:"files" gorm:"serializer:json"`
	Tests       []BuildFile   `json:"tests" gorm:"serializer:json"`
	Logs        []BuildLog    `json:"logs" gorm:"serializer:json"`
	Metadata    BuildMetadata `json:"metadata" gorm:"serializer:json"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// TableName pins the table name used by migrations
func (Build) TableName() string { return "builds" }

// BuildOutcome is everything the aggregator writes when it closes a build.
// Logs are appended to the existing trail, not substituted for it.
type BuildOutcome struct {
	Status   BuildStatus
	Files    []BuildFile
	Tests    []BuildFile
	Logs     []BuildLog
	Metadata BuildMetadata
}
