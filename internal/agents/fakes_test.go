package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"software-factory/internal/agentrpc"
	"software-factory/internal/db"
	"software-factory/pkg/models"
)

// fakeClient records spawns and serves transcripts keyed by session
type fakeClient struct {
	mu        sync.Mutex
	spawnFn   func(req agentrpc.SpawnRequest) (*agentrpc.SpawnResult, error)
	historyFn func(sessionKey string, call int) ([]agentrpc.Message, error)
	spawns    []agentrpc.SpawnRequest
	histories map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{histories: make(map[string]int)}
}

func (c *fakeClient) Spawn(_ context.Context, req agentrpc.SpawnRequest) (*agentrpc.SpawnResult, error) {
	c.mu.Lock()
	c.spawns = append(c.spawns, req)
	fn := c.spawnFn
	c.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return &agentrpc.SpawnResult{SessionKey: "session-" + req.Label, RunID: "run-" + req.Label}, nil
}

func (c *fakeClient) History(_ context.Context, sessionKey string, _ int, _ bool) ([]agentrpc.Message, error) {
	c.mu.Lock()
	c.histories[sessionKey]++
	call := c.histories[sessionKey]
	fn := c.historyFn
	c.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(sessionKey, call)
}

func (c *fakeClient) spawnCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.spawns)
}

func (c *fakeClient) spawnLabels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	labels := make([]string, len(c.spawns))
	for i, s := range c.spawns {
		labels[i] = s.Label
	}
	sort.Strings(labels)
	return labels
}

func (c *fakeClient) historyCalls(sessionKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.histories[sessionKey]
}

// fakeBuildStore keeps builds in memory and enforces the status order
type fakeBuildStore struct {
	mu       sync.Mutex
	builds   map[string]*models.Build
	statuses map[string][]models.BuildStatus
	failNext error
}

func newFakeBuildStore() *fakeBuildStore {
	return &fakeBuildStore{
		builds:   make(map[string]*models.Build),
		statuses: make(map[string][]models.BuildStatus),
	}
}

func (s *fakeBuildStore) CreateBuild(_ context.Context, b *models.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	if _, ok := s.builds[b.ID]; ok {
		return fmt.Errorf("duplicate build %s", b.ID)
	}
	cp := *b
	cp.Logs = append([]models.BuildLog(nil), b.Logs...)
	cp.CreatedAt = time.Now()
	s.builds[b.ID] = &cp
	s.statuses[b.ID] = []models.BuildStatus{b.Status}
	return nil
}

func (s *fakeBuildStore) GetBuild(_ context.Context, id string) (*models.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *b
	cp.Files = append([]models.BuildFile(nil), b.Files...)
	cp.Tests = append([]models.BuildFile(nil), b.Tests...)
	cp.Logs = append([]models.BuildLog(nil), b.Logs...)
	return &cp, nil
}

func (s *fakeBuildStore) TransitionStatus(_ context.Context, id string, to models.BuildStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return db.ErrNotFound
	}
	if !models.CanTransition(b.Status, to) {
		return db.ErrInvalidTransition
	}
	b.Status = to
	s.statuses[id] = append(s.statuses[id], to)
	return nil
}

func (s *fakeBuildStore) AppendLog(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return db.ErrNotFound
	}
	b.Logs = append(b.Logs, models.BuildLog{At: time.Now(), Message: message})
	return nil
}

func (s *fakeBuildStore) FinalizeBuild(_ context.Context, id string, outcome models.BuildOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return db.ErrNotFound
	}
	if !outcome.Status.IsTerminal() || !models.CanTransition(b.Status, outcome.Status) {
		return db.ErrInvalidTransition
	}
	now := time.Now()
	b.Status = outcome.Status
	b.Files = outcome.Files
	b.Tests = outcome.Tests
	b.Metadata = outcome.Metadata
	b.Logs = append(b.Logs, outcome.Logs...)
	b.CompletedAt = &now
	s.statuses[id] = append(s.statuses[id], outcome.Status)
	return nil
}

func (s *fakeBuildStore) ListProjectBuilds(_ context.Context, projectID string) ([]models.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Build
	for _, b := range s.builds {
		if b.ProjectID == projectID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeBuildStore) FindActiveBuild(_ context.Context, projectID, featureID string) (*models.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.builds {
		if b.ProjectID == projectID && b.FeatureID == featureID && !b.Status.IsTerminal() {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeBuildStore) history(id string) []models.BuildStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.BuildStatus(nil), s.statuses[id]...)
}

// fakeProjectStore serves a fixed set of planning records
type fakeProjectStore struct {
	mu            sync.Mutex
	projects      map[string]*models.Project
	features      map[string]*models.Feature
	workOrders    map[string][]models.WorkOrder
	blueprints    map[string]*models.Blueprint
	statusUpdates map[string]string
	listErr       error
}

func newFakeProjectStore() *fakeProjectStore {
	return &fakeProjectStore{
		projects:      make(map[string]*models.Project),
		features:      make(map[string]*models.Feature),
		workOrders:    make(map[string][]models.WorkOrder),
		blueprints:    make(map[string]*models.Blueprint),
		statusUpdates: make(map[string]string),
	}
}

func (s *fakeProjectStore) addProject(p models.Project) {
	s.projects[p.ID] = &p
}

func (s *fakeProjectStore) addFeature(f models.Feature, workOrders ...models.WorkOrder) {
	s.features[f.ID] = &f
	for i := range workOrders {
		workOrders[i].ProjectID = f.ProjectID
		workOrders[i].FeatureID = f.ID
	}
	s.workOrders[f.ID] = workOrders
}

func (s *fakeProjectStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return p, nil
}

func (s *fakeProjectStore) GetFeature(_ context.Context, id string) (*models.Feature, error) {
	f, ok := s.features[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return f, nil
}

func (s *fakeProjectStore) ListFeatures(_ context.Context, projectID string) ([]models.Feature, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.Feature
	for _, f := range s.features {
		if f.ProjectID == projectID {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (s *fakeProjectStore) ListWorkOrders(_ context.Context, featureID string) ([]models.WorkOrder, error) {
	return s.workOrders[featureID], nil
}

func (s *fakeProjectStore) GetBlueprint(_ context.Context, projectID, featureID string) (*models.Blueprint, error) {
	if bp, ok := s.blueprints[featureID]; ok {
		return bp, nil
	}
	return s.blueprints[projectID], nil
}

func (s *fakeProjectStore) SetProjectStatus(_ context.Context, projectID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return db.ErrNotFound
	}
	s.statusUpdates[projectID] = status
	return nil
}

// recordingPublisher captures published events
type recordingPublisher struct {
	mu     sync.Mutex
	events []BuildEvent
}

func (p *recordingPublisher) Publish(ev BuildEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []BuildEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BuildEventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

var errSpawnRefused = errors.New("agent service refused spawn")

// transcript helpers

func userText(s string) agentrpc.Message {
	return agentrpc.Message{Role: "user", Content: agentrpc.TextContent(s)}
}

func assistantText(s string) agentrpc.Message {
	return agentrpc.Message{Role: agentrpc.RoleAssistant, Content: agentrpc.TextContent(s)}
}

func toolResult(s string) agentrpc.Message {
	return agentrpc.Message{Role: "toolResult", Content: agentrpc.TextContent(s)}
}

// testEngineConfig polls without waiting
func testEngineConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.PollInterval = 0
	cfg.MaxPollIterations = 5
	cfg.FinalizeTimeout = 5 * time.Second
	return cfg
}

func newTestBuild(id string) *models.Build {
	return &models.Build{ID: id, ProjectID: "proj-1", FeatureID: "feat-1", Status: models.BuildGenerating}
}
