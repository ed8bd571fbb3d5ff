package agents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"software-factory/internal/agentrpc"
	"software-factory/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	client   *fakeClient
	builds   *fakeBuildStore
	projects *fakeProjectStore
	events   *recordingPublisher
	engine   *Engine
}

func newEngineFixture(t *testing.T, cfg EngineConfig, opts ...Option) *engineFixture {
	t.Helper()
	f := &engineFixture{
		client:   newFakeClient(),
		builds:   newFakeBuildStore(),
		projects: newFakeProjectStore(),
		events:   &recordingPublisher{},
	}
	f.projects.addProject(models.Project{
		ID:              "proj-1",
		Name:            "Todo App",
		PlatformContext: &models.PlatformContext{Name: "Intranet", TechStack: []string{"node"}},
	})
	opts = append([]Option{WithEvents(f.events)}, opts...)
	f.engine = NewEngine(cfg, f.client, f.builds, f.projects, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.engine.Shutdown(ctx)
	})
	return f
}

// run issues GenerateCode and waits for the build to be finalized
func (f *engineFixture) run(t *testing.T, featureID string) (*GenerateResult, *models.Build) {
	t.Helper()
	res, err := f.engine.GenerateCode(context.Background(), GenerateRequest{ProjectID: "proj-1", FeatureID: featureID})
	require.NoError(t, err)
	f.engine.wg.Wait()

	b, err := f.builds.GetBuild(context.Background(), res.BuildID)
	require.NoError(t, err)
	return res, b
}

func filePaths(files []models.BuildFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

func logMessages(b *models.Build) []string {
	out := make([]string, len(b.Logs))
	for i, l := range b.Logs {
		out[i] = l.Message
	}
	return out
}

func TestGenerateCodeSpawnsOneAgentPerWorkOrder(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"},
		models.WorkOrder{ID: "wo-a", Title: "API"},
		models.WorkOrder{ID: "wo-b", Title: "UI"},
		models.WorkOrder{ID: "wo-c", Title: "Docs"},
	)

	res, _ := f.run(t, "feat-1")

	assert.Equal(t, 3, res.AgentsSpawned)
	assert.Equal(t, []string{"build-wo-a", "build-wo-b", "build-wo-c"}, f.client.spawnLabels())
	require.Len(t, res.Agents, 3)
	assert.Equal(t, "build-wo-a", res.Agents[0].Label)
	assert.Equal(t, "session-build-wo-a", res.Agents[0].SessionID)
	assert.Equal(t, models.SpawnFulfilled, res.Agents[0].Status)
	assert.NotEmpty(t, res.BuildID)
}

func TestGenerateCodeWithoutWorkOrdersSpawnsFeatureAgent(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "Feat_1", ProjectID: "proj-1", Name: "Todos", Description: "Track todos"})

	res, _ := f.run(t, "Feat_1")

	assert.Equal(t, 1, res.AgentsSpawned)
	require.Equal(t, 1, f.client.spawnCount())
	spawn := f.client.spawns[0]
	assert.Equal(t, "build-feat-1", spawn.Label)
	assert.Contains(t, spawn.Task, "## Feature: Todos")
	assert.Equal(t, 300, spawn.RunTimeoutSeconds)
}

func TestGenerateCodePlatformContextOnlyWhenAugmenting(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "plain", ProjectID: "proj-1", Name: "Plain", SortOrder: 1})
	f.projects.addFeature(models.Feature{ID: "augment", ProjectID: "proj-1", Name: "Augment", SortOrder: 2, AugmentsPlatform: true})

	f.run(t, "plain")
	f.run(t, "augment")

	require.Equal(t, 2, f.client.spawnCount())
	assert.NotContains(t, f.client.spawns[0].Task, "## Existing Platform")
	assert.Contains(t, f.client.spawns[1].Task, "## Existing Platform: Intranet")
}

func TestBuildPartialWhenOneAgentTimesOut(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"},
		models.WorkOrder{ID: "wo-a"},
		models.WorkOrder{ID: "wo-b"},
	)
	f.client.historyFn = func(session string, _ int) ([]agentrpc.Message, error) {
		if session == "session-build-wo-a" {
			return []agentrpc.Message{
				userText("build it"),
				assistantParts(writeCall("write", "/root/.workspace/src/a.js", "module.exports = 1")),
				toolResult("ok"),
				assistantText("Done."),
			}, nil
		}
		return []agentrpc.Message{userText("build it")}, nil
	}

	_, b := f.run(t, "feat-1")

	assert.Equal(t, models.BuildPartial, b.Status)
	assert.Equal(t, []string{"src/a.js"}, filePaths(b.Files))
	assert.Equal(t, "javascript", b.Files[0].Language)
	assert.Empty(t, b.Tests)
	assert.NotNil(t, b.CompletedAt)

	// B is polled on every iteration up to the cap; A stops once complete
	assert.Equal(t, 5, f.client.historyCalls("session-build-wo-b"))
	assert.Equal(t, 1, f.client.historyCalls("session-build-wo-a"))

	require.Len(t, b.Metadata.Agents, 2)
	assert.True(t, b.Metadata.Agents[0].Completed)
	assert.Equal(t, 1, b.Metadata.Agents[0].FilesCount)
	assert.False(t, b.Metadata.Agents[1].Completed)
	assert.Equal(t, "agent-sessions", b.Metadata.Engine)

	logs := logMessages(b)
	assert.Contains(t, logs, "1 of 2 agents complete")
	assert.Contains(t, logs, "Agent build-wo-a completed (1 files, 0 tests)")
	assert.Contains(t, logs, "Agent build-wo-b timed out (0 files, 0 tests)")
	assert.Equal(t, "Build partial: 1 files, 0 tests from 1 of 2 agents", logs[len(logs)-1])
}

func TestBuildDoneFromFallbackExtraction(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"},
		models.WorkOrder{ID: "wo-a"},
	)
	f.client.historyFn = func(string, int) ([]agentrpc.Message, error) {
		return []agentrpc.Message{
			userText("build it"),
			assistantText("Here you go.\n`src/app.js`\n```js\nconsole.log(1)\n```\n`src/app.test.js`\n```js\ntest('x')\n```"),
		}, nil
	}

	_, b := f.run(t, "feat-1")

	assert.Equal(t, models.BuildDone, b.Status)
	assert.Equal(t, []string{"src/app.js"}, filePaths(b.Files))
	assert.Equal(t, "console.log(1)", b.Files[0].Content)
	assert.Equal(t, []string{"src/app.test.js"}, filePaths(b.Tests))
	assert.Equal(t, 1, b.Metadata.TestsCount)
}

func TestBuildFailedWhenEverySpawnRejected(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"},
		models.WorkOrder{ID: "wo-a"},
		models.WorkOrder{ID: "wo-b"},
	)
	f.client.spawnFn = func(agentrpc.SpawnRequest) (*agentrpc.SpawnResult, error) {
		return nil, errSpawnRefused
	}

	res, b := f.run(t, "feat-1")

	assert.Equal(t, 0, res.AgentsSpawned)
	require.Len(t, res.Agents, 2)
	assert.Equal(t, models.SpawnRejected, res.Agents[0].Status)
	assert.Equal(t, errSpawnRefused.Error(), res.Agents[0].Error)

	assert.Equal(t, models.BuildFailed, b.Status)
	assert.Empty(t, b.Files)
	assert.Equal(t, 0, f.client.historyCalls(""), "rejected agents are never polled")
	assert.Contains(t, logMessages(b), "Agent build-wo-a failed to spawn: "+errSpawnRefused.Error())
	assert.Equal(t, models.SpawnRejected, b.Metadata.Agents[1].SpawnStatus)
}

func TestBuildLaterAgentWinsSamePath(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"},
		models.WorkOrder{ID: "wo-a"},
		models.WorkOrder{ID: "wo-b"},
	)
	f.client.historyFn = func(session string, _ int) ([]agentrpc.Message, error) {
		content := "from a"
		if session == "session-build-wo-b" {
			content = "from b"
		}
		return []agentrpc.Message{
			userText("build it"),
			assistantParts(writeCall("write_file", "src/shared.js", content)),
			toolResult("ok"),
		}, nil
	}

	_, b := f.run(t, "feat-1")

	assert.Equal(t, models.BuildDone, b.Status)
	require.Len(t, b.Files, 1)
	assert.Equal(t, "src/shared.js", b.Files[0].Path)
	assert.Equal(t, "from b", b.Files[0].Content)
}

func TestBuildStatusNeverMovesBackwards(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"},
		models.WorkOrder{ID: "wo-a"},
	)
	f.client.historyFn = func(string, int) ([]agentrpc.Message, error) {
		return []agentrpc.Message{userText("go"), assistantText("nothing to write")}, nil
	}

	_, b := f.run(t, "feat-1")

	assert.Equal(t, []models.BuildStatus{models.BuildGenerating, models.BuildBuilding, models.BuildPartial}, f.builds.history(b.ID))

	// a terminal build refuses any further transition
	err := f.builds.TransitionStatus(context.Background(), b.ID, models.BuildBuilding)
	assert.Error(t, err)
}

func TestBuildPublishesProgressEvents(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"})
	f.client.historyFn = func(string, int) ([]agentrpc.Message, error) {
		return []agentrpc.Message{userText("go"), assistantText("done")}, nil
	}

	f.run(t, "feat-1")

	types := f.events.types()
	require.NotEmpty(t, types)
	assert.Equal(t, EventBuildStatus, types[0])
	assert.Contains(t, types, EventBuildLog)
	assert.Equal(t, EventBuildCompleted, types[len(types)-1])
}

func TestGenerateCodeErrors(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"})
	f.projects.addFeature(models.Feature{ID: "orphan", ProjectID: "proj-missing", Name: "Orphan"})

	ctx := context.Background()

	_, err := f.engine.GenerateCode(ctx, GenerateRequest{ProjectID: "proj-1", FeatureID: "nope"})
	assert.ErrorIs(t, err, ErrFeatureNotFound)

	_, err = f.engine.GenerateCode(ctx, GenerateRequest{ProjectID: "proj-2", FeatureID: "feat-1"})
	assert.ErrorIs(t, err, ErrProjectMismatch)

	_, err = f.engine.GenerateCode(ctx, GenerateRequest{ProjectID: "proj-missing", FeatureID: "orphan"})
	assert.ErrorIs(t, err, ErrProjectNotFound)

	f.builds.failNext = errors.New("disk full")
	_, err = f.engine.GenerateCode(ctx, GenerateRequest{ProjectID: "proj-1", FeatureID: "feat-1"})
	assert.ErrorContains(t, err, "create build")

	assert.Equal(t, 0, f.client.spawnCount(), "no agent is spawned unless the build exists")
}

func TestGenerateCodeRejectsInFlightDuplicate(t *testing.T) {
	cfg := testEngineConfig()
	cfg.DedupeInFlight = true
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaxPollIterations = 1000
	f := newEngineFixture(t, cfg)
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"})

	ctx := context.Background()
	first, err := f.engine.GenerateCode(ctx, GenerateRequest{ProjectID: "proj-1", FeatureID: "feat-1"})
	require.NoError(t, err)

	_, err = f.engine.GenerateCode(ctx, GenerateRequest{ProjectID: "proj-1", FeatureID: "feat-1"})
	assert.ErrorIs(t, err, ErrBuildInFlight)
	assert.Contains(t, err.Error(), first.BuildID)
}

func TestShutdownFinalizesRunningBuilds(t *testing.T) {
	cfg := testEngineConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaxPollIterations = 100000
	f := newEngineFixture(t, cfg)
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"})

	res, err := f.engine.GenerateCode(context.Background(), GenerateRequest{ProjectID: "proj-1", FeatureID: "feat-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(ctx))

	b, err := f.builds.GetBuild(context.Background(), res.BuildID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildFailed, b.Status)
	assert.NotNil(t, b.CompletedAt)
}

func TestGenerateCodeAfterShutdownIsRejected(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(ctx))

	_, err := f.engine.GenerateCode(context.Background(), GenerateRequest{ProjectID: "proj-1", FeatureID: "feat-1"})
	assert.ErrorIs(t, err, ErrShuttingDown)

	_, err = f.engine.BuildAll(context.Background(), "proj-1")
	assert.ErrorIs(t, err, ErrShuttingDown)

	assert.Equal(t, 0, f.client.spawnCount())
	builds, err := f.builds.ListProjectBuilds(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Empty(t, builds)
}

func TestShutdownWaitsForRequestInProgress(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"})

	require.NoError(t, f.engine.begin())
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- f.engine.Shutdown(ctx)
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned while a request still held the engine")
	case <-time.After(50 * time.Millisecond):
	}
	f.engine.wg.Done()
	require.NoError(t, <-done)
}

func TestPollerPanicStillFinalizesBuild(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"})
	f.client.historyFn = func(string, int) ([]agentrpc.Message, error) {
		panic("transcript decoder exploded")
	}

	_, b := f.run(t, "feat-1")

	assert.Equal(t, models.BuildFailed, b.Status)
	found := false
	for _, m := range logMessages(b) {
		if strings.HasPrefix(m, "Build poller crashed") {
			found = true
		}
	}
	assert.True(t, found, "crash is recorded in the build log")
}

func TestTranscriptErrorsOnlySkipTheIteration(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"})
	f.client.historyFn = func(_ string, call int) ([]agentrpc.Message, error) {
		if call < 3 {
			return nil, &agentrpc.RemoteError{Status: 502, Message: "bad gateway"}
		}
		return []agentrpc.Message{userText("go"), assistantText("finished")}, nil
	}

	_, b := f.run(t, "feat-1")

	assert.Equal(t, models.BuildPartial, b.Status, "completed without files")
	assert.True(t, b.Metadata.Agents[0].Completed)
	assert.Equal(t, 3, f.client.historyCalls("session-build-feat-1"))
}

type fakeArchiver struct {
	mu     sync.Mutex
	builds []string
	err    error
}

func (a *fakeArchiver) Archive(_ context.Context, b *models.Build) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.builds = append(a.builds, b.ID)
	return "s3://builds/" + b.ID + ".zip", nil
}

func TestFinalizedBuildIsArchived(t *testing.T) {
	arch := &fakeArchiver{}
	f := newEngineFixture(t, testEngineConfig(), WithArchiver(arch))
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"})
	f.client.historyFn = func(string, int) ([]agentrpc.Message, error) {
		return []agentrpc.Message{userText("go"), assistantText("done")}, nil
	}

	res, b := f.run(t, "feat-1")

	assert.Equal(t, []string{res.BuildID}, arch.builds)
	logs := logMessages(b)
	assert.Equal(t, "Archived build output to s3://builds/"+res.BuildID+".zip", logs[len(logs)-1])
}

func TestArchiveFailureDoesNotChangeStatus(t *testing.T) {
	arch := &fakeArchiver{err: errors.New("bucket missing")}
	f := newEngineFixture(t, testEngineConfig(), WithArchiver(arch))
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"})

	_, b := f.run(t, "feat-1")

	assert.Equal(t, models.BuildFailed, b.Status)
	assert.Contains(t, logMessages(b), "Archive upload failed")
}

type mapCache struct {
	mu     sync.Mutex
	builds map[string]*models.Build
	hits   int
}

func (c *mapCache) GetBuild(_ context.Context, id string) (*models.Build, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.builds[id]
	if ok {
		c.hits++
	}
	return b, ok
}

func (c *mapCache) SetBuild(_ context.Context, b *models.Build) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.builds[b.ID] = b
}

func TestGetBuildCachesOnlyTerminalBuilds(t *testing.T) {
	cache := &mapCache{builds: make(map[string]*models.Build)}
	f := newEngineFixture(t, testEngineConfig(), WithCache(cache))
	ctx := context.Background()

	require.NoError(t, f.builds.CreateBuild(ctx, &models.Build{ID: "b-live", ProjectID: "proj-1", Status: models.BuildBuilding}))
	require.NoError(t, f.builds.CreateBuild(ctx, &models.Build{ID: "b-done", ProjectID: "proj-1", Status: models.BuildDone}))

	_, err := f.engine.GetBuild(ctx, "b-live")
	require.NoError(t, err)
	_, err = f.engine.GetBuild(ctx, "b-done")
	require.NoError(t, err)
	_, err = f.engine.GetBuild(ctx, "b-done")
	require.NoError(t, err)

	assert.NotContains(t, cache.builds, "b-live")
	assert.Contains(t, cache.builds, "b-done")
	assert.Equal(t, 1, cache.hits)

	_, err = f.engine.GetBuild(ctx, "missing")
	assert.ErrorIs(t, err, ErrBuildNotFound)
}

func TestListProjectBuildsStripsContents(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	ctx := context.Background()
	require.NoError(t, f.builds.CreateBuild(ctx, &models.Build{
		ID:        "b-1",
		ProjectID: "proj-1",
		Status:    models.BuildDone,
		Files:     []models.BuildFile{{Path: "a.go", Language: "go", Content: "package a"}},
	}))

	builds, err := f.engine.ListProjectBuilds(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, "a.go", builds[0].Files[0].Path)
	assert.Empty(t, builds[0].Files[0].Content)

	_, err = f.engine.ListProjectBuilds(ctx, "proj-missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}
