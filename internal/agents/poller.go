package agents

import (
	"context"
	"fmt"
	"time"

	"software-factory/internal/agentrpc"
	"software-factory/internal/metrics"

	"go.uber.org/zap"
)

// minCompletionMessages is the transcript depth required before file
// evidence alone counts as completion.
const minCompletionMessages = 3

// agentRun is the poller's view of one spawned agent
type agentRun struct {
	SpawnOutcome
	Completed bool
	// Primary accumulates tool-call writes across polls, since older
	// writes can fall out of the transcript window
	Primary  []FilePair
	Output   string
	Messages int
}

func newAgentRuns(outcomes []SpawnOutcome) []*agentRun {
	runs := make([]*agentRun, len(outcomes))
	for i, o := range outcomes {
		runs[i] = &agentRun{SpawnOutcome: o}
	}
	return runs
}

// pollable agents are not yet complete and have a session to read
func (r *agentRun) pollable() bool {
	return !r.Completed && r.SessionID != ""
}

// agentComplete decides whether an agent has finished. It is complete when
// its latest message is its own turn with no tool call pending, or when the
// transcript has at least three messages and at least one file was written.
func agentComplete(msgs []agentrpc.Message, filesExtracted int) bool {
	if len(msgs) == 0 {
		return false
	}
	last := msgs[len(msgs)-1]
	if last.IsAssistant() && len(last.ToolCalls()) == 0 {
		return true
	}
	return len(msgs) >= minCompletionMessages && filesExtracted >= 1
}

// lastAssistantText returns the text of the most recent assistant message
func lastAssistantText(msgs []agentrpc.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsAssistant() {
			return msgs[i].Text()
		}
	}
	return ""
}

// Poller drives one build's agents from spawned to completed or timed out
type Poller struct {
	client AgentClient
	builds BuildStore
	events EventPublisher
	cfg    EngineConfig
}

// NewPoller creates a poller. events may be nil.
func NewPoller(client AgentClient, builds BuildStore, events EventPublisher, cfg EngineConfig) *Poller {
	return &Poller{client: client, builds: builds, events: events, cfg: cfg.withDefaults()}
}

// Run polls until no agent is left to poll, the iteration cap is reached or
// ctx is cancelled. Agents still incomplete afterwards have timed out.
// It returns the number of iterations performed.
func (p *Poller) Run(ctx context.Context, buildID string, runs []*agentRun, log *zap.Logger) int {
	if log == nil {
		log = zap.NewNop()
	}

	iterations := 0
	for iterations < p.cfg.MaxPollIterations {
		if !anyPollable(runs) {
			break
		}
		if !sleepCtx(ctx, p.cfg.PollInterval) {
			log.Info("polling interrupted", zap.Int("iteration", iterations))
			break
		}

		p.pollOnce(ctx, runs, log)
		iterations++
		metrics.Get().RecordPollIteration()

		done := countCompleted(runs)
		p.heartbeat(ctx, buildID, fmt.Sprintf("%d of %d agents complete", done, len(runs)), log)
	}

	if anyPollable(runs) {
		log.Warn("poll iteration cap reached with agents still running",
			zap.Int("iterations", iterations),
			zap.Int("completed", countCompleted(runs)),
			zap.Int("agents", len(runs)),
		)
	}
	return iterations
}

// pollOnce visits agents in spawn order. A transcript error only skips that
// agent for this iteration.
func (p *Poller) pollOnce(ctx context.Context, runs []*agentRun, log *zap.Logger) {
	for _, run := range runs {
		if !run.pollable() {
			continue
		}
		alog := log.With(zap.String("label", run.Label), zap.String("session_id", run.SessionID))

		msgs, err := p.client.History(ctx, run.SessionID, p.cfg.HistoryLimit, true)
		if err != nil {
			metrics.Get().RecordTranscriptError()
			alog.Warn("transcript fetch failed", zap.Error(err))
			continue
		}

		run.Primary = mergePairs(run.Primary, ExtractToolCallFiles(msgs, p.cfg.WorkspaceRoot))
		run.Messages = len(msgs)
		run.Output = lastAssistantText(msgs)

		if agentComplete(msgs, len(run.Primary)) {
			run.Completed = true
			alog.Info("agent completed",
				zap.Int("messages", run.Messages),
				zap.Int("files", len(run.Primary)),
			)
		}
	}
}

// mergePairs folds a newer transcript window into what an agent has already
// written. A path keeps its first position and takes the latest content.
func mergePairs(have, next []FilePair) []FilePair {
	idx := make(map[string]int, len(have))
	for i, fp := range have {
		idx[fp.Path] = i
	}
	for _, fp := range next {
		if i, ok := idx[fp.Path]; ok {
			have[i].Content = fp.Content
			continue
		}
		idx[fp.Path] = len(have)
		have = append(have, fp)
	}
	return have
}

func (p *Poller) heartbeat(ctx context.Context, buildID, line string, log *zap.Logger) {
	if err := p.builds.AppendLog(ctx, buildID, line); err != nil {
		log.Warn("failed to append build log", zap.Error(err))
	}
	if p.events != nil {
		p.events.Publish(BuildEvent{
			Type:      EventBuildLog,
			BuildID:   buildID,
			Timestamp: time.Now().UTC(),
			Data:      map[string]any{"message": line},
		})
	}
}

func anyPollable(runs []*agentRun) bool {
	for _, r := range runs {
		if r.pollable() {
			return true
		}
	}
	return false
}

func countCompleted(runs []*agentRun) int {
	n := 0
	for _, r := range runs {
		if r.Completed {
			n++
		}
	}
	return n
}

// sleepCtx waits d and reports false if ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
