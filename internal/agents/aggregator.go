package agents

import (
	"fmt"
	"time"

	"software-factory/internal/metrics"
	"software-factory/pkg/models"
)

// fileSet merges files by path, keeping first-seen order and last content
type fileSet struct {
	order []string
	byKey map[string]string
}

func newFileSet() *fileSet {
	return &fileSet{byKey: make(map[string]string)}
}

func (s *fileSet) add(pairs []FilePair) {
	for _, p := range pairs {
		if _, ok := s.byKey[p.Path]; !ok {
			s.order = append(s.order, p.Path)
		}
		s.byKey[p.Path] = p.Content
	}
}

func (s *fileSet) buildFiles() []models.BuildFile {
	out := make([]models.BuildFile, 0, len(s.order))
	for _, p := range s.order {
		out = append(out, models.BuildFile{
			Path:     p,
			Language: detectLanguage(p),
			Content:  s.byKey[p],
		})
	}
	return out
}

// extractAgent returns an agent's files and tests. Tool-call writes win; the
// text fallback only runs for agents that completed without writing anything.
func extractAgent(run *agentRun, workspaceRoot string) Extraction {
	if len(run.Primary) > 0 {
		files, tests := Classify(run.Primary)
		return Extraction{Files: files, Tests: tests, Strategy: StrategyToolCall}
	}
	if run.Completed && run.Output != "" {
		return ExtractFromOutput(run.Output, workspaceRoot)
	}
	return Extraction{}
}

// finalStatus is done when files were produced and every agent completed,
// failed when there are no files and no agent completed, and partial otherwise.
func finalStatus(files int, runs []*agentRun) models.BuildStatus {
	completed := countCompleted(runs)
	switch {
	case files > 0 && completed == len(runs):
		return models.BuildDone
	case files == 0 && completed == 0:
		return models.BuildFailed
	default:
		return models.BuildPartial
	}
}

// Aggregate folds every agent's result, in spawn order, into the outcome
// that closes the build. A later agent's file replaces an earlier one at the
// same path.
func Aggregate(runs []*agentRun, cfg EngineConfig, now time.Time) models.BuildOutcome {
	cfg = cfg.withDefaults()
	m := metrics.Get()

	files := newFileSet()
	tests := newFileSet()
	summaries := make([]models.AgentSummary, 0, len(runs))
	logs := make([]models.BuildLog, 0, len(runs)+1)

	for _, run := range runs {
		ex := extractAgent(run, cfg.WorkspaceRoot)
		files.add(ex.Files)
		tests.add(ex.Tests)
		if !ex.Empty() {
			m.RecordExtractedFiles(ex.Strategy, len(ex.Files)+len(ex.Tests))
		}

		summary := models.AgentSummary{
			Label:       run.Label,
			SessionID:   run.SessionID,
			RunID:       run.RunID,
			SpawnStatus: models.SpawnFulfilled,
			Error:       run.Error,
			Completed:   run.Completed,
			FilesCount:  len(ex.Files),
			TestsCount:  len(ex.Tests),
		}

		var line string
		switch {
		case !run.Spawned():
			summary.SpawnStatus = models.SpawnRejected
			line = fmt.Sprintf("Agent %s failed to spawn: %s", run.Label, run.Error)
		case run.Completed:
			m.RecordAgentFinished(true)
			line = fmt.Sprintf("Agent %s completed (%d files, %d tests)", run.Label, len(ex.Files), len(ex.Tests))
		default:
			m.RecordAgentFinished(false)
			line = fmt.Sprintf("Agent %s timed out (%d files, %d tests)", run.Label, len(ex.Files), len(ex.Tests))
		}
		summaries = append(summaries, summary)
		logs = append(logs, models.BuildLog{At: now, Message: line})
	}

	outcome := models.BuildOutcome{
		Files: files.buildFiles(),
		Tests: tests.buildFiles(),
	}
	outcome.Status = finalStatus(len(outcome.Files), runs)
	outcome.Metadata = models.BuildMetadata{
		Agents:     summaries,
		Engine:     cfg.EngineName,
		FilesCount: len(outcome.Files),
		TestsCount: len(outcome.Tests),
	}
	logs = append(logs, models.BuildLog{
		At: now,
		Message: fmt.Sprintf("Build %s: %d files, %d tests from %d of %d agents",
			outcome.Status, len(outcome.Files), len(outcome.Tests), countCompleted(runs), len(runs)),
	})
	outcome.Logs = logs
	return outcome
}
