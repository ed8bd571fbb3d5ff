package agents

import (
	"context"
	"strings"

	"software-factory/internal/agentrpc"
	"software-factory/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const labelPrefix = "build-"

// BuildLabel derives the agent label for a unit id: lowercase, restricted to
// [a-z0-9-] and cut to maxLen.
func BuildLabel(unitID string, maxLen int) string {
	var b strings.Builder
	b.WriteString(labelPrefix)
	for _, r := range strings.ToLower(unitID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	label := b.String()
	if maxLen > 0 && len(label) > maxLen {
		label = label[:maxLen]
	}
	return label
}

// Spawner starts one agent per work unit
type Spawner struct {
	client AgentClient
	cfg    EngineConfig
	log    *zap.Logger
}

// NewSpawner creates a spawner
func NewSpawner(client AgentClient, cfg EngineConfig, log *zap.Logger) *Spawner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Spawner{client: client, cfg: cfg.withDefaults(), log: log}
}

// SpawnAll issues one spawn call per unit, concurrently, and returns once
// every call has settled. Outcomes are in unit order. A failed spawn is
// recorded on its outcome and never stops the others.
func (s *Spawner) SpawnAll(ctx context.Context, units []WorkUnit) []SpawnOutcome {
	outcomes := make([]SpawnOutcome, len(units))

	var g errgroup.Group
	g.SetLimit(s.cfg.FanOutConcurrency)
	for i := range units {
		g.Go(func() error {
			outcomes[i] = s.spawn(ctx, units[i])
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (s *Spawner) spawn(ctx context.Context, unit WorkUnit) (out SpawnOutcome) {
	out.Label = BuildLabel(unit.ID, s.cfg.LabelMaxLen)
	m := metrics.Get()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("spawn panicked", zap.String("label", out.Label), zap.Any("panic", r), zap.Stack("stack"))
			out.SessionID = ""
			out.Error = "spawn panicked"
		}
		m.RecordAgentSpawn(out.Spawned())
	}()

	res, err := s.client.Spawn(ctx, agentrpc.SpawnRequest{
		Task:              unit.Task,
		Label:             out.Label,
		RunTimeoutSeconds: s.cfg.AgentRunTimeoutSeconds,
	})
	if err != nil {
		s.log.Warn("agent spawn failed", zap.String("label", out.Label), zap.Error(err))
		out.Error = err.Error()
		return out
	}

	out.SessionID = res.SessionKey
	out.RunID = res.RunID
	if out.SessionID == "" {
		out.Error = "agent service returned no session key"
		return out
	}
	s.log.Info("agent spawned",
		zap.String("label", out.Label),
		zap.String("session_id", out.SessionID),
		zap.String("run_id", out.RunID),
	)
	return out
}
