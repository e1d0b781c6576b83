package engine

import (
	"context"
	"time"

	"github.com/stepvault/engine/internal/logging"
)

// stalenessThreshold is the duration after which an active session
// with no recorded step is reported by Doctor as stuck.
const stalenessThreshold = 1 * time.Hour

// Doctor reports every active session that started more than
// stalenessThreshold ago and has recorded no step: sessions an agent
// adapter crashed out of, or whose host process was killed mid-turn,
// and that will otherwise never reach idle or ended on their own.
func (e *Engine) Doctor(ctx context.Context) ([]StuckSession, error) {
	ctx, cancel := withTimeout(ctx, defaultOpTimeout)
	defer cancel()
	ctx = logging.WithComponent(ctx, "engine")

	cutoff := timeNow().Add(-stalenessThreshold)
	states, err := e.sessions.FindActiveOlderThan(ctx, cutoff)
	if err != nil {
		logging.Warn(ctx, "doctor: scanning active sessions", "error", err)
		return nil, err
	}

	out := make([]StuckSession, 0, len(states))
	for _, s := range states {
		out = append(out, StuckSession{
			SessionID:    s.SessionID,
			WorktreeID:   s.WorktreeID,
			WorktreePath: s.WorktreePath,
			StartedAt:    s.StartedAt,
			FilesTouched: s.FilesTouched,
		})
	}
	return out, nil
}

// timeNow exists so tests can stub the wall clock the same way the
// session store stubs it for staleness checks.
var timeNow = time.Now
