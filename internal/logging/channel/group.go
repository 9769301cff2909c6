package channel

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Chichichkin/telemetry-agent/internal/logging"
	"github.com/Chichichkin/telemetry-agent/internal/persistence"
)

// GroupConfig configures one named log stream.
type GroupConfig struct {
	Name string
	// MaxLogsPerBatch is both the batch size and the enqueue count that
	// triggers an immediate send.
	MaxLogsPerBatch int
	// BatchInterval is how long a partial batch may wait before it is sent.
	// Zero sends on the next timer tick.
	BatchInterval time.Duration
	// MaxParallelBatches caps the batches awaiting a send result.
	MaxParallelBatches int
	// Listener is optional.
	Listener logging.GroupListener
}

func (g GroupConfig) Validate() error {
	switch {
	case strings.TrimSpace(g.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidGroupConfig)
	case g.MaxLogsPerBatch < 1:
		return fmt.Errorf("%w: group %q: maxLogsPerBatch must be >= 1", ErrInvalidGroupConfig, g.Name)
	case g.BatchInterval < 0:
		return fmt.Errorf("%w: group %q: batchInterval must be >= 0", ErrInvalidGroupConfig, g.Name)
	case g.MaxParallelBatches < 1:
		return fmt.Errorf("%w: group %q: maxParallelBatches must be >= 1", ErrInvalidGroupConfig, g.Name)
	}
	return nil
}

// groupState is owned by the Channel and only touched under Channel.mu.
type groupState struct {
	cfg GroupConfig

	// counter is the number of logs persisted since the last trigger.
	counter int

	timer    *time.Timer
	timerSeq uint64

	inFlight map[uuid.UUID]*persistence.Batch
}

func newGroupState(cfg GroupConfig) *groupState {
	return &groupState{
		cfg:      cfg,
		inFlight: make(map[uuid.UUID]*persistence.Batch),
	}
}

func (g *groupState) name() string { return g.cfg.Name }

func (g *groupState) hasFreeSlot() bool {
	return len(g.inFlight) < g.cfg.MaxParallelBatches
}

// schedule arms the flush timer unless one is already pending. fire receives
// the sequence number it was armed with so a late firing can be recognized.
func (g *groupState) schedule(fire func(seq uint64)) {
	if g.timer != nil {
		return
	}
	g.timerSeq++
	seq := g.timerSeq
	g.timer = time.AfterFunc(g.cfg.BatchInterval, func() { fire(seq) })
}

func (g *groupState) cancelTimer() {
	if g.timer == nil {
		return
	}
	g.timer.Stop()
	g.timer = nil
}

// claimTimer reports whether a firing armed with seq is still the live timer,
// and disarms it if so.
func (g *groupState) claimTimer(seq uint64) bool {
	if g.timer == nil || g.timerSeq != seq {
		return false
	}
	g.timer = nil
	return true
}
