package channel

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Chichichkin/telemetry-agent/internal/logger"
	"github.com/Chichichkin/telemetry-agent/internal/logging"
	"github.com/Chichichkin/telemetry-agent/internal/metrics"
	"github.com/Chichichkin/telemetry-agent/internal/persistence"
)

// dispatch is a batch claimed under the channel lock that still has to be
// handed to its sender once the lock is released. The batch completes against
// the store it was claimed from: row ids are only meaningful there.
type dispatch struct {
	group  *groupState
	batch  *persistence.Batch
	store  persistence.Store
	sender logging.Sender
}

// buildContainer copies the batch logs and rewrites toffset from the absolute
// enqueue time to the age of the log at send time.
func buildContainer(batch *persistence.Batch, now time.Time) *logging.LogContainer {
	container := &logging.LogContainer{Logs: make([]*logging.Log, 0, len(batch.Logs))}
	nowMs := now.UnixMilli()
	for _, l := range batch.Logs {
		cp := l.Clone()
		if cp.Toffset > 0 {
			cp.Toffset = nowMs - cp.Toffset
		}
		container.Logs = append(container.Logs, cp)
	}
	return container
}

// send hands every claimed batch to its sender. It must be called without
// holding c.mu: senders may complete synchronously.
func (c *Channel) send(sends []*dispatch) {
	for _, d := range sends {
		var once sync.Once
		container := buildContainer(d.batch, c.now())
		c.logger.Debug("sending batch",
			logger.F("group", d.group.name()),
			logger.F("batch", d.batch.ID.String()),
			logger.F("logs", d.batch.Len()))
		d.sender.SendAsync(c.appID, d.batch.ID, container, func(err error) {
			called := false
			once.Do(func() {
				called = true
				c.complete(d, err)
			})
			if !called {
				c.logger.Warn("sender reported a batch result twice",
					logger.F("group", d.group.name()), logger.F("batch", d.batch.ID.String()))
			}
		})
	}
}

// complete is the single transition applied when a batch result arrives. It
// updates the in-flight bookkeeping and the stored rows together under c.mu.
func (c *Channel) complete(d *dispatch, sendErr error) {
	st, batch := d.group, d.batch
	name := st.name()
	recoverable := sendErr != nil && logging.IsRecoverableError(sendErr)

	c.mu.Lock()

	// A batch is stale when the channel wiped its bookkeeping (caller-driven
	// disable) or the group was removed or re-registered after it was sent.
	current := c.groups[name] == st && st.inFlight[batch.ID] != nil
	if current {
		delete(st.inFlight, batch.ID)
		c.metrics.SetInFlight(name, len(st.inFlight))
	}

	switch {
	case !recoverable:
		// Delivered, or rejected by the endpoint: retrying would repeat the
		// rejection.
		if err := d.store.Delete(c.ctx, batch.IDs); err != nil {
			c.logger.Error("failed to delete batch rows",
				logger.F("group", name), logger.F("batch", batch.ID.String()), logger.F("error", err))
		}
	case current || c.quiet(name):
		if err := d.store.ClearPending(c.ctx, name); err != nil {
			c.logger.Error("failed to release pending rows",
				logger.F("group", name), logger.F("batch", batch.ID.String()), logger.F("error", err))
		}
	}

	var (
		sends     []*dispatch
		toClose   logging.Sender
		listener  logging.GroupListener
		notifyFor = batch.Logs
	)
	switch {
	case !current:
		c.metrics.ObserveResult(name, metrics.ResultStale, batch.Len())
		c.logger.Debug("ignoring result of stale batch",
			logger.F("group", name), logger.F("batch", batch.ID.String()), logger.F("error", sendErr))
	case sendErr == nil:
		c.metrics.ObserveResult(name, metrics.ResultSuccess, batch.Len())
		listener = st.cfg.Listener
		if c.enabled {
			sends = c.triggerLocked(st)
		}
	default:
		result := metrics.ResultFatal
		if recoverable {
			result = metrics.ResultRecoverable
		}
		c.metrics.ObserveResult(name, result, batch.Len())
		listener = st.cfg.Listener
		if c.enabled {
			c.logger.Warn("batch send failed, disabling channel",
				logger.F("group", name),
				logger.F("batch", batch.ID.String()),
				logger.F("recoverable", recoverable),
				logger.F("error", sendErr))
			toClose = c.suspendLocked(false)
		}
	}

	c.mu.Unlock()

	if listener != nil {
		for _, l := range notifyFor {
			if sendErr == nil {
				listener.OnSuccess(l)
			} else {
				listener.OnFailure(l, sendErr)
			}
		}
	}
	c.closeSender(toClose)
	c.send(sends)
}

// quiet reports whether no batch of the named group is currently in flight,
// so releasing the group's pending marks cannot touch an outstanding batch.
func (c *Channel) quiet(name string) bool {
	st, ok := c.groups[name]
	return !ok || len(st.inFlight) == 0
}

func (c *Channel) closeSender(s logging.Sender) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		c.logger.Warn("failed to close sender", logger.F("error", err))
	}
}

func batchIDs(batches map[uuid.UUID]*persistence.Batch) []string {
	out := make([]string, 0, len(batches))
	for id := range batches {
		out = append(out, id.String())
	}
	return out
}
