// Package channel groups, persists and batches logs and ships them through a
// logging.Sender.
//
// A Channel is either enabled or disabled. Any failed batch disables it: a
// recoverable failure keeps the batch queued, a fatal one discards it. There
// is no internal backoff timer; the host application decides when to call
// SetEnabled(true) again, which replays everything still queued.
package channel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Chichichkin/telemetry-agent/internal/logger"
	"github.com/Chichichkin/telemetry-agent/internal/logging"
	"github.com/Chichichkin/telemetry-agent/internal/metrics"
	"github.com/Chichichkin/telemetry-agent/internal/persistence"
)

var (
	ErrGroupNotRegistered = errors.New("channel: group not registered")
	ErrInvalidGroupConfig = errors.New("channel: invalid group configuration")
)

type Options struct {
	// AppID identifies the application to the ingestion endpoint.
	AppID  uuid.UUID
	Store  persistence.Store
	Sender logging.Sender
	Device logging.DeviceProvider

	Logger  logger.Logger
	Metrics *metrics.ChannelMetrics
	// Now defaults to time.Now.
	Now func() time.Time
}

type Channel struct {
	ctx     context.Context
	appID   uuid.UUID
	device  logging.DeviceProvider
	logger  logger.Logger
	metrics *metrics.ChannelMetrics
	now     func() time.Time

	mu        sync.Mutex
	store     persistence.Store
	sender    logging.Sender
	enabled   bool
	groups    map[string]*groupState
	listeners []logging.Listener
}

// GroupStatus is a point-in-time view of one group.
type GroupStatus struct {
	Name     string `json:"name"`
	Counter  int    `json:"counter"`
	InFlight int    `json:"inFlight"`
	Queued   int    `json:"queued"`
}

// New returns an enabled channel. ctx bounds every storage call.
func New(ctx context.Context, opts Options) (*Channel, error) {
	if opts.Store == nil {
		return nil, errors.New("channel: store is required")
	}
	if opts.Sender == nil {
		return nil, errors.New("channel: sender is required")
	}
	if opts.Device == nil {
		return nil, errors.New("channel: device provider is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AppID == uuid.Nil {
		opts.AppID = uuid.New()
	}

	c := &Channel{
		ctx:     ctx,
		appID:   opts.AppID,
		device:  opts.Device,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		store:   opts.Store,
		sender:  opts.Sender,
		enabled: true,
		groups:  make(map[string]*groupState),
	}
	c.metrics.SetEnabled(true)
	return c, nil
}

// AddGroup registers a group, replacing any group of the same name. Batches
// the replaced group still has in flight are treated as stale when they
// complete. Rows already queued for the group are sent after BatchInterval.
func (c *Channel) AddGroup(cfg GroupConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.groups[cfg.Name]; ok {
		old.cancelTimer()
	}
	st := newGroupState(cfg)
	c.groups[cfg.Name] = st
	c.metrics.SetInFlight(cfg.Name, 0)

	if !c.enabled {
		return nil
	}
	queued, err := c.store.Count(c.ctx, cfg.Name)
	if err != nil {
		c.logger.Error("failed to count queued logs", logger.F("group", cfg.Name), logger.F("error", err))
		return nil
	}
	if queued > 0 {
		c.scheduleLocked(st)
	}
	return nil
}

// RemoveGroup unregisters a group. Its queued rows stay in the store.
func (c *Channel) RemoveGroup(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.groups[name]
	if !ok {
		return
	}
	st.cancelTimer()
	delete(c.groups, name)
	c.metrics.SetInFlight(name, 0)
}

func (c *Channel) AddListener(l logging.Listener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Channel) RemoveListener(l logging.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = slices.DeleteFunc(c.listeners, func(x logging.Listener) bool { return x == l })
}

// Enqueue persists log into group and sends a batch when the group threshold
// is reached. It silently drops the log when the group is unknown, the
// channel is disabled, the device snapshot is unavailable or the store
// rejects the write. Enqueue never waits on the network.
//
// Device, Toffset and ID are stamped on log when unset.
func (c *Channel) Enqueue(log *logging.Log, group string) {
	if log == nil {
		return
	}

	c.mu.Lock()
	if _, ok := c.groups[group]; !ok {
		c.mu.Unlock()
		c.logger.Warn("dropping log for unregistered group", logger.F("group", group))
		c.metrics.IncDropped(group, metrics.DropUnknownGroup)
		return
	}
	if !c.enabled {
		c.mu.Unlock()
		c.metrics.IncDropped(group, metrics.DropDisabled)
		return
	}
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	if log.Device == nil {
		device, err := c.device.Device()
		if err != nil {
			c.logger.Error("device information unavailable, dropping log",
				logger.F("group", group), logger.F("error", err))
			c.metrics.IncDropped(group, metrics.DropEnrichment)
			return
		}
		log.Device = device
	}
	if log.Toffset == 0 {
		log.Toffset = c.now().UnixMilli()
	}
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}

	for _, l := range listeners {
		l.OnEnqueuingLog(log, group)
	}

	c.mu.Lock()
	st, ok := c.groups[group]
	if !ok || !c.enabled {
		c.mu.Unlock()
		c.metrics.IncDropped(group, metrics.DropDisabled)
		return
	}
	if _, err := c.store.PutLog(c.ctx, group, log); err != nil {
		c.mu.Unlock()
		c.logger.Error("failed to persist log", logger.F("group", group), logger.F("error", err))
		c.metrics.IncDropped(group, metrics.DropStorage)
		return
	}
	c.metrics.IncEnqueued(group)

	var sends []*dispatch
	st.counter++
	if st.counter >= st.cfg.MaxLogsPerBatch {
		sends = c.triggerLocked(st)
	} else {
		c.scheduleLocked(st)
	}
	c.mu.Unlock()

	c.send(sends)
}

// TriggerIngestion sends whatever every group has queued, within each group's
// parallel batch cap.
func (c *Channel) TriggerIngestion() {
	c.mu.Lock()
	var sends []*dispatch
	for _, st := range c.groups {
		sends = append(sends, c.triggerLocked(st)...)
	}
	c.mu.Unlock()

	c.send(sends)
}

func (c *Channel) IsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetEnabled(false) stops all timers, closes the sender and deletes every
// queued log. Results of batches already in flight are ignored afterwards.
// SetEnabled(true) reopens the sender and sends what the store holds.
func (c *Channel) SetEnabled(enabled bool) {
	c.mu.Lock()

	if !enabled {
		toClose := c.suspendLocked(true)
		c.mu.Unlock()
		c.closeSender(toClose)
		return
	}

	if c.enabled {
		c.mu.Unlock()
		return
	}
	c.enabled = true
	c.metrics.SetEnabled(true)
	c.sender.Reopen()
	c.logger.Info("channel enabled")

	var sends []*dispatch
	for _, st := range c.groups {
		sends = append(sends, c.triggerLocked(st)...)
	}
	c.mu.Unlock()

	c.send(sends)
}

// HasGroup reports whether a group of that name is registered.
func (c *Channel) HasGroup(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.groups[name]
	return ok
}

// Clear deletes every queued log of one group, leaving other groups alone.
func (c *Channel) Clear(group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.groups[group]
	if !ok {
		return fmt.Errorf("%w: %q", ErrGroupNotRegistered, group)
	}
	st.counter = 0
	st.cancelTimer()
	if err := c.store.Clear(c.ctx, group); err != nil {
		return fmt.Errorf("clear group %q: %w", group, err)
	}
	return nil
}

// Counter returns the number of logs enqueued into group since its last
// batch trigger.
func (c *Channel) Counter(group string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.groups[group]; ok {
		return st.counter
	}
	return 0
}

// InFlight returns the number of batches of group awaiting a send result.
func (c *Channel) InFlight(group string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.groups[group]; ok {
		return len(st.inFlight)
	}
	return 0
}

// Status reports every registered group, sorted by name.
func (c *Channel) Status() ([]GroupStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]GroupStatus, 0, len(c.groups))
	for name, st := range c.groups {
		queued, err := c.store.Count(c.ctx, name)
		if err != nil {
			return nil, fmt.Errorf("count group %q: %w", name, err)
		}
		out = append(out, GroupStatus{
			Name:     name,
			Counter:  st.counter,
			InFlight: len(st.inFlight),
			Queued:   queued,
		})
	}
	slices.SortFunc(out, func(a, b GroupStatus) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out, nil
}

// SetSender swaps the transport used for batches sent from now on.
func (c *Channel) SetSender(s logging.Sender) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = s
}

// SetStore swaps the log store used for new logs and batches. Batches in
// flight complete against the store they were read from.
func (c *Channel) SetStore(s persistence.Store) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = s
}

// Close stops all timers and closes the sender without touching queued logs.
// Rows of batches still in flight are released when the store is reopened.
func (c *Channel) Close() {
	c.mu.Lock()
	for _, st := range c.groups {
		st.cancelTimer()
		st.counter = 0
	}
	wasEnabled := c.enabled
	c.enabled = false
	c.metrics.SetEnabled(false)
	sender := c.sender
	c.mu.Unlock()

	if wasEnabled {
		c.closeSender(sender)
	}
}

// triggerLocked resets the group's counter and timer, then claims batches
// until the group has no free slot or nothing left to send. A read fault
// means no batch this cycle.
func (c *Channel) triggerLocked(st *groupState) []*dispatch {
	st.counter = 0
	st.cancelTimer()
	if !c.enabled {
		return nil
	}

	var sends []*dispatch
	for st.hasFreeSlot() {
		batch, err := c.store.NextBatch(c.ctx, st.name(), st.cfg.MaxLogsPerBatch)
		if err != nil {
			c.logger.Error("failed to read batch", logger.F("group", st.name()), logger.F("error", err))
			break
		}
		if batch.Len() == 0 {
			break
		}
		st.inFlight[batch.ID] = batch
		sends = append(sends, &dispatch{group: st, batch: batch, store: c.store, sender: c.sender})
		c.metrics.IncBatchSent(st.name())
	}
	c.metrics.SetInFlight(st.name(), len(st.inFlight))
	return sends
}

func (c *Channel) scheduleLocked(st *groupState) {
	st.schedule(func(seq uint64) { c.onTimer(st, seq) })
}

func (c *Channel) onTimer(st *groupState, seq uint64) {
	c.mu.Lock()
	if c.groups[st.name()] != st || !st.claimTimer(seq) || !c.enabled {
		c.mu.Unlock()
		return
	}
	sends := c.triggerLocked(st)
	c.mu.Unlock()

	c.send(sends)
}

// suspendLocked disables the channel. With wipe, queued logs are deleted and
// in-flight bookkeeping is dropped. It returns the sender to close once c.mu
// is released, or nil when the channel was already disabled.
func (c *Channel) suspendLocked(wipe bool) logging.Sender {
	wasEnabled := c.enabled
	c.enabled = false
	c.metrics.SetEnabled(false)

	for _, st := range c.groups {
		st.cancelTimer()
		st.counter = 0
		if wipe {
			if len(st.inFlight) > 0 {
				c.logger.Debug("abandoning in-flight batches",
					logger.F("group", st.name()), logger.F("batches", batchIDs(st.inFlight)))
			}
			clear(st.inFlight)
			c.metrics.SetInFlight(st.name(), 0)
		}
	}

	if wipe {
		if err := c.store.ClearAll(c.ctx); err != nil {
			c.logger.Error("failed to clear log store", logger.F("error", err))
		}
	}

	if !wasEnabled {
		return nil
	}
	c.logger.Info("channel disabled", logger.F("wipe", wipe))
	return c.sender
}
