package testutils

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/Chichichkin/telemetry-agent/internal/logging"
	"github.com/Chichichkin/telemetry-agent/internal/persistence"
)

// SendCall records one SendAsync invocation.
type SendCall struct {
	AppID     uuid.UUID
	BatchID   uuid.UUID
	Container *logging.LogContainer
	Callback  logging.Callback
}

// MockSender records every SendAsync call. With Hold set, callbacks are kept
// for the test to complete later; otherwise each call completes synchronously
// with Err.
type MockSender struct {
	mu          sync.Mutex
	Calls       []SendCall
	Hold        bool
	Err         error
	CloseErr    error
	CloseCalls  int
	ReopenCalls int
}

func (m *MockSender) SendAsync(appID, batchID uuid.UUID, container *logging.LogContainer, cb logging.Callback) {
	m.mu.Lock()
	m.Calls = append(m.Calls, SendCall{AppID: appID, BatchID: batchID, Container: container, Callback: cb})
	hold, err := m.Hold, m.Err
	m.mu.Unlock()

	if !hold {
		cb(err)
	}
}

func (m *MockSender) Reopen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReopenCalls++
}

func (m *MockSender) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return m.CloseErr
}

func (m *MockSender) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

func (m *MockSender) SetHold(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Hold = hold
}

func (m *MockSender) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

func (m *MockSender) Call(i int) SendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[i]
}

func (m *MockSender) Closes() (closeCalls, reopenCalls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCalls, m.ReopenCalls
}

// SentMessages flattens the messages of every sent container, in send order.
func (m *MockSender) SentMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.Calls {
		for _, l := range c.Container.Logs {
			out = append(out, l.Message)
		}
	}
	return out
}

// MockGroupListener counts delivery notifications.
type MockGroupListener struct {
	mu        sync.Mutex
	Successes []*logging.Log
	Failures  []*logging.Log
	LastErr   error
}

func (m *MockGroupListener) OnSuccess(log *logging.Log) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Successes = append(m.Successes, log)
}

func (m *MockGroupListener) OnFailure(log *logging.Log, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failures = append(m.Failures, log)
	m.LastErr = err
}

func (m *MockGroupListener) Counts() (successes, failures int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Successes), len(m.Failures)
}

// MockListener records enqueue notifications and can decorate logs.
type MockListener struct {
	mu       sync.Mutex
	Groups   []string
	Logs     []*logging.Log
	Decorate func(log *logging.Log)
}

func (m *MockListener) OnEnqueuingLog(log *logging.Log, group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Groups = append(m.Groups, group)
	m.Logs = append(m.Logs, log)
	if m.Decorate != nil {
		m.Decorate(log)
	}
}

func (m *MockListener) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Logs)
}

// StaticDevice always returns the same snapshot, or Err when set.
type StaticDevice struct {
	Snapshot logging.Device
	Err      error
}

func (d *StaticDevice) Device() (*logging.Device, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	snap := d.Snapshot
	return &snap, nil
}

// ErrInjected is returned by CountingStore when a fault is armed.
var ErrInjected = errors.New("injected storage fault")

// CountingStore wraps a persistence.Store, counts calls and can fail writes or
// reads on demand.
type CountingStore struct {
	persistence.Store

	mu                sync.Mutex
	PutCalls          int
	NextBatchCalls    int
	DeleteCalls       int
	ClearPendingCalls int
	ClearCalls        int
	ClearAllCalls     int
	FailPut           bool
	FailNextBatch     bool
}

func NewCountingStore(inner persistence.Store) *CountingStore {
	return &CountingStore{Store: inner}
}

func (s *CountingStore) PutLog(ctx context.Context, group string, log *logging.Log) (int64, error) {
	s.mu.Lock()
	s.PutCalls++
	fail := s.FailPut
	s.mu.Unlock()
	if fail {
		return 0, persistence.Fault("put", ErrInjected)
	}
	return s.Store.PutLog(ctx, group, log)
}

func (s *CountingStore) NextBatch(ctx context.Context, group string, limit int) (*persistence.Batch, error) {
	s.mu.Lock()
	s.NextBatchCalls++
	fail := s.FailNextBatch
	s.mu.Unlock()
	if fail {
		return nil, persistence.Fault("next batch", ErrInjected)
	}
	return s.Store.NextBatch(ctx, group, limit)
}

func (s *CountingStore) Delete(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	s.DeleteCalls++
	s.mu.Unlock()
	return s.Store.Delete(ctx, ids)
}

func (s *CountingStore) ClearPending(ctx context.Context, group string) error {
	s.mu.Lock()
	s.ClearPendingCalls++
	s.mu.Unlock()
	return s.Store.ClearPending(ctx, group)
}

func (s *CountingStore) Clear(ctx context.Context, group string) error {
	s.mu.Lock()
	s.ClearCalls++
	s.mu.Unlock()
	return s.Store.Clear(ctx, group)
}

func (s *CountingStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	s.ClearAllCalls++
	s.mu.Unlock()
	return s.Store.ClearAll(ctx)
}

// StoreCalls is a point-in-time copy of the CountingStore counters.
type StoreCalls struct {
	PutCalls          int
	NextBatchCalls    int
	DeleteCalls       int
	ClearPendingCalls int
	ClearCalls        int
	ClearAllCalls     int
}

// Snapshot returns a copy of the call counters.
func (s *CountingStore) Snapshot() StoreCalls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreCalls{
		PutCalls:          s.PutCalls,
		NextBatchCalls:    s.NextBatchCalls,
		DeleteCalls:       s.DeleteCalls,
		ClearPendingCalls: s.ClearPendingCalls,
		ClearCalls:        s.ClearCalls,
		ClearAllCalls:     s.ClearAllCalls,
	}
}

func (s *CountingStore) SetFailPut(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailPut = fail
}

func (s *CountingStore) SetFailNextBatch(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailNextBatch = fail
}

// MockEnqueuer collects logs handed to it by a log source.
type MockEnqueuer struct {
	mu     sync.Mutex
	Logs   []*logging.Log
	Groups []string
}

func (m *MockEnqueuer) Enqueue(log *logging.Log, group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = append(m.Logs, log)
	m.Groups = append(m.Groups, group)
}

func (m *MockEnqueuer) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Logs))
	for i, l := range m.Logs {
		out[i] = l.Message
	}
	return out
}

// CreateTempLogStructure lays out a small pod-style log tree and returns its
// root.
func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"default_pod-3_uid789/container/app.log":            "log content 4\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
		"monitoring_pod-4_uid101/prometheus/notes.txt":      "not a log\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
