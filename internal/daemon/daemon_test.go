package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hpcloud/tail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/telemetry-agent/internal/testutils"
)

const (
	defaultScanInterval       = 10 * time.Millisecond
	defaultScaleCheckInterval = 10 * time.Millisecond
)

func makeTestConfig(root string) Config {
	return Config{
		Group:              "pods",
		Patterns:           []string{filepath.Join(root, "**", "*.log")},
		LogType:            "podLine",
		NodeName:           "node-1",
		ScanInterval:       defaultScanInterval,
		MinWorkers:         1,
		MaxWorkers:         3,
		FileQueueSize:      10,
		ScaleUpThreshold:   0.5,
		ScaleDownThreshold: 0.25,
		ScaleCheckInterval: defaultScaleCheckInterval,
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{MinWorkers: 4, MaxWorkers: 2}
	cfg.applyDefaults()

	assert.Equal(t, "line", cfg.LogType)
	assert.Equal(t, 30*time.Second, cfg.ScanInterval)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, 50, cfg.FileQueueSize)
	assert.Equal(t, 0.9, cfg.ScaleUpThreshold)
	assert.Equal(t, 0.3, cfg.ScaleDownThreshold)
}

func TestService_ContextCancellation(t *testing.T) {
	enqueuer := &testutils.MockEnqueuer{}
	config := makeTestConfig(t.TempDir())
	config.MaxWorkers = 2

	ctx, cancel := context.WithCancel(context.Background())
	s := NewService(ctx, config, enqueuer, nil)
	s.Start()

	cancel()
	time.Sleep(20 * time.Millisecond)

	select {
	case <-s.ctx.Done():
	default:
		t.Fatalf("service context not cancelled")
	}

	s.Stop()
}

func TestService_RunReturnsOnCancel(t *testing.T) {
	enqueuer := &testutils.MockEnqueuer{}
	ctx, cancel := context.WithCancel(context.Background())
	s := NewService(context.Background(), makeTestConfig(t.TempDir()), enqueuer, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAdjustWorkers_ScaleUpAndDown(t *testing.T) {
	enqueuer := &testutils.MockEnqueuer{}
	config := makeTestConfig(t.TempDir())
	config.MinWorkers = 1
	config.MaxWorkers = 3

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewService(ctx, config, enqueuer, nil)

	for i := 0; i < s.currentWorkers; i++ {
		s.metrics.IncWorkersBusy()
	}
	for i := 0; i < config.FileQueueSize; i++ {
		s.metrics.IncAmountQueueFiles()
	}

	s.adjustWorkers()
	assert.Equal(t, 2, s.currentWorkers)
	assert.Equal(t, 1, s.metrics.GetMetricsStamp().ScaleUpOperations)

	for s.metrics.GetMetricsStamp().WorkersBusy > 0 {
		s.metrics.DecWorkersBusy()
	}
	for s.metrics.GetMetricsStamp().QueuedFiles > 0 {
		s.metrics.DecAmountQueueFiles()
	}

	s.adjustWorkers()
	assert.Equal(t, 1, s.currentWorkers)
	assert.Equal(t, 1, s.metrics.GetMetricsStamp().ScaleDownOperations)

	s.adjustWorkers()
	assert.Equal(t, s.minWorkers, s.currentWorkers)

	s.cancel()
	s.workersWg.Wait()
}

func TestExtractLabels(t *testing.T) {
	path := "/var/log/pods/default_pod-1_uid123/container-1/app.log"
	labels := extractLabels("node-1", path)
	assert.Equal(t, "node-1", labels["node"])
	assert.Equal(t, "app.log", labels["file"])
	assert.Equal(t, "default", labels["namespace"])
	assert.Equal(t, "pod-1", labels["pod"])
	assert.Equal(t, "uid123", labels["pod_uid"])
	assert.Equal(t, "container-1", labels["container"])

	labels = extractLabels("", "/tmp/a.log")
	assert.Equal(t, map[string]string{"file": "a.log"}, labels)
}

func TestDiscoverFiles_UsesTempStructure(t *testing.T) {
	root := testutils.CreateTempLogStructure(t)

	files, err := discoverFiles([]string{filepath.Join(root, "**", "*.log")})
	require.NoError(t, err)
	assert.Len(t, files, 6)

	files, err = discoverFiles([]string{
		filepath.Join(root, "monitoring_*", "**", "*.log"),
		filepath.Join(root, "monitoring_pod-4_uid101", "grafana", "*.log"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "monitoring_pod-4_uid101", "grafana", "grafana.log"),
		filepath.Join(root, "monitoring_pod-4_uid101", "prometheus", "prometheus.log"),
	}, files)
}

func TestScanFiles_QueuesEachFileOnce(t *testing.T) {
	enqueuer := &testutils.MockEnqueuer{}
	tempDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "a.log"), []byte("one\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "b.log"), []byte("two\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "c.txt"), []byte("ignore\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewService(ctx, makeTestConfig(tempDir), enqueuer, nil)

	s.scanFiles()
	s.scanFiles()

	metrics := s.metrics.GetMetricsStamp()
	assert.Equal(t, 2, metrics.QueuedFiles)
	assert.Equal(t, 2, metrics.FilesDiscovered)

	s.release(filepath.Join(tempDir, "a.log"))
	s.scanFiles()
	assert.Equal(t, 3, s.metrics.GetMetricsStamp().QueuedFiles)
	assert.Equal(t, 2, s.metrics.GetMetricsStamp().FilesDiscovered)
}

func TestProcessFile_TailsAppendedLines(t *testing.T) {
	enqueuer := &testutils.MockEnqueuer{}
	tempDir := t.TempDir()
	file := filepath.Join(tempDir, "tailme.log")
	require.NoError(t, os.WriteFile(file, []byte("start\n"), 0644))

	config := makeTestConfig(tempDir)
	config.ScanInterval = 100 * time.Millisecond
	config.MinWorkers = 1
	config.MaxWorkers = 1
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := NewService(ctx, config, enqueuer, nil)

	s.Start()

	time.Sleep(300 * time.Millisecond)

	f, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, _ = f.WriteString("l1\n")
	_, _ = f.WriteString("l2\n")
	_ = f.Close()

	require.Eventually(t, func() bool { return len(enqueuer.Messages()) >= 2 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()

	assert.Equal(t, []string{"l1", "l2"}, enqueuer.Messages()[:2])
	assert.Equal(t, "pods", enqueuer.Groups[0])
	assert.Equal(t, "podLine", enqueuer.Logs[0].Type)
	assert.Equal(t, "tailme.log", enqueuer.Logs[0].Properties["file"])
	assert.GreaterOrEqual(t, s.Metrics().LinesEnqueued, 2)
}

func TestFollow_ReturnsWhenLinesClosed(t *testing.T) {
	enqueuer := &testutils.MockEnqueuer{}
	config := makeTestConfig(t.TempDir())
	config.FileIdleTimeout = time.Hour
	s := NewService(context.Background(), config, enqueuer, nil)

	lines := make(chan *tail.Line, 2)
	lines <- &tail.Line{Text: "only line"}
	close(lines)

	done := make(chan struct{})
	go func() {
		s.follow(context.Background(), "/var/log/pods/app.log", lines)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("follow kept running after the tailer closed its lines")
	}
	assert.Equal(t, []string{"only line"}, enqueuer.Messages())
}
