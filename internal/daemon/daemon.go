// Package daemon tails log files and enqueues every new line into a channel
// group.
package daemon

import (
	"context"
	"io"
	"maps"
	"sync"
	"time"

	"github.com/hpcloud/tail"

	"github.com/Chichichkin/telemetry-agent/internal/logger"
	"github.com/Chichichkin/telemetry-agent/internal/logging"
)

// Enqueuer receives the logs read from tailed files.
type Enqueuer interface {
	Enqueue(log *logging.Log, group string)
}

type Config struct {
	// Group is the channel group every line is enqueued into.
	Group string
	// Patterns are doublestar globs, e.g. /var/log/pods/**/*.log.
	Patterns []string
	LogType  string
	NodeName string

	ScanInterval       time.Duration
	MinWorkers         int
	MaxWorkers         int
	FileQueueSize      int
	ScaleUpThreshold   float64 // default: 0.9
	ScaleDownThreshold float64 // default: 0.3
	ScaleCheckInterval time.Duration
	// If > 0, stop tailing a file after this period without new lines
	FileIdleTimeout time.Duration
	// MetricsInterval is how often counters are logged. Zero disables it.
	MetricsInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.LogType == "" {
		c.LogType = "line"
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 30 * time.Second
	}
	if c.MinWorkers < 1 {
		c.MinWorkers = 2
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.FileQueueSize < 1 {
		c.FileQueueSize = 50
	}
	if c.ScaleUpThreshold == 0 {
		c.ScaleUpThreshold = 0.9
	}
	if c.ScaleDownThreshold == 0 {
		c.ScaleDownThreshold = 0.3
	}
	if c.ScaleCheckInterval <= 0 {
		c.ScaleCheckInterval = 15 * time.Second
	}
}

// Service discovers files matching its patterns and tails each one on a pool
// of workers that grows and shrinks with the file queue.
type Service struct {
	config        Config
	enqueuer      Enqueuer
	logger        logger.Logger
	fileQueue     chan string
	workers       []*worker
	workersWg     sync.WaitGroup
	subServicesWg sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	metrics       *Metrics

	scaleMutex     sync.RWMutex
	currentWorkers int
	maxWorkers     int
	minWorkers     int

	filesMu sync.Mutex
	// seenFiles are every file ever discovered, active those queued or tailed.
	seenFiles map[string]struct{}
	active    map[string]struct{}
}

type worker struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService always creates 2 + config.MinWorkers go routines on Start(),
// plus one when MetricsInterval is set.
func NewService(ctx context.Context, config Config, enqueuer Enqueuer, logr logger.Logger) *Service {
	config.applyDefaults()
	if logr == nil {
		logr = logger.NewNop()
	}
	nCtx, cancel := context.WithCancel(ctx)

	service := &Service{
		config:    config,
		enqueuer:  enqueuer,
		logger:    logr,
		fileQueue: make(chan string, config.FileQueueSize),
		ctx:       nCtx,
		cancel:    cancel,
		metrics: &Metrics{
			FilesQueueCapacity: config.FileQueueSize,
		},
		minWorkers:     config.MinWorkers,
		maxWorkers:     config.MaxWorkers,
		currentWorkers: config.MinWorkers,
		seenFiles:      make(map[string]struct{}),
		active:         make(map[string]struct{}),
	}

	service.workers = make([]*worker, config.MaxWorkers+1)

	return service
}

func (s *Service) Start() {
	s.logger.Info("starting log source",
		logger.F("group", s.config.Group),
		logger.F("patterns", s.config.Patterns),
		logger.F("min_workers", s.minWorkers),
		logger.F("max_workers", s.maxWorkers),
		logger.F("queue_size", s.config.FileQueueSize))

	s.scaleMutex.Lock()
	for i := 0; i < s.minWorkers; i++ {
		s.startWorker(i)
	}
	s.scaleMutex.Unlock()

	s.subServicesWg.Add(1)
	go s.scanner()

	s.subServicesWg.Add(1)
	go s.monitorAndScale()

	if s.config.MetricsInterval > 0 {
		s.subServicesWg.Add(1)
		go s.metricsReporter()
	}
}

// Stop cancels every tail and waits for the workers to exit.
func (s *Service) Stop() {
	s.cancel()

	s.subServicesWg.Wait()

	close(s.fileQueue)
	s.workersWg.Wait()

	s.logger.Info("log source stopped", logger.F("group", s.config.Group))
}

// Run starts the service and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.Start()
	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	s.Stop()
	return nil
}

func (s *Service) Metrics() Metrics {
	return s.metrics.GetMetricsStamp()
}

func (s *Service) startWorker(id int) {
	if id >= len(s.workers) || s.workers[id] != nil {
		return
	}

	workerCtx, cancel := context.WithCancel(s.ctx)
	w := &worker{
		id:     id,
		ctx:    workerCtx,
		cancel: cancel,
	}
	s.workers[id] = w

	s.workersWg.Add(1)
	go s.worker(w)

	s.metrics.IncWorkersActive()
	s.logger.Debug("worker started", logger.F("group", s.config.Group), logger.F("worker", id))
}

func (s *Service) stopWorker(id int) {
	if id >= len(s.workers) || s.workers[id] == nil {
		return
	}

	s.workers[id].cancel()
	s.workers[id] = nil

	s.metrics.DecWorkersActive()
	s.logger.Debug("worker stopped", logger.F("group", s.config.Group), logger.F("worker", id))
}

func (s *Service) worker(w *worker) {
	defer s.workersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panicked", logger.F("worker", w.id), logger.F("panic", r))
		}
	}()

	for {
		select {
		case filePath, ok := <-s.fileQueue:
			if !ok {
				return
			}
			s.metrics.DecAmountQueueFiles()
			s.metrics.IncWorkersBusy()
			s.processFile(w.ctx, filePath)
			s.metrics.DecWorkersBusy()
			s.release(filePath)

		case <-w.ctx.Done():
			return
		}
	}
}

func (s *Service) processFile(ctx context.Context, filePath string) {
	defer s.metrics.IncFilesProcessed()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("file processing panicked", logger.F("file", filePath), logger.F("panic", r))
			s.metrics.IncFilesFailed()
		}
	}()

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.Warn("failed to tail file", logger.F("file", filePath), logger.F("error", err))
		s.metrics.IncFilesFailed()
		return
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()

	s.follow(ctx, filePath, t.Lines)
}

// follow enqueues every line read from lines until the context ends, the file
// goes idle or the tailer closes lines.
func (s *Service) follow(ctx context.Context, filePath string, lines <-chan *tail.Line) {
	labels := extractLabels(s.config.NodeName, filePath)

	checkTicker := time.NewTicker(1 * time.Second)
	defer checkTicker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line.Err != nil {
				s.logger.Warn("error reading file", logger.F("file", filePath), logger.F("error", line.Err))
				continue
			}

			s.enqueuer.Enqueue(&logging.Log{
				Type:       s.config.LogType,
				Message:    line.Text,
				Properties: maps.Clone(labels),
			}, s.config.Group)
			s.metrics.IncLinesEnqueued()
			lastActivity = time.Now()

		case <-checkTicker.C:
			// waking up from blocking line reading to check context status and idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				s.logger.Debug("file idle, releasing", logger.F("file", filePath))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) scanner() {
	defer s.subServicesWg.Done()

	s.scanFiles()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()

		case <-s.ctx.Done():
			return
		}
	}
}

// scanFiles queues every matching file that is not already queued or tailed.
func (s *Service) scanFiles() {
	files, err := discoverFiles(s.config.Patterns)
	if err != nil {
		s.logger.Warn("error discovering log files", logger.F("group", s.config.Group), logger.F("error", err))
		return
	}

	for _, file := range files {
		if !s.claim(file) {
			continue
		}
		select {
		case s.fileQueue <- file:
			s.metrics.IncAmountQueueFiles()
		case <-s.ctx.Done():
			s.release(file)
			return

		default:
			s.release(file)
			s.logger.Warn("file queue full, skipping file",
				logger.F("queued", len(s.fileQueue)),
				logger.F("capacity", cap(s.fileQueue)),
				logger.F("file", file))
		}
	}
}

func (s *Service) claim(file string) bool {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()

	if _, ok := s.seenFiles[file]; !ok {
		s.metrics.IncFilesDiscovered()
		s.seenFiles[file] = struct{}{}
	}
	if _, busy := s.active[file]; busy {
		return false
	}
	s.active[file] = struct{}{}
	return true
}

func (s *Service) release(file string) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	delete(s.active, file)
}

func (s *Service) monitorAndScale() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(s.config.ScaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.adjustWorkers()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) adjustWorkers() {
	metrics := s.metrics.GetMetricsStamp()

	s.scaleMutex.RLock()
	current := s.currentWorkers
	s.scaleMutex.RUnlock()

	queueUsage := metrics.GetQueueUsage()
	workerUtilization := 0.0
	if current > 0 {
		workerUtilization = float64(metrics.WorkersBusy) / float64(current)
	}

	if queueUsage > s.config.ScaleUpThreshold &&
		workerUtilization > s.config.ScaleUpThreshold &&
		current < s.maxWorkers {
		s.scaleUp()
	} else if queueUsage < s.config.ScaleDownThreshold &&
		workerUtilization < s.config.ScaleDownThreshold &&
		current > s.minWorkers {
		s.scaleDown()
	}
}

func (s *Service) scaleUp() {
	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()

	if s.currentWorkers >= s.maxWorkers {
		return
	}

	newWorkerID := s.currentWorkers
	s.currentWorkers++

	s.startWorker(newWorkerID)
	s.metrics.IncScaleUpOperations()

	s.logger.Info("scaled up workers",
		logger.F("group", s.config.Group),
		logger.F("workers", s.currentWorkers),
		logger.F("queue_usage", s.metrics.GetQueueUsage()))
}

func (s *Service) scaleDown() {
	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()

	if s.currentWorkers <= s.minWorkers {
		return
	}

	workerToStop := s.currentWorkers - 1
	s.currentWorkers--

	s.stopWorker(workerToStop)
	s.metrics.IncScaleDownOperations()

	s.logger.Info("scaled down workers",
		logger.F("group", s.config.Group),
		logger.F("workers", s.currentWorkers),
		logger.F("queue_usage", s.metrics.GetQueueUsage()))
}

func (s *Service) metricsReporter() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m := s.metrics.GetMetricsStamp()
			s.logger.Info("log source metrics",
				logger.F("group", s.config.Group),
				logger.F("workers_active", m.WorkersActive),
				logger.F("workers_busy", m.WorkersBusy),
				logger.F("queued_files", m.QueuedFiles),
				logger.F("files_processed", m.FilesProcessed),
				logger.F("files_discovered", m.FilesDiscovered),
				logger.F("lines_enqueued", m.LinesEnqueued),
				logger.F("scale_up", m.ScaleUpOperations),
				logger.F("scale_down", m.ScaleDownOperations))

		case <-s.ctx.Done():
			return
		}
	}
}
