package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// SelfSample holds CPU and memory figures for the daemon process.
type SelfSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// SelfCollector periodically samples the daemon's own resource usage.
type SelfCollector struct {
	interval time.Duration
	pid      int32
	logger   *slog.Logger

	mu   sync.RWMutex
	last *SelfSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent prometheus.Gauge
	memoryMB   prometheus.Gauge
	numThreads prometheus.Gauge
	numFDs     prometheus.Gauge
}

// NewSelfCollector creates a collector for the current process. A zero
// interval defaults to 15s and a nil logger means slog.Default.
func NewSelfCollector(interval time.Duration, logger *slog.Logger) *SelfCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "histd", Subsystem: "daemon", Name: name, Help: help})
	}
	return &SelfCollector{
		interval:   interval,
		pid:        int32(os.Getpid()),
		logger:     logger.With("component", "metrics"),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the daemon."),
		memoryMB:   gauge("memory_mb", "Resident memory of the daemon in MB."),
		numThreads: gauge("num_threads", "Threads used by the daemon."),
		numFDs:     gauge("num_fds", "Open file descriptors of the daemon (Unix only)."),
	}
}

// Register adds the gauges to r. Gauges already registered by an earlier
// collector are adopted so this collector's samples still reach r.
func (c *SelfCollector) Register(r prometheus.Registerer) error {
	gs := []*prometheus.Gauge{&c.cpuPercent, &c.memoryMB, &c.numThreads}
	if runtime.GOOS != "windows" {
		gs = append(gs, &c.numFDs)
	}
	for _, g := range gs {
		if err := r.Register(*g); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
			existing, ok := are.ExistingCollector.(prometheus.Gauge)
			if !ok {
				return err
			}
			*g = existing
		}
	}
	return nil
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (c *SelfCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if _, err := c.Sample(); err != nil {
					c.logger.Debug("sampling daemon metrics failed", "pid", c.pid, "error", err)
				}
			}
		}
	}()
}

func (c *SelfCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Sample reads current figures, updates the gauges and remembers the result.
func (c *SelfCollector) Sample() (SelfSample, error) {
	proc, err := process.NewProcess(c.pid)
	if err != nil {
		return SelfSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return SelfSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	s := SelfSample{
		PID:       c.pid,
		MemoryMB:  float64(memInfo.RSS) / 1024 / 1024,
		Timestamp: time.Now(),
	}
	// CPU percent needs a previous call for an accurate figure; 0 is fine on the first one
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}

	c.cpuPercent.Set(s.CPUPercent)
	c.memoryMB.Set(s.MemoryMB)
	c.numThreads.Set(float64(s.NumThreads))
	if s.NumFDs > 0 {
		c.numFDs.Set(float64(s.NumFDs))
	}

	c.mu.Lock()
	c.last = &s
	c.mu.Unlock()
	return s, nil
}

// Last returns the most recent sample, if any.
func (c *SelfCollector) Last() (SelfSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return SelfSample{}, false
	}
	return *c.last, true
}
