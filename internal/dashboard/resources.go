package dashboard

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"orderflow/internal/metrics"
	"orderflow/logger"
)

// backlogWarnRatio is the buffer fill at which a sample logs a warning.
const backlogWarnRatio = 0.9

// Workload is the queue side of one instrument's pipeline.
type Workload interface {
	Symbol() string
	Load() metrics.InstrumentLoad
}

type hostUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryUsed  uint64  `json:"memory_used"`
	MemoryTotal uint64  `json:"memory_total"`
	MemoryPct   float64 `json:"memory_percent"`
	DiskUsed    uint64  `json:"disk_used"`
	DiskTotal   uint64  `json:"disk_total"`
	DiskPct     float64 `json:"disk_percent"`
}

// resourceSample is one tick of the sampler. Host is nil when the host
// counters could not be read; instrument loads are reported regardless.
type resourceSample struct {
	Timestamp   time.Time                `json:"timestamp"`
	Host        *hostUsage               `json:"host,omitempty"`
	Instruments []metrics.InstrumentLoad `json:"instruments"`
}

type resourceSampler struct {
	mu        sync.RWMutex
	samples   []resourceSample
	workloads map[string]Workload
	limit     int
	interval  time.Duration
	diskPath  string
	now       func() time.Time

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Entry
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

func newResourceSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = defaultHistory
	}
	if interval <= 0 {
		interval = time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &resourceSampler{
		workloads: make(map[string]Workload),
		limit:     limit,
		interval:  interval,
		diskPath:  diskPath,
		now:       time.Now,
		log:       log.WithComponent("resource_sampler"),
	}
}

func (s *resourceSampler) track(w Workload) {
	s.mu.Lock()
	s.workloads[strings.ToUpper(w.Symbol())] = w
	s.mu.Unlock()
}

func (s *resourceSampler) tracks(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.workloads[strings.ToUpper(symbol)]
	return ok
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil || s.running.Swap(true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		for ctx.Err() == nil {
			s.record(s.collect(ctx))
		}
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// collect takes one sample. The CPU reading spans the sampling interval, so
// it paces the loop; when it fails the interval is waited out instead.
func (s *resourceSampler) collect(ctx context.Context) resourceSample {
	host, err := s.host(ctx)
	if err != nil {
		s.log.WithError(err).Debug("failed to sample host usage")
		select {
		case <-ctx.Done():
		case <-time.After(s.interval):
		}
	}
	return resourceSample{Timestamp: s.now(), Host: host, Instruments: s.loads()}
}

func (s *resourceSampler) host(ctx context.Context) (*hostUsage, error) {
	cpuSamples, err := cpuPercentFn(ctx, s.interval)
	if err != nil {
		return nil, err
	}
	vm, err := memoryStatsFn(ctx)
	if err != nil {
		return nil, err
	}
	du, err := diskUsageFn(ctx, s.diskPath)
	if err != nil {
		return nil, err
	}
	h := &hostUsage{
		MemoryUsed:  vm.Used,
		MemoryTotal: vm.Total,
		MemoryPct:   vm.UsedPercent,
		DiskUsed:    du.Used,
		DiskTotal:   du.Total,
		DiskPct:     du.UsedPercent,
	}
	if len(cpuSamples) > 0 {
		h.CPUPercent = cpuSamples[0]
	}
	return h, nil
}

// loads samples every tracked workload, ordered by symbol.
func (s *resourceSampler) loads() []metrics.InstrumentLoad {
	s.mu.RLock()
	out := make([]metrics.InstrumentLoad, 0, len(s.workloads))
	for _, w := range s.workloads {
		out = append(out, w.Load())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (s *resourceSampler) record(sample resourceSample) {
	for _, l := range sample.Instruments {
		if l.Backlog() >= backlogWarnRatio {
			s.log.WithSymbol(l.Symbol).WithFields(logger.Fields{
				"raw_len":    l.RawLen,
				"events_len": l.EventsLen,
			}).Warn("instrument buffers nearly full")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	if over := len(s.samples) - s.limit; over > 0 {
		s.samples = append([]resourceSample(nil), s.samples[over:]...)
	}
}

func (s *resourceSampler) snapshot() []resourceSample {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]resourceSample(nil), s.samples...)
}

type loadPoint struct {
	Timestamp time.Time              `json:"timestamp"`
	Load      metrics.InstrumentLoad `json:"load"`
}

// history returns the sampled loads of one instrument, oldest first.
func (s *resourceSampler) history(symbol string) []loadPoint {
	var out []loadPoint
	for _, sample := range s.snapshot() {
		for _, l := range sample.Instruments {
			if strings.EqualFold(l.Symbol, symbol) {
				out = append(out, loadPoint{Timestamp: sample.Timestamp, Load: l})
			}
		}
	}
	return out
}
