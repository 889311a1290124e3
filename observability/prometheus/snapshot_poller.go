package prometheus

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// QueueSnapshotProvider provides current task queue stats. Satisfied by
// core.TaskQueue.
type QueueSnapshotProvider interface {
	Len() int
	ActiveCount() int
}

// ThreadSnapshotProvider provides the current managed thread count. Satisfied
// by core.ThreadManager.
type ThreadSnapshotProvider interface {
	ActiveCount() int
}

// SnapshotPoller periodically exports queue and thread snapshots into
// Prometheus gauges. Push-style metrics from core.Metrics capture events;
// the poller captures levels, which would otherwise go stale between events.
type SnapshotPoller struct {
	interval time.Duration

	queuesMu sync.RWMutex
	queues   map[string]QueueSnapshotProvider

	threadsMu sync.RWMutex
	threads   map[string]ThreadSnapshotProvider

	queuePending  *prom.GaugeVec
	queueActive   *prom.GaugeVec
	threadsActive *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	queuePending := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "floorlink",
		Name:      "queue_pending",
		Help:      "Number of pending tasks per queue.",
	}, []string{"queue"})
	queueActive := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "floorlink",
		Name:      "queue_active",
		Help:      "Number of tasks currently executing per queue.",
	}, []string{"queue"})
	threadsActive := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "floorlink",
		Name:      "threads_active",
		Help:      "Number of managed threads per supervisor.",
	}, []string{"manager"})

	var err error
	if queuePending, err = registerCollector(reg, queuePending); err != nil {
		return nil, err
	}
	if queueActive, err = registerCollector(reg, queueActive); err != nil {
		return nil, err
	}
	if threadsActive, err = registerCollector(reg, threadsActive); err != nil {
		return nil, err
	}

	return &SnapshotPoller{
		interval:      interval,
		queues:        make(map[string]QueueSnapshotProvider),
		threads:       make(map[string]ThreadSnapshotProvider),
		queuePending:  queuePending,
		queueActive:   queueActive,
		threadsActive: threadsActive,
	}, nil
}

// AddQueue adds or replaces a queue snapshot provider by name.
func (p *SnapshotPoller) AddQueue(name string, provider QueueSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "queue")
	p.queuesMu.Lock()
	p.queues[name] = provider
	p.queuesMu.Unlock()
}

// AddThreadManager adds or replaces a thread supervisor snapshot provider by
// name.
func (p *SnapshotPoller) AddThreadManager(name string, provider ThreadSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "manager")
	p.threadsMu.Lock()
	p.threads[name] = provider
	p.threadsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.queuesMu.RLock()
	for name, provider := range p.queues {
		p.queuePending.WithLabelValues(name).Set(float64(provider.Len()))
		p.queueActive.WithLabelValues(name).Set(float64(provider.ActiveCount()))
	}
	p.queuesMu.RUnlock()

	p.threadsMu.RLock()
	for name, provider := range p.threads {
		p.threadsActive.WithLabelValues(name).Set(float64(provider.ActiveCount()))
	}
	p.threadsMu.RUnlock()
}
