package cm

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures a machine. Zero fields take defaults.
type Options struct {
	// ID keys the persisted window. A machine restarted with the same ID
	// resumes its operation. Zero allocates a fresh id from the registry.
	ID uint64
	// Endpoint is this replica's address, sent as the origin of window
	// updates. At most MaxEndpointLen bytes.
	Endpoint string

	Store     Store
	Transport Transport
	Catalog   Catalog
	Reporter  Reporter
	// Executor is shared between machines. Nil starts a private one that is
	// closed by Fini.
	Executor *Executor
	Logger   *slog.Logger
	Metrics  *Metrics
	Faults   *FaultInjector

	LivenessInterval time.Duration
	ConnectTimeout   time.Duration
}

func DefaultOptions() Options {
	return Options{
		LivenessInterval: 2 * time.Second,
		ConnectTimeout:   3 * time.Second,
	}
}

// FillDefaults sets every zero field to its default.
func (o *Options) FillDefaults() {
	d := DefaultOptions()
	if o.LivenessInterval <= 0 {
		o.LivenessInterval = d.LivenessInterval
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Store == nil {
		o.Store = NewMemStore()
	}
	if o.Reporter == nil {
		o.Reporter = LogReporter{Log: o.Logger}
	}
	if o.Metrics == nil {
		o.Metrics = DefaultMetrics()
	}
}

// Fault injection points.
const (
	FaultInit   = "init_failure"
	FaultSetup  = "setup_failure"
	FaultSetup2 = "setup_failure_2"
)

// FaultInjector arms named failure points. A nil injector never fires.
type FaultInjector struct {
	mu     sync.Mutex
	points map[string]int
}

func NewFaultInjector() *FaultInjector {
	return &FaultInjector{points: make(map[string]int)}
}

// Enable arms point until disabled.
func (fi *FaultInjector) Enable(point string) { fi.set(point, -1) }

// EnableOnce arms point for its next hit only.
func (fi *FaultInjector) EnableOnce(point string) { fi.set(point, 1) }

func (fi *FaultInjector) Disable(point string) {
	fi.mu.Lock()
	delete(fi.points, point)
	fi.mu.Unlock()
}

func (fi *FaultInjector) set(point string, n int) {
	fi.mu.Lock()
	fi.points[point] = n
	fi.mu.Unlock()
}

// Fires reports whether point is armed and consumes one-shot arms.
func (fi *FaultInjector) Fires(point string) bool {
	if fi == nil {
		return false
	}
	fi.mu.Lock()
	defer fi.mu.Unlock()
	n, ok := fi.points[point]
	if !ok {
		return false
	}
	if n > 0 {
		if n == 1 {
			delete(fi.points, point)
		} else {
			fi.points[point] = n - 1
		}
	}
	return true
}
