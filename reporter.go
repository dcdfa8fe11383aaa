package cm

import (
	"log/slog"
	"sync"
)

// LogReporter reports failures as structured log records.
type LogReporter struct {
	Log *slog.Logger
}

func (r LogReporter) ReportFailure(loc string, kind FailureKind, err error) {
	l := r.Log
	if l == nil {
		l = slog.Default()
	}
	l.Warn("copy machine failure",
		slog.String("loc", loc),
		slog.String("kind", kind.String()),
		slog.Any("err", err))
}

// Failure is one report kept by a RecordingReporter.
type Failure struct {
	Loc  string
	Kind FailureKind
	Err  error
}

// RecordingReporter keeps every report in memory.
type RecordingReporter struct {
	mu       sync.Mutex
	failures []Failure
}

func (r *RecordingReporter) ReportFailure(loc string, kind FailureKind, err error) {
	r.mu.Lock()
	r.failures = append(r.failures, Failure{Loc: loc, Kind: kind, Err: err})
	r.mu.Unlock()
}

func (r *RecordingReporter) Failures() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Failure(nil), r.failures...)
}

// Count returns the number of reports of kind.
func (r *RecordingReporter) Count(kind FailureKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.failures {
		if f.Kind == kind {
			n++
		}
	}
	return n
}
