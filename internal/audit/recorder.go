package audit

import (
	"context"
	"sync"
	"time"
)

// recordTimeout bounds a single audit insert.
const recordTimeout = 2 * time.Second

// Logger defines the logging interface used by the Recorder.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Recorder turns set request outcomes into audit entries.
// It satisfies accessory.Auditor.
type Recorder struct {
	repo Repository

	logger   Logger
	loggerMu sync.RWMutex
}

// NewRecorder creates a recorder writing to repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, logger: noopLogger{}}
}

// SetLogger sets the logger for insert failures.
func (r *Recorder) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// RecordSet stores the outcome of one set request. A nil err records an
// accepted request. Insert failures are logged, never returned: the audit
// trail must not hold up acknowledgements.
func (r *Recorder) RecordSet(ctx context.Context, identifier, characteristic string, value any, err error) {
	e := &Entry{
		Identifier:     identifier,
		Characteristic: characteristic,
		Value:          value,
		Status:         StatusAccepted,
	}
	if err != nil {
		e.Status = StatusFailed
		e.Error = err.Error()
	}

	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	if cErr := r.repo.Create(ctx, e); cErr != nil {
		r.loggerMu.RLock()
		logger := r.logger
		r.loggerMu.RUnlock()
		logger.Warn("recording set request failed", "identifier", identifier, "error", cErr)
	}
}

// Prune removes entries older than retention.
//
// Returns:
//   - int64: Number of entries removed
//   - error: If the delete fails
func (r *Recorder) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return r.repo.Prune(ctx, time.Now().Add(-retention))
}

// List returns a page of entries.
func (r *Recorder) List(ctx context.Context, filter Filter) (*ListResult, error) {
	return r.repo.List(ctx, filter)
}
