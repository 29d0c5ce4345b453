package history

import (
	"context"
	"sync"
	"time"

	"github.com/dense-identity/callctl/internal/callsession"
	"go.uber.org/zap"
)

// Recorder turns terminal snapshots into Records and writes them to a Store
// from a single background writer.
type Recorder struct {
	store   Store
	log     *zap.Logger
	timeout time.Duration

	// Snapshot tracking, touched only by Observe.
	attemptID string
	elapsed   int
	recorded  bool

	mu     sync.Mutex
	closed bool
	queue  chan Record
	done   chan struct{}
}

// NewRecorder starts the writer.
func NewRecorder(store Store, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Recorder{
		store:   store,
		log:     log.Named("history_recorder"),
		timeout: 5 * time.Second,
		queue:   make(chan Record, 32),
		done:    make(chan struct{}),
	}
	go r.writer()
	return r
}

// Observe is registered as a controller state listener.
func (r *Recorder) Observe(snap callsession.Snapshot) {
	if snap.AttemptID == "" {
		return
	}
	if snap.AttemptID != r.attemptID {
		r.attemptID = snap.AttemptID
		r.elapsed = 0
		r.recorded = false
	}
	if snap.ElapsedSeconds > r.elapsed {
		r.elapsed = snap.ElapsedSeconds
	}
	if !snap.State.IsTerminal() || r.recorded {
		return
	}
	r.recorded = true

	rec := Record{
		AttemptID:       snap.AttemptID,
		SessionID:       snap.SessionID,
		Peer:            snap.Peer,
		Kind:            snap.Kind,
		Direction:       snap.Direction,
		Outcome:         snap.State,
		EndReason:       snap.EndReason,
		StartedAt:       snap.StartedAt,
		DurationSeconds: r.elapsed,
		Error:           snap.Error,
	}
	if snap.EndedAt != nil {
		rec.EndedAt = *snap.EndedAt
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.log.Warn("history queue full, dropping record", zap.String("attempt_id", rec.AttemptID))
	}
}

func (r *Recorder) writer() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.store.Append(ctx, rec); err != nil {
			r.log.Warn("failed to store history record", zap.String("attempt_id", rec.AttemptID), zap.Error(err))
		} else {
			r.log.Debug("history recorded",
				zap.String("attempt_id", rec.AttemptID),
				zap.String("to", rec.Peer.ID),
				zap.Stringer("outcome", rec.Outcome))
		}
		cancel()
	}
}

// Close flushes queued records. Later observations are dropped.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}
