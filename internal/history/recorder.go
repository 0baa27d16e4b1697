package history

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sjawhar/ghost-voice/internal/session"
	"github.com/sjawhar/ghost-voice/internal/storage"
)

const queueSize = 64

type Store interface {
	InsertCycle(c storage.Cycle) error
	SetArchiveURI(id, uri string) error
}

type ConversationLog interface {
	Append(c storage.Cycle) error
}

type Archiver interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// Recorder persists finished cycles off the session's delivery path. It only
// reacts to CycleCompleted; the other sink methods are no-ops.
type Recorder struct {
	session.NopSink

	store    Store
	log      ConversationLog
	archiver Archiver
	logger   *slog.Logger
	newID    func() string

	mu     sync.Mutex
	closed bool
	jobs   chan session.CycleRecord
	done   chan struct{}
}

// NewRecorder returns a Recorder. log and archiver may be nil.
func NewRecorder(store Store, log ConversationLog, archiver Archiver, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:    store,
		log:      log,
		archiver: archiver,
		logger:   logger,
		newID:    uuid.NewString,
		jobs:     make(chan session.CycleRecord, queueSize),
		done:     make(chan struct{}),
	}
}

func (r *Recorder) CycleCompleted(rec session.CycleRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.jobs <- rec:
	default:
		r.logger.Warn("history queue full, dropping cycle", "cycle", rec.Cycle, "outcome", rec.Outcome)
	}
}

// Run saves queued cycles until Close is called and the queue is drained.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	for rec := range r.jobs {
		r.save(ctx, rec)
	}
}

// Close stops accepting cycles and waits for Run to finish the backlog.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) save(ctx context.Context, rec session.CycleRecord) {
	c := storage.Cycle{
		ID:            r.newID(),
		Seq:           rec.Cycle,
		StartedAt:     rec.StartedAt,
		EndedAt:       rec.EndedAt,
		Outcome:       string(rec.Outcome),
		Transcript:    rec.Transcript,
		Reply:         rec.Reply,
		Fallback:      rec.Fallback,
		RecordingPath: rec.RecordingPath,
		Error:         rec.Error,
	}

	if err := r.store.InsertCycle(c); err != nil {
		r.logger.Error("persist cycle failed", "cycle", rec.Cycle, "error", err)
		return
	}
	if r.log != nil {
		if err := r.log.Append(c); err != nil {
			r.logger.Warn("append conversation log failed", "cycle", rec.Cycle, "error", err)
		}
	}
	if r.archiver == nil || c.RecordingPath == "" || ctx.Err() != nil {
		return
	}

	uri, err := r.archiver.Upload(ctx, c.RecordingPath)
	if err != nil {
		r.logger.Warn("archive recording failed", "cycle", rec.Cycle, "path", c.RecordingPath, "error", err)
		return
	}
	if err := r.store.SetArchiveURI(c.ID, uri); err != nil {
		r.logger.Warn("record archive uri failed", "cycle", rec.Cycle, "error", err)
		return
	}
	r.logger.Debug("recording archived", "cycle", rec.Cycle, "uri", uri)
}

var _ session.EventSink = (*Recorder)(nil)
