// Package progress turns the pull-based analysis record store into a push
// stream: a Watcher polls one analysis and emits an event whenever its
// observable progress changes, closing the stream at the terminal state.
package progress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/canopy-eco/canopy/internal/model"
)

// ErrWatchExpired is emitted when the poll budget runs out before the
// analysis settles.
var ErrWatchExpired = errors.New("progress: watch expired before analysis settled")

// Source is where progress snapshots come from (the lifecycle manager).
type Source interface {
	Get(ctx context.Context, id uuid.UUID) (model.AnalysisRecord, error)
}

// Event is one emission on a watch stream. Exactly one of Progress and Err
// is meaningful; after an Err or a terminal Progress the channel is closed.
type Event struct {
	Progress model.AnalysisProgress
	Err      error
}

// Config tunes a watcher.
type Config struct {
	// Interval between polls. Default 1s.
	Interval time.Duration
	// MaxPolls bounds one watch; combined with Interval it caps stream
	// lifetime. Default 300.
	MaxPolls int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 300
	}
	return c
}

// Watcher produces progress event streams for analyses.
type Watcher struct {
	src    Source
	cfg    Config
	logger *slog.Logger
}

// NewWatcher creates a watcher over src.
func NewWatcher(src Source, cfg Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{src: src, cfg: cfg.withDefaults(), logger: logger}
}

// Watch streams progress for id until the analysis settles, the poll budget
// runs out, or ctx is done. The current snapshot is emitted immediately;
// afterwards only observable changes are emitted. The channel is always
// closed when the stream ends. An unknown id yields exactly one error event.
func (w *Watcher) Watch(ctx context.Context, id uuid.UUID) <-chan Event {
	events := make(chan Event, 1)

	go func() {
		defer close(events)

		var last *model.AnalysisProgress
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()

		for poll := 0; poll < w.cfg.MaxPolls; poll++ {
			if poll > 0 {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}

			rec, err := w.src.Get(ctx, id)
			if err != nil {
				w.emit(ctx, events, Event{Err: err})
				return
			}

			p := snapshot(rec)
			if last == nil || !last.Equal(p) {
				if !w.emit(ctx, events, Event{Progress: p}) {
					return
				}
				last = &p
			}

			if rec.Status.IsTerminal() {
				return
			}
		}

		w.logger.Warn("progress watch expired", "analysis_id", id, "max_polls", w.cfg.MaxPolls)
		w.emit(ctx, events, Event{Err: ErrWatchExpired})
	}()

	return events
}

// emit delivers ev unless ctx ends first. Reports whether delivery happened.
func (w *Watcher) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case <-ctx.Done():
		return false
	case events <- ev:
		return true
	}
}

// snapshot derives a progress view from the record, synthesizing one for
// records that predate their first progress write.
func snapshot(rec model.AnalysisRecord) model.AnalysisProgress {
	if rec.Progress != nil {
		return *rec.Progress
	}
	return model.AnalysisProgress{
		AnalysisID:   rec.ID,
		Status:       rec.Status,
		ErrorMessage: rec.ErrorMessage,
		UpdatedAt:    rec.UpdatedAt,
	}
}
