package activity

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aircon-ledger/aircon-remote/internal/models"
)

// Sink persists log entries outside the in-memory ring
type Sink interface {
	SaveActivityBatch(ctx context.Context, entries []models.LogEntry) error
}

// Archiver copies every appended entry to a Sink without blocking Append.
// Entries are dropped with a warning when the buffer is full.
type Archiver struct {
	sink    Sink
	entries chan models.LogEntry
	timeout time.Duration
	drain   time.Duration
}

// NewArchiver creates an archiver with the given buffer size
func NewArchiver(sink Sink, buffer int) *Archiver {
	if buffer <= 0 {
		buffer = 128
	}
	return &Archiver{
		sink:    sink,
		entries: make(chan models.LogEntry, buffer),
		timeout: 5 * time.Second,
		drain:   2 * time.Second,
	}
}

// Listener returns the function to register with Log.Subscribe
func (a *Archiver) Listener() Listener {
	return func(entry models.LogEntry) {
		select {
		case a.entries <- entry:
		default:
			log.Warn().Uint64("seq", entry.Seq).Msg("Archive buffer full, dropping log entry")
		}
	}
}

// Run saves buffered entries until ctx is cancelled, then flushes what is
// still queued within a short deadline.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.flush()
			return ctx.Err()
		case entry := <-a.entries:
			a.save(ctx, a.batch(entry))
		}
	}
}

// batch collects first and whatever else is queued right now
func (a *Archiver) batch(first models.LogEntry) []models.LogEntry {
	batch := []models.LogEntry{first}
	for {
		select {
		case entry := <-a.entries:
			batch = append(batch, entry)
		default:
			return batch
		}
	}
}

func (a *Archiver) flush() {
	select {
	case entry := <-a.entries:
		ctx, cancel := context.WithTimeout(context.Background(), a.drain)
		defer cancel()
		a.save(ctx, a.batch(entry))
	default:
	}
}

func (a *Archiver) save(ctx context.Context, batch []models.LogEntry) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if err := a.sink.SaveActivityBatch(ctx, batch); err != nil {
		log.Error().
			Err(err).
			Uint64("first_seq", batch[0].Seq).
			Int("entries", len(batch)).
			Msg("Failed to archive log entries")
	}
}
