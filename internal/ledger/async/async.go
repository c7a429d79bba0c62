package async

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokligence/tokligence-relay/internal/ledger"
)

// Store wraps a ledger.Store with asynchronous batch writes so that recording
// a finished stream never blocks the session writer.
// Entries may be lost if the process crashes before flushing.
type Store struct {
	underlying    ledger.Store
	entryChan     chan ledger.Entry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopOnce      sync.Once
	stopChan      chan struct{}
	logger        *log.Logger
	dropped       atomic.Int64
	written       atomic.Int64
}

// Config configures the async ledger behavior.
type Config struct {
	BatchSize     int           // Maximum entries per batch (default: 100)
	FlushInterval time.Duration // Maximum time between flushes (default: 1s)
	ChannelBuffer int           // Channel buffer size (default: 10000)
	NumWorkers    int           // Number of parallel batch writers (default: 1)
	Logger        *log.Logger   // Optional logger for diagnostics
}

// New wraps an existing ledger store with async batch writing.
func New(underlying ledger.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 1 * time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}

	s := &Store{
		underlying:    underlying,
		entryChan:     make(chan ledger.Entry, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stopChan:      make(chan struct{}),
		logger:        cfg.Logger,
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.batchWriter(i)
	}

	if s.logger != nil {
		s.logger.Printf("[async-ledger] started %d worker(s), batch_size=%d, flush_interval=%v, buffer=%d",
			cfg.NumWorkers, cfg.BatchSize, cfg.FlushInterval, cfg.ChannelBuffer)
	}

	return s
}

func (s *Store) batchWriter(workerID int) {
	defer s.wg.Done()

	batch := make([]ledger.Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		failed := 0
		for _, entry := range batch {
			if err := s.underlying.Record(ctx, entry); err != nil {
				failed++
				if s.logger != nil {
					s.logger.Printf("[async-ledger] worker-%d ERROR writing %s: %v", workerID, entry.RequestID, err)
				}
				continue
			}
			s.written.Add(1)
		}
		if s.logger != nil && failed > 0 {
			s.logger.Printf("[async-ledger] worker-%d flushed %d/%d entries", workerID, len(batch)-failed, len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-s.entryChan:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.stopChan:
			// Drain what is already queued; Record no longer enqueues after stop.
			for {
				select {
				case entry := <-s.entryChan:
					batch = append(batch, entry)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Record queues an entry for asynchronous writing. It never blocks; when the
// buffer is full or the store is closing the entry is dropped and counted.
func (s *Store) Record(_ context.Context, entry ledger.Entry) error {
	select {
	case <-s.stopChan:
		s.dropped.Add(1)
		return nil
	default:
	}
	select {
	case s.entryChan <- entry:
		return nil
	default:
		s.dropped.Add(1)
		if s.logger != nil {
			s.logger.Printf("[async-ledger] WARNING: channel full, dropping entry %s", entry.RequestID)
		}
		return nil
	}
}

// Summary delegates to the underlying store (blocking operation).
func (s *Store) Summary(ctx context.Context, userID string) (ledger.Summary, error) {
	return s.underlying.Summary(ctx, userID)
}

// ListRecent delegates to the underlying store (blocking operation).
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	return s.underlying.ListRecent(ctx, userID, limit)
}

// Dropped returns the number of entries discarded so far.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// Written returns the number of entries persisted so far.
func (s *Store) Written() int64 { return s.written.Load() }

// Close flushes remaining entries and closes the underlying store.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return s.underlying.Close()
}

// Ping delegates to the underlying store when it supports pinging.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.underlying.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
