package track

import (
	"context"
	"errors"
	"time"

	"github.com/seabus0316/geofs-flightradar/pkg/logger"
)

// ErrStorageUnavailable is returned by Flush when the store has no storage
// or the writer has stopped
var ErrStorageUnavailable = errors.New("track storage unavailable")

const drainTimeout = 10 * time.Second

type opKind int

const (
	opAppend opKind = iota
	opClear
	opBarrier
)

type writeOp struct {
	kind       opKind
	record     Record
	aircraftID string
	done       chan struct{}
}

func (s *Store) enqueue(op writeOp) {
	if s.storage == nil {
		return
	}
	select {
	case s.writes <- op:
	default:
		if n := s.droppedWrites.Add(1); n == 1 || n%1000 == 0 {
			s.logger.Warn("Persistence queue full, dropping write",
				logger.Uint64("dropped_total", n))
		}
	}
}

// Run drains the persistence queue until ctx is cancelled or Close is called,
// then flushes what is left. It blocks.
func (s *Store) Run(ctx context.Context) {
	s.running.Store(true)
	defer close(s.done)

	if s.storage == nil {
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		}
		return
	}

	s.logger.Info("Track writer started",
		logger.Int("queue_size", s.opts.WriteQueueSize),
		logger.Int("batch_size", s.opts.WriteBatchSize))

	for {
		select {
		case op := <-s.writes:
			s.process(ctx, s.collect(op))
		case <-ctx.Done():
			s.drain()
			return
		case <-s.stopCh:
			s.drain()
			return
		}
	}
}

// Close stops the writer and waits for the queue to be flushed
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if s.running.Load() {
		<-s.done
	}
}

// Flush blocks until every write queued before the call has been attempted
func (s *Store) Flush(ctx context.Context) error {
	if s.storage == nil {
		return ErrStorageUnavailable
	}

	done := make(chan struct{})
	select {
	case s.writes <- writeOp{kind: opBarrier, done: done}:
	case <-s.done:
		return ErrStorageUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-s.done:
		return ErrStorageUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// collect gathers up to one batch of already-queued operations without blocking
func (s *Store) collect(first writeOp) []writeOp {
	ops := []writeOp{first}
	for len(ops) < s.opts.WriteBatchSize {
		select {
		case op := <-s.writes:
			ops = append(ops, op)
		default:
			return ops
		}
	}
	return ops
}

// process applies operations in queue order. Consecutive appends are written
// as one batch; clears and barriers flush the batch first.
func (s *Store) process(ctx context.Context, ops []writeOp) {
	var batch []Record

	flush := func() {
		if len(batch) == 0 {
			return
		}
		records := batch
		batch = nil
		err := retryWithBackoff(ctx, s.opts.Retry, func(ctx context.Context) error {
			return s.storage.AppendPoints(ctx, records)
		}, s.logRetry("append_points"))
		if err != nil {
			s.failedWrites.Add(uint64(len(records)))
			s.logger.Error("Failed to persist track points",
				logger.Int("points", len(records)),
				logger.Error(err))
		}
	}

	for _, op := range ops {
		switch op.kind {
		case opAppend:
			batch = append(batch, op.record)
		case opClear:
			flush()
			id := op.aircraftID
			err := retryWithBackoff(ctx, s.opts.Retry, func(ctx context.Context) error {
				return s.storage.DeleteAircraft(ctx, id)
			}, s.logRetry("delete_aircraft"))
			if err != nil {
				s.failedWrites.Add(1)
				s.logger.Error("Failed to delete stored track",
					logger.String("aircraft_id", id),
					logger.Error(err))
			}
		case opBarrier:
			flush()
			close(op.done)
		}
	}
	flush()
}

// drain flushes whatever is still queued using a fresh bounded context
func (s *Store) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case op := <-s.writes:
			s.process(ctx, s.collect(op))
		default:
			s.logger.Info("Track writer stopped")
			return
		}
	}
}

func (s *Store) logRetry(operation string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		s.logger.Warn("Storage operation failed, retrying",
			logger.String("operation", operation),
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Error(err))
	}
}
