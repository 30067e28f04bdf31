package audit

import (
	"sync"
	"sync/atomic"
)

// Sink receives audit entries. The pipeline writes through a Sink so
// audit I/O never sits on the request path.
type Sink interface {
	Record(entry Entry) error
}

// NopSink discards entries. Used in tests and dry runs.
type NopSink struct{}

func (NopSink) Record(Entry) error { return nil }

// AsyncSink decouples callers from log fsync latency with a buffered
// channel and a single writer goroutine. When the buffer is full the
// entry is dropped and counted rather than blocking command handling.
type AsyncSink struct {
	log     *Log
	ch      chan Entry
	dropped atomic.Uint64
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewAsyncSink starts the writer goroutine. buffer <= 0 gets a sane
// default.
func NewAsyncSink(log *Log, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		log: log,
		ch:  make(chan Entry, buffer),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for entry := range s.ch {
		// Write failures are absorbed here; the chain tail in Log
		// stays consistent because Record serializes internally.
		_ = s.log.Record(entry)
	}
}

// Record enqueues the entry without blocking. Never returns an error;
// overflow is accounted in Dropped.
func (s *AsyncSink) Record(entry Entry) error {
	if s.closed.Load() {
		s.dropped.Add(1)
		return nil
	}
	select {
	case s.ch <- entry:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Dropped reports how many entries were lost to buffer overflow.
func (s *AsyncSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops accepting entries, drains the buffer, and closes the log.
// Callers must have stopped recording before Close.
func (s *AsyncSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.ch)
	s.wg.Wait()
	return s.log.Close()
}
