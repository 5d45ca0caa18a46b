package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/repubsub/telemetry"
)

// Hub fans records out to in-process change streams. Each stream owns a
// FIFO buffer; a slow consumer only ever hurts itself. Publish for a given
// table must be serialized by the caller, which is what makes per-stream
// delivery order equal write order.
type Hub struct {
	mu     sync.RWMutex
	tables map[string]map[uint64]*hubStream
	nextID atomic.Uint64
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{tables: make(map[string]map[uint64]*hubStream)}
}

// Subscribe registers a stream over one table. A nil filter receives every
// record. maxBuffered bounds the stream's backlog; beyond it the stream is
// failed with ErrBufferOverflow rather than blocking the publisher.
func (h *Hub) Subscribe(table string, f Filter, maxBuffered int) (ChangeStream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	s := &hubStream{
		id:     h.nextID.Add(1),
		table:  table,
		filter: f,
		max:    maxBuffered,
		hub:    h,
		wake:   make(chan struct{}, 1),
	}
	subs := h.tables[table]
	if subs == nil {
		subs = make(map[uint64]*hubStream)
		h.tables[table] = subs
	}
	subs[s.id] = s
	return s, nil
}

// Publish delivers a record to every matching stream on the table.
func (h *Hub) Publish(table string, rec Record) {
	h.mu.RLock()
	subs := h.tables[table]
	streams := make([]*hubStream, 0, len(subs))
	for _, s := range subs {
		streams = append(streams, s)
	}
	h.mu.RUnlock()

	for _, s := range streams {
		if s.filter != nil && !s.filter.Match(&rec) {
			continue
		}
		s.push(rec)
	}
}

// Streams reports how many streams are registered on the table.
func (h *Hub) Streams(table string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tables[table])
}

// Close fails every stream with ErrClosed and rejects new subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*hubStream
	for _, subs := range h.tables {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	h.tables = make(map[string]map[uint64]*hubStream)
	h.mu.Unlock()

	for _, s := range all {
		s.abort(ErrClosed)
	}
}

func (h *Hub) remove(table string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.tables[table]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.tables, table)
		}
	}
}

// hubStream is one subscriber's buffered view of a table's changes.
// The first terminal error sticks: an overflowed stream stays overflowed
// even if Close is called afterwards, so the consumer learns why it lost
// the feed.
type hubStream struct {
	id     uint64
	table  string
	filter Filter
	max    int
	hub    *Hub

	mu   sync.Mutex
	buf  []Record
	head int
	err  error
	wake chan struct{}
}

func (s *hubStream) push(rec Record) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	if len(s.buf)-s.head >= s.max {
		s.err = ErrBufferOverflow
		s.buf = nil
		s.head = 0
		s.mu.Unlock()
		s.signal()
		s.hub.remove(s.table, s.id)
		telemetry.NotificationsDropped.With(s.table).Inc()
		log.Warn().
			Str("table", s.table).
			Uint64("stream_id", s.id).
			Int("max_buffered", s.max).
			Msg("Change stream buffer overflowed, dropping subscriber")
		return
	}
	s.buf = append(s.buf, rec)
	s.mu.Unlock()
	s.signal()
}

func (s *hubStream) abort(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
		s.buf = nil
		s.head = 0
	}
	s.mu.Unlock()
	s.signal()
}

func (s *hubStream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next returns the oldest buffered record, blocking until one arrives, the
// context ends, or the stream dies.
func (s *hubStream) Next(ctx context.Context) (Record, error) {
	for {
		s.mu.Lock()
		if s.head < len(s.buf) {
			rec := s.buf[s.head]
			s.buf[s.head] = Record{}
			s.head++
			// Reclaim consumed prefix once it dominates the slice.
			if s.head > 256 && s.head*2 >= len(s.buf) {
				n := copy(s.buf, s.buf[s.head:])
				s.buf = s.buf[:n]
				s.head = 0
			}
			s.mu.Unlock()
			return rec, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return Record{}, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-s.wake:
		}
	}
}

// Close detaches the stream from the hub. Pending buffered records are
// discarded; a blocked Next returns ErrStreamClosed.
func (s *hubStream) Close() error {
	s.abort(ErrStreamClosed)
	s.hub.remove(s.table, s.id)
	return nil
}
