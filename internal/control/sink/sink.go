// Package sink stores the streamed output of tasks as append-only byte
// buffers, one per key, shared by a single writer and any number of readers.
package sink

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Chunk is one append as delivered to subscribers.
type Chunk struct {
	Key    string
	Stream string
	Seq    uint64
	Data   []byte
}

type buffer struct {
	data []byte
	seq  uint64
	// gen distinguishes successive Init calls for the same key.
	gen int64
}

// Sink keeps output in memory while optionally mirroring every append to
// JetStream so it survives restarts.
type Sink struct {
	mu        sync.RWMutex
	bufs      map[string]*buffer
	subs      map[string]map[int64]chan Chunk
	nextSubID int64

	logger *slog.Logger
	js     mirror
}

// mirror is the durable copy of the buffers; jetStreamMirror implements it.
type mirror interface {
	publish(chunk Chunk, gen int64) error
	purge(key string) error
	purgeAll() error
	Close()
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// New creates a Sink. With JetStream options set it connects, ensures the
// stream and replays existing output before returning.
func New(ctx context.Context, opts *Options) (*Sink, error) {
	logger := discardLogger
	if opts != nil && opts.Logger != nil {
		logger = opts.Logger
	}
	s := &Sink{
		bufs:   make(map[string]*buffer),
		subs:   make(map[string]map[int64]chan Chunk),
		logger: logger,
	}
	if opts != nil && opts.JetStream != nil {
		m, err := newJetStreamMirror(ctx, opts.JetStream, logger)
		if err != nil {
			return nil, err
		}
		if err := m.hydrate(ctx, s); err != nil {
			m.Close()
			return nil, err
		}
		s.js = m
	}
	return s, nil
}

// MustNew creates an in-memory Sink.
func MustNew() *Sink {
	s, err := New(context.Background(), nil)
	if err != nil {
		panic(err)
	}
	return s
}

// Close flushes backing resources.
func (s *Sink) Close() {
	if s.js != nil {
		s.js.Close()
	}
}

// Init resets key to an empty buffer. The mirror is only purged when the
// previous buffer held output.
func (s *Sink) Init(key string) {
	s.mu.Lock()
	old := s.bufs[key]
	s.bufs[key] = &buffer{gen: time.Now().UnixNano()}
	s.mu.Unlock()
	if old != nil && old.seq > 0 && s.js != nil {
		if err := s.js.purge(key); err != nil {
			s.logger.Error("jetstream purge output", "key", key, "err", err)
		}
	}
}

// Append adds data to the key's buffer, creating it if absent. Readers see
// either none or all of one append.
func (s *Sink) Append(key, stream string, data []byte) {
	if len(data) == 0 {
		return
	}
	copied := append([]byte(nil), data...)
	s.mu.Lock()
	buf := s.bufs[key]
	if buf == nil {
		buf = &buffer{gen: time.Now().UnixNano()}
		s.bufs[key] = buf
	}
	buf.data = append(buf.data, copied...)
	buf.seq++
	chunk := Chunk{Key: key, Stream: stream, Seq: buf.seq, Data: copied}
	gen := buf.gen
	s.broadcastLocked(chunk)
	s.mu.Unlock()
	if s.js != nil {
		if err := s.js.publish(chunk, gen); err != nil {
			s.logger.Error("jetstream publish output", "key", key, "err", err)
		}
	}
}

// Read returns everything written under key so far. A missing key reads as
// empty.
func (s *Sink) Read(key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := s.bufs[key]
	if buf == nil {
		return nil
	}
	return append([]byte(nil), buf.data...)
}

// ReadFrom returns the bytes after offset and the offset to resume from.
func (s *Sink) ReadFrom(key string, offset int) ([]byte, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := s.bufs[key]
	if buf == nil {
		return nil, 0
	}
	if offset < 0 || offset > len(buf.data) {
		offset = 0
	}
	return append([]byte(nil), buf.data[offset:]...), len(buf.data)
}

// Exists reports whether key has been initialised or appended to.
func (s *Sink) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bufs[key]
	return ok
}

// Keys lists every stored key in lexical order.
func (s *Sink) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.bufs))
	for k := range s.bufs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Clear removes one buffer and closes its subscribers.
func (s *Sink) Clear(key string) {
	s.mu.Lock()
	delete(s.bufs, key)
	s.closeKeyLocked(key)
	s.mu.Unlock()
	if s.js != nil {
		if err := s.js.purge(key); err != nil {
			s.logger.Error("jetstream purge output", "key", key, "err", err)
		}
	}
}

// ClearAll removes every buffer.
func (s *Sink) ClearAll() {
	s.mu.Lock()
	s.bufs = make(map[string]*buffer)
	for key := range s.subs {
		s.closeKeyLocked(key)
	}
	s.mu.Unlock()
	if s.js != nil {
		if err := s.js.purgeAll(); err != nil {
			s.logger.Error("jetstream purge all output", "err", err)
		}
	}
}

// Subscribe registers a consumer for future appends to key. Slow consumers
// drop chunks rather than block the writer; they can resync with ReadFrom.
func (s *Sink) Subscribe(key string) (int64, <-chan Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Chunk, 128)
	if s.subs[key] == nil {
		s.subs[key] = make(map[int64]chan Chunk)
	}
	id := s.nextSubID
	s.nextSubID++
	s.subs[key][id] = ch
	return id, ch
}

// Unsubscribe removes a consumer.
func (s *Sink) Unsubscribe(key string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[key]
	if subs == nil {
		return
	}
	if ch, ok := subs[id]; ok {
		delete(subs, id)
		close(ch)
	}
	if len(subs) == 0 {
		delete(s.subs, key)
	}
}

// CloseKey closes all subscribers of key, signalling that no more output
// will follow.
func (s *Sink) CloseKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeKeyLocked(key)
}

func (s *Sink) closeKeyLocked(key string) {
	subs := s.subs[key]
	if len(subs) == 0 {
		return
	}
	delete(s.subs, key)
	for _, ch := range subs {
		close(ch)
	}
}

func (s *Sink) broadcastLocked(chunk Chunk) {
	for _, ch := range s.subs[chunk.Key] {
		select {
		case ch <- chunk:
		default:
		}
	}
}

func (s *Sink) applyReplayed(chunk Chunk, gen int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.bufs[chunk.Key]
	switch {
	case buf == nil || gen > buf.gen:
		buf = &buffer{gen: gen}
		s.bufs[chunk.Key] = buf
	case gen < buf.gen:
		return
	}
	if chunk.Seq <= buf.seq {
		return
	}
	buf.data = append(buf.data, chunk.Data...)
	buf.seq = chunk.Seq
}
