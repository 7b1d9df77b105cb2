package loopback

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/pkg/buffer"
	"github.com/c360/talkbus/qos"
)

// topicBus connects the writers and readers of one topic across participants
type topicBus struct {
	name   string
	typeID string
	refs   int // guarded by domain.mu

	mu      sync.RWMutex
	writers map[*writer]struct{}
	readers map[*reader]struct{}
}

func (b *topicBus) attachWriter(w *writer) {
	b.mu.Lock()
	b.writers[w] = struct{}{}
	b.mu.Unlock()
}

// attachReader replays the retained history of compatible transient-local
// writers, then starts live delivery. Both happen under the bus lock so a
// sample is seen exactly once.
func (b *topicBus) attachReader(r *reader) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.qos.Durability == qos.TransientLocal {
		for w := range b.writers {
			if w.history == nil || !qos.Compatible(w.qos, r.qos) {
				continue
			}
			for _, s := range w.history.Snapshot() {
				r.push(s)
			}
		}
	}
	b.readers[r] = struct{}{}
}

func (b *topicBus) detachWriter(w *writer) {
	b.mu.Lock()
	delete(b.writers, w)
	b.mu.Unlock()
}

func (b *topicBus) detachReader(r *reader) {
	b.mu.Lock()
	delete(b.readers, r)
	b.mu.Unlock()
}

func (b *topicBus) deliver(w *writer, s middleware.Sample) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if w.history != nil {
		_ = w.history.Write(s)
	}
	for r := range b.readers {
		if qos.Compatible(w.qos, r.qos) {
			r.push(s)
		}
	}
}

type writer struct {
	guid    middleware.GUID
	owner   *participant
	topic   *topic
	qos     qos.Descriptor
	seq     atomic.Uint64
	history buffer.Buffer[middleware.Sample] // transient-local only
	closed  atomic.Bool
}

var _ middleware.Writer = (*writer)(nil)

func newWriter(p *participant, t *topic, q qos.Descriptor) (*writer, error) {
	w := &writer{
		guid:  middleware.NewGUID(),
		owner: p,
		topic: t,
		qos:   q,
	}
	if q.Durability == qos.TransientLocal {
		history, err := buffer.NewCircularBuffer[middleware.Sample](q.HistoryLimit(),
			buffer.WithOverflowPolicy[middleware.Sample](buffer.DropOldest))
		if err != nil {
			return nil, errors.Wrap(err, "writer", "newWriter", "create history")
		}
		w.history = history
	}
	return w, nil
}

func (w *writer) GUID() middleware.GUID { return w.guid }

func (w *writer) Write(ctx context.Context, s middleware.Sample) (middleware.SampleID, error) {
	if w.closed.Load() {
		return middleware.SampleID{}, errors.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return middleware.SampleID{}, err
	}
	if s.TypeID != w.topic.typeID {
		return middleware.SampleID{}, errors.WrapInvalid(errors.ErrTopicTypeMismatch,
			"writer", "Write", "check sample type")
	}
	if hook := w.owner.net.writeHook; hook != nil {
		if err := hook(w.topic.name, s); err != nil {
			return middleware.SampleID{}, err
		}
	}

	s.Info.ID = middleware.SampleID{Writer: w.guid, Sequence: w.seq.Add(1)}
	s.Info.SourceTimestamp = time.Now()
	w.topic.bus.deliver(w, s)
	return s.Info.ID, nil
}

func (w *writer) MatchedReaders() int {
	b := w.topic.bus
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for r := range b.readers {
		if qos.Compatible(w.qos, r.qos) {
			n++
		}
	}
	return n
}

func (w *writer) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.topic.bus.detachWriter(w)
	w.owner.forgetWriter(w)
	if w.history != nil {
		_ = w.history.Close()
	}
	return nil
}

type reader struct {
	guid     middleware.GUID
	owner    *participant
	topic    *topic
	qos      qos.Descriptor
	listener middleware.Listener
	samples  buffer.Buffer[middleware.Sample]

	notify chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

var _ middleware.Reader = (*reader)(nil)

func newReader(p *participant, t *topic, q qos.Descriptor, l middleware.Listener) (*reader, error) {
	samples, err := buffer.NewCircularBuffer[middleware.Sample](q.HistoryLimit(),
		buffer.WithOverflowPolicy[middleware.Sample](buffer.DropOldest))
	if err != nil {
		return nil, errors.Wrap(err, "reader", "newReader", "create history")
	}
	return &reader{
		guid:     middleware.NewGUID(),
		owner:    p,
		topic:    t,
		qos:      q,
		listener: l,
		samples:  samples,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

func (r *reader) GUID() middleware.GUID { return r.guid }

func (r *reader) push(s middleware.Sample) {
	if r.closed.Load() {
		return
	}
	s.Info.ReceptionTimestamp = time.Now()
	if err := r.samples.Write(s); err != nil {
		return
	}
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// listen is the reader's middleware thread
func (r *reader) listen() {
	for {
		select {
		case <-r.done:
			return
		case <-r.notify:
			if r.listener != nil && !r.closed.Load() && !r.samples.IsEmpty() {
				r.listener.OnDataAvailable(r)
			}
		}
	}
}

func (r *reader) Take() (middleware.Sample, bool) {
	return r.samples.Read()
}

func (r *reader) MatchedWriters() int {
	b := r.topic.bus
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for w := range b.writers {
		if qos.Compatible(w.qos, r.qos) {
			n++
		}
	}
	return n
}

// Close detaches the reader. A notification already in flight may still
// reach the listener after Close returns.
func (r *reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.topic.bus.detachReader(r)
	r.owner.forgetReader(r)
	close(r.done)
	_ = r.samples.Close()
	return nil
}
