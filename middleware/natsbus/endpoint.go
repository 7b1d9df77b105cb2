package natsbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/time/rate"

	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/pkg/buffer"
	"github.com/c360/talkbus/qos"
)

type writer struct {
	guid   middleware.GUID
	owner  *participant
	topic  *topic
	qos    qos.Descriptor
	seq    atomic.Uint64
	closed atomic.Bool
}

var _ middleware.Writer = (*writer)(nil)

func (w *writer) GUID() middleware.GUID { return w.guid }

// Write publishes on core NATS, or through JetStream with an ack for
// transient-local writers.
func (w *writer) Write(ctx context.Context, s middleware.Sample) (middleware.SampleID, error) {
	if w.closed.Load() {
		return middleware.SampleID{}, errors.ErrClosed
	}
	if s.TypeID != w.topic.typeID {
		return middleware.SampleID{}, errors.WrapInvalid(errors.ErrTopicTypeMismatch,
			"writer", "Write", "check sample type")
	}

	s.Info.ID = middleware.SampleID{Writer: w.guid, Sequence: w.seq.Add(1)}
	s.Info.SourceTimestamp = time.Now()
	msg := encodeMsg(w.topic.subject, s, w.qos)

	client := w.owner.bus.client
	var err error
	if w.qos.Durability == qos.TransientLocal {
		err = client.PublishToStream(ctx, msg)
	} else {
		err = client.PublishMsg(ctx, msg)
	}
	if err != nil {
		return middleware.SampleID{}, err
	}
	return s.Info.ID, nil
}

func (w *writer) MatchedReaders() int { return -1 }

func (w *writer) Close() error {
	if w.closed.CompareAndSwap(false, true) {
		w.owner.forgetWriter(w)
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

	mu     sync.Mutex
	sub    *nats.Subscription
	stop   func()
	closed atomic.Bool

	rejectLog rate.Sometimes
}

var _ middleware.Reader = (*reader)(nil)

func newReader(p *participant, t *topic, q qos.Descriptor, l middleware.Listener) (*reader, error) {
	samples, err := buffer.NewCircularBuffer[middleware.Sample](q.HistoryLimit(),
		buffer.WithOverflowPolicy[middleware.Sample](buffer.DropOldest))
	if err != nil {
		return nil, errors.Wrap(err, "reader", "newReader", "create history")
	}
	return &reader{
		guid:      middleware.NewGUID(),
		owner:     p,
		topic:     t,
		qos:       q,
		listener:  l,
		samples:   samples,
		rejectLog: rate.Sometimes{Interval: time.Second},
	}, nil
}

// start subscribes on core NATS, or replays and follows the history stream for
// transient-local readers. Volatile writers never match a transient-local
// reader, so the stream carries every sample such a reader accepts.
func (r *reader) start(ctx context.Context) error {
	bus := r.owner.bus

	if r.qos.Durability != qos.TransientLocal {
		sub, err := bus.client.Subscribe(r.topic.subject, func(msg *nats.Msg) {
			r.receive(msg.Header, msg.Data)
		})
		if err != nil {
			return errors.Wrap(err, "reader", "start", "subscribe "+r.topic.subject)
		}
		r.mu.Lock()
		r.sub = sub
		r.mu.Unlock()
		return nil
	}

	if err := bus.ensureStream(ctx, r.owner.domain, r.topic.name, r.qos.HistoryLimit(), false); err != nil {
		return errors.Wrap(err, "reader", "start", "ensure history stream")
	}
	stop, err := bus.client.ConsumeOrdered(ctx, bus.StreamName(r.owner.domain, r.topic.name),
		jetstream.OrderedConsumerConfig{
			FilterSubjects: []string{r.topic.subject},
			DeliverPolicy:  jetstream.DeliverAllPolicy,
		},
		func(msg jetstream.Msg) {
			r.receive(msg.Headers(), msg.Data())
		})
	if err != nil {
		return errors.Wrap(err, "reader", "start", "consume history stream")
	}
	r.mu.Lock()
	r.stop = stop
	r.mu.Unlock()
	return nil
}

// receive runs on the NATS delivery goroutine of this reader
func (r *reader) receive(h nats.Header, data []byte) {
	if r.closed.Load() {
		return
	}

	s, offered, err := decodeMsg(h, data)
	if err != nil {
		r.rejectLog.Do(func() {
			r.owner.logger.Warn("Dropped undecodable message", "topic", r.topic.name, "error", err)
		})
		return
	}
	if s.TypeID != r.topic.typeID {
		r.rejectLog.Do(func() {
			r.owner.logger.Warn("Dropped sample of foreign type",
				"topic", r.topic.name, "type", s.TypeID, "expected", r.topic.typeID)
		})
		return
	}
	if !qos.Compatible(offered, r.qos) {
		return
	}

	s.Info.ReceptionTimestamp = time.Now()
	if err := r.samples.Write(s); err != nil {
		return
	}
	if r.listener != nil {
		r.listener.OnDataAvailable(r)
	}
}

func (r *reader) GUID() middleware.GUID { return r.guid }

func (r *reader) Take() (middleware.Sample, bool) {
	return r.samples.Read()
}

func (r *reader) MatchedWriters() int { return -1 }

func (r *reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.owner.forgetReader(r)

	r.mu.Lock()
	sub, stop := r.sub, r.stop
	r.mu.Unlock()

	var err error
	if sub != nil {
		err = r.owner.bus.client.Unsubscribe(sub)
	}
	if stop != nil {
		stop()
	}
	_ = r.samples.Close()
	return err
}
