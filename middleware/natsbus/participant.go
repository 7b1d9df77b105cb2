package natsbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/qos"
)

type participant struct {
	bus    *Bus
	domain int
	guid   middleware.GUID
	qos    qos.Descriptor
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	types   map[string]bool
	topics  map[string]*topic
	writers map[*writer]struct{}
	readers map[*reader]struct{}
}

var _ middleware.DomainParticipant = (*participant)(nil)

type topic struct {
	name    string
	typeID  string
	subject string
	owner   *participant
}

func (t *topic) Name() string   { return t.name }
func (t *topic) TypeID() string { return t.typeID }

func (p *participant) GUID() middleware.GUID { return p.guid }
func (p *participant) DomainID() int         { return p.domain }

func (p *participant) RegisterType(typeID string) error {
	if typeID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "participant", "RegisterType", "empty type id")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.ErrClosed
	}
	p.types[typeID] = true
	return nil
}

func (p *participant) CreateTopic(ctx context.Context, name, typeID string, _ qos.Descriptor) (middleware.TopicHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.ErrClosed
	}
	if !p.types[typeID] {
		return nil, errors.WrapInvalid(fmt.Errorf("type %q not registered", typeID),
			"participant", "CreateTopic", "check type registration")
	}
	if _, exists := p.topics[name]; exists {
		return nil, errors.WrapInvalid(fmt.Errorf("topic %q already exists", name),
			"participant", "CreateTopic", "check duplicate")
	}
	if err := p.bus.claimType(p.domain, name, typeID); err != nil {
		return nil, err
	}

	t := &topic{name: name, typeID: typeID, subject: p.bus.Subject(p.domain, name), owner: p}
	p.topics[name] = t
	return t, nil
}

func (p *participant) topicOf(h middleware.TopicHandle) (*topic, error) {
	t, ok := h.(*topic)
	if !ok || t.owner != p {
		return nil, errors.WrapInvalid(fmt.Errorf("topic handle %v not owned by this participant", h),
			"participant", "topicOf", "check topic owner")
	}
	return t, nil
}

func (p *participant) DeleteTopic(h middleware.TopicHandle) error {
	t, err := p.topicOf(h)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for w := range p.writers {
		if w.topic == t {
			return errors.WrapInvalid(fmt.Errorf("topic %q still has writers", t.name),
				"participant", "DeleteTopic", "check topic users")
		}
	}
	for r := range p.readers {
		if r.topic == t {
			return errors.WrapInvalid(fmt.Errorf("topic %q still has readers", t.name),
				"participant", "DeleteTopic", "check topic users")
		}
	}

	if _, ok := p.topics[t.name]; ok {
		delete(p.topics, t.name)
		p.bus.releaseType(p.domain, t.name)
	}
	return nil
}

func (p *participant) CreateWriter(ctx context.Context, h middleware.TopicHandle, q qos.Descriptor) (middleware.Writer, error) {
	t, err := p.topicOf(h)
	if err != nil {
		return nil, err
	}
	if q.Durability == qos.TransientLocal {
		if err := p.bus.ensureStream(ctx, p.domain, t.name, q.HistoryLimit(), true); err != nil {
			return nil, errors.Wrap(err, "participant", "CreateWriter", "ensure history stream")
		}
	}

	w := &writer{guid: middleware.NewGUID(), owner: p, topic: t, qos: q}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.ErrClosed
	}
	p.writers[w] = struct{}{}
	return w, nil
}

func (p *participant) CreateReader(ctx context.Context, h middleware.TopicHandle, q qos.Descriptor,
	l middleware.Listener,
) (middleware.Reader, error) {
	t, err := p.topicOf(h)
	if err != nil {
		return nil, err
	}

	r, err := newReader(p, t, q, l)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.ErrClosed
	}
	p.readers[r] = struct{}{}
	p.mu.Unlock()

	if err := r.start(ctx); err != nil {
		p.forgetReader(r)
		return nil, err
	}
	return r, nil
}

func (p *participant) forgetWriter(w *writer) {
	p.mu.Lock()
	delete(p.writers, w)
	p.mu.Unlock()
}

func (p *participant) forgetReader(r *reader) {
	p.mu.Lock()
	delete(p.readers, r)
	p.mu.Unlock()
}

// Close closes every writer and reader. History streams are left in place for
// other processes.
func (p *participant) Close(_ context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	writers := make([]*writer, 0, len(p.writers))
	for w := range p.writers {
		writers = append(writers, w)
	}
	readers := make([]*reader, 0, len(p.readers))
	for r := range p.readers {
		readers = append(readers, r)
	}
	topics := p.topics
	p.topics = make(map[string]*topic)
	p.mu.Unlock()

	var errs []error
	for _, w := range writers {
		_ = w.Close()
	}
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for name := range topics {
		p.bus.releaseType(p.domain, name)
	}

	p.logger.Debug("Participant closed")
	if len(errs) > 0 {
		return errors.Wrap(errs[0], "participant", "Close", "close readers")
	}
	return nil
}
