package loopback

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
	net    *Network
	dom    *domain
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
	name   string
	typeID string
	qos    qos.Descriptor
	bus    *topicBus
	owner  *participant
}

func (t *topic) Name() string   { return t.name }
func (t *topic) TypeID() string { return t.typeID }

func (p *participant) GUID() middleware.GUID { return p.guid }
func (p *participant) DomainID() int         { return p.dom.id }

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

func (p *participant) CreateTopic(ctx context.Context, name, typeID string, q qos.Descriptor) (middleware.TopicHandle, error) {
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

	bus, err := p.dom.bus(name, typeID)
	if err != nil {
		return nil, err
	}

	t := &topic{name: name, typeID: typeID, qos: q, bus: bus, owner: p}
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
		p.dom.release(t.bus)
	}
	return nil
}

func (p *participant) CreateWriter(ctx context.Context, h middleware.TopicHandle, q qos.Descriptor) (middleware.Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := p.topicOf(h)
	if err != nil {
		return nil, err
	}

	w, err := newWriter(p, t, q)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.ErrClosed
	}
	p.writers[w] = struct{}{}
	p.mu.Unlock()

	t.bus.attachWriter(w)
	return w, nil
}

func (p *participant) CreateReader(ctx context.Context, h middleware.TopicHandle, q qos.Descriptor,
	l middleware.Listener) (middleware.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
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

	t.bus.attachReader(r)
	go r.listen()
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

// Close closes every writer and reader and leaves the domain
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

	for _, w := range writers {
		_ = w.Close()
	}
	for _, r := range readers {
		_ = r.Close()
	}
	for _, t := range topics {
		p.dom.release(t.bus)
	}

	p.logger.Debug("Participant closed")
	return nil
}
