// Package loopback is an in-process middleware. Participants created from the
// same Network share topics per domain; every reader gets its own listener
// goroutine so notifications arrive asynchronously, as they would from a real
// middleware.
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

// Name is the middleware name reported by Network
const Name = "loopback"

// Network is an in-process middleware instance
type Network struct {
	logger     *slog.Logger
	createHook func(domainID int, q qos.Descriptor) error
	writeHook  func(topic string, s middleware.Sample) error

	mu      sync.Mutex
	domains map[int]*domain
}

var _ middleware.Middleware = (*Network)(nil)

// Option configures a Network
type Option func(*Network)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(n *Network) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithCreateHook installs a hook that can reject participant creation
func WithCreateHook(hook func(domainID int, q qos.Descriptor) error) Option {
	return func(n *Network) {
		n.createHook = hook
	}
}

// WithWriteHook installs a hook that can reject individual writes
func WithWriteHook(hook func(topic string, s middleware.Sample) error) Option {
	return func(n *Network) {
		n.writeHook = hook
	}
}

// New creates an empty network
func New(opts ...Option) *Network {
	n := &Network{
		logger:  slog.Default(),
		domains: make(map[int]*domain),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "middleware", "middleware", Name)
	return n
}

// Name returns "loopback"
func (n *Network) Name() string {
	return Name
}

// CreateParticipant joins a domain
func (n *Network) CreateParticipant(ctx context.Context, domainID int, q qos.Descriptor) (middleware.DomainParticipant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if domainID < 0 || domainID > middleware.MaxDomainID {
		return nil, errors.WrapInvalid(fmt.Errorf("domain id %d outside 0..%d", domainID, middleware.MaxDomainID),
			"Network", "CreateParticipant", "validate domain")
	}
	if n.createHook != nil {
		if err := n.createHook(domainID, q); err != nil {
			return nil, errors.Wrap(err, "Network", "CreateParticipant", "create participant")
		}
	}

	n.mu.Lock()
	d, ok := n.domains[domainID]
	if !ok {
		d = &domain{id: domainID, topics: make(map[string]*topicBus)}
		n.domains[domainID] = d
	}
	n.mu.Unlock()

	p := &participant{
		net:     n,
		dom:     d,
		guid:    middleware.NewGUID(),
		qos:     q,
		types:   make(map[string]bool),
		topics:  make(map[string]*topic),
		writers: make(map[*writer]struct{}),
		readers: make(map[*reader]struct{}),
	}
	p.logger = n.logger.With("domain", domainID, "participant", p.guid.String())
	p.logger.Debug("Participant created", "qos", q.String())
	return p, nil
}

// domain holds the topics shared by every participant in one domain id
type domain struct {
	id     int
	mu     sync.Mutex
	topics map[string]*topicBus
}

// bus returns the topic bus for name, creating it with typeID on first use
func (d *domain) bus(name, typeID string) (*topicBus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.topics[name]
	if !ok {
		b = &topicBus{
			name:    name,
			typeID:  typeID,
			writers: make(map[*writer]struct{}),
			readers: make(map[*reader]struct{}),
		}
		d.topics[name] = b
	}
	if b.typeID != typeID {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: topic %q carries %q, not %q", errors.ErrTopicTypeMismatch, name, b.typeID, typeID),
			"domain", "bus", "match topic type")
	}
	b.refs++
	return b, nil
}

func (d *domain) release(b *topicBus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b.refs--
	if b.refs <= 0 {
		delete(d.topics, b.name)
	}
}
