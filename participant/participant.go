package participant

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/c360/talkbus/config"
	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/health"
	"github.com/c360/talkbus/metric"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/pkg/worker"
	"github.com/c360/talkbus/qos"
)

// Participant is the process-wide member of one domain. It owns the
// middleware participant and the topic registry.
type Participant struct {
	mgr      *Manager
	dp       middleware.DomainParticipant
	domainID int
	qos      qos.Descriptor

	// entityDefault is the profile given to Create; empty leaves entities on
	// their kind defaults
	entityDefault string
	base          *slog.Logger
	logger        *slog.Logger

	creating singleflight.Group

	mu     sync.Mutex
	refs   int
	topics map[string]*Topic
	closed bool
}

func newParticipant(m *Manager, dp middleware.DomainParticipant, domainID int, entityDefault string,
	q qos.Descriptor) *Participant {
	base := m.base.With("middleware", m.mw.Name(), "domain", domainID)
	return &Participant{
		mgr:           m,
		dp:            dp,
		domainID:      domainID,
		entityDefault: entityDefault,
		qos:           q,
		base:          base,
		logger:        base.With("component", "participant"),
		topics:        make(map[string]*Topic),
	}
}

// DomainID returns the domain this participant joined
func (p *Participant) DomainID() int { return p.domainID }

// GUID returns the middleware participant id
func (p *Participant) GUID() middleware.GUID { return p.dp.GUID() }

// Profile returns the name of the participant's own QoS profile
func (p *Participant) Profile() string { return p.qos.Profile }

// QoS returns the resolved participant QoS
func (p *Participant) QoS() qos.Descriptor { return p.qos }

// Middleware returns the middleware participant, for creating writers and readers
func (p *Participant) Middleware() middleware.DomainParticipant { return p.dp }

// Logger returns the domain-scoped logger entities build on. It carries the
// middleware and domain but no component, which each entity adds itself.
func (p *Participant) Logger() *slog.Logger { return p.base }

// Metrics returns the registry entities record into; nil when metrics are off
func (p *Participant) Metrics() *metric.MetricsRegistry { return p.mgr.registry }

// Config returns a copy of the frozen configuration
func (p *Participant) Config() config.Config { return p.mgr.Config() }

// Resolve resolves QoS for an entity of kind. An empty profile falls back to
// the profile given to Create, then to the kind default.
func (p *Participant) Resolve(kind qos.EntityKind, profile string) (qos.Descriptor, error) {
	return p.mgr.resolver.Resolve(kind, profile, p.entityDefault)
}

// NewWorker creates an active object configured from the worker section
func (p *Participant) NewWorker(name string) *worker.ActiveObject {
	return worker.NewActiveObject(name, p.mgr.cfg.WorkerOptions(p.base, p.mgr.registry)...)
}

// Release gives back the reference taken by Manager.Create
func (p *Participant) Release() error {
	return p.mgr.Release(p)
}

// Closed reports whether the participant has been destroyed
func (p *Participant) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// GetOrCreateTopic returns the topic called name, creating it on first use.
// Concurrent first calls share one middleware creation. A topic that exists
// with another type id fails with ErrTopicTypeMismatch. Each successful call
// adds a reference that Topic.Release gives back.
func (p *Participant) GetOrCreateTopic(ctx context.Context, name, typeID, profile string) (*Topic, error) {
	if name == "" || typeID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Participant", "GetOrCreateTopic",
			"check topic name and type")
	}

	for {
		t, err := p.acquireTopic(name, typeID, profile)
		if t != nil || err != nil {
			return t, err
		}

		v, err, _ := p.creating.Do(name, func() (any, error) {
			return p.createTopic(ctx, name, typeID, profile)
		})
		if err != nil {
			return nil, err
		}

		created := v.(*Topic)
		if created.typeID != typeID {
			return nil, p.mismatch(name, created.typeID, typeID)
		}

		p.mu.Lock()
		if p.topics[name] == created {
			created.refs++
			p.mu.Unlock()
			return created, nil
		}
		// Released to zero before this caller took a reference; start over.
		p.mu.Unlock()
	}
}

// acquireTopic adds a reference to an existing topic
func (p *Participant) acquireTopic(name, typeID, profile string) (*Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.WrapFatal(errors.ErrClosed, "Participant", "GetOrCreateTopic", "check participant state")
	}
	t, ok := p.topics[name]
	if !ok {
		return nil, nil
	}
	if t.typeID != typeID {
		return nil, p.mismatch(name, t.typeID, typeID)
	}
	if profile != "" && profile != t.profile {
		p.logger.Warn("Topic exists with another QoS profile; keeping the first",
			"topic", name, "profile", t.profile, "requested", profile)
	}
	t.refs++
	return t, nil
}

func (p *Participant) mismatch(name, have, want string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: topic %q carries %q, not %q", errors.ErrTopicTypeMismatch, name, have, want),
		"Participant", "GetOrCreateTopic", "match topic type")
}

// createTopic registers the type, creates the middleware topic and inserts it
// with no references
func (p *Participant) createTopic(ctx context.Context, name, typeID, profile string) (*Topic, error) {
	p.mu.Lock()
	if t, ok := p.topics[name]; ok {
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	q, err := p.Resolve(qos.KindTopic, profile)
	if err != nil {
		return nil, err
	}
	if err := p.dp.RegisterType(typeID); err != nil {
		return nil, errors.Wrap(err, "Participant", "GetOrCreateTopic", "register type "+typeID)
	}
	h, err := p.dp.CreateTopic(ctx, name, typeID, q)
	if err != nil {
		return nil, errors.Wrap(err, "Participant", "GetOrCreateTopic", "create topic "+name)
	}

	t := &Topic{
		owner:   p,
		name:    name,
		typeID:  typeID,
		profile: q.Profile,
		qos:     q,
		handle:  h,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.WrapFatal(errors.ErrClosed, "Participant", "GetOrCreateTopic", "check participant state")
	}
	p.topics[name] = t
	p.mu.Unlock()

	p.logger.Debug("Topic created", "topic", name, "type", typeID, "qos", q.String())
	return t, nil
}

// TopicType returns the type id of a live topic
func (p *Participant) TopicType(name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.topics[name]
	if !ok {
		return "", false
	}
	return t.typeID, true
}

// Topics returns the names of live topics, sorted
func (p *Participant) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.topics))
	for name := range p.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// releaseTopic drops one reference and deletes the topic at zero
func (p *Participant) releaseTopic(t *Topic) error {
	p.mu.Lock()
	if t.refs == 0 {
		p.mu.Unlock()
		return errors.WrapInvalid(fmt.Errorf("topic %q has no references", t.name),
			"Topic", "Release", "drop reference")
	}
	t.refs--
	if t.refs > 0 || p.topics[t.name] != t {
		p.mu.Unlock()
		return nil
	}
	delete(p.topics, t.name)
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return nil
	}
	if err := p.dp.DeleteTopic(t.handle); err != nil {
		p.logger.Warn("Failed to delete middleware topic", "topic", t.name, "error", err)
	}
	p.logger.Debug("Topic deleted", "topic", t.name)
	return p.mgr.destroyIfUnused(context.Background(), p)
}

// destroy closes the middleware participant; the caller has marked p closed
func (p *Participant) destroy(ctx context.Context) error {
	p.mu.Lock()
	p.topics = make(map[string]*Topic)
	p.mu.Unlock()

	if err := p.dp.Close(ctx); err != nil {
		return errors.Wrap(err, "Participant", "destroy", fmt.Sprintf("close domain %d participant", p.domainID))
	}
	p.logger.Info("Participant destroyed")
	return nil
}

// Health reports unhealthy once destroyed, healthy otherwise
func (p *Participant) Health() health.Status {
	p.mu.Lock()
	closed, refs, topics := p.closed, p.refs, len(p.topics)
	p.mu.Unlock()

	name := fmt.Sprintf("participant/%d", p.domainID)
	if closed {
		return health.NewUnhealthy(name, "participant destroyed")
	}
	return health.NewHealthy(name, fmt.Sprintf("%d references, %d topics", refs, topics))
}
