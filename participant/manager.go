package participant

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/c360/talkbus/config"
	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/metric"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/qos"
)

// Manager hands out one Participant per domain id. Participants are reference
// counted and destroyed once every user reference and every topic is released.
type Manager struct {
	cfg      config.Config
	mw       middleware.Middleware
	resolver *qos.Resolver
	base     *slog.Logger
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics

	creating singleflight.Group

	mu           sync.Mutex
	participants map[int]*Participant
	closed       bool
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger inherited by every participant and entity
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records participant and entity metrics in registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(m *Manager) {
		m.registry = registry
	}
}

// NewManager freezes a copy of cfg and builds the QoS resolver from its
// profile file.
func NewManager(cfg config.Config, mw middleware.Middleware, opts ...Option) (*Manager, error) {
	if mw == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager", "check middleware")
	}

	set, err := cfg.LoadProfiles()
	if err != nil {
		return nil, err
	}
	resolver, err := qos.NewResolver(qos.WithProfiles(set))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Manager", "NewManager", "build QoS resolver")
	}

	m := &Manager{
		cfg:          cfg.Clone(),
		mw:           mw,
		resolver:     resolver,
		logger:       slog.Default(),
		participants: make(map[int]*Participant),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics = m.registry.CoreMetrics()
	m.base = m.logger
	m.logger = m.logger.With("component", "participant-manager", "middleware", mw.Name())
	return m, nil
}

// Config returns a copy of the frozen configuration
func (m *Manager) Config() config.Config {
	return m.cfg.Clone()
}

// Resolver returns the QoS resolver shared by every participant
func (m *Manager) Resolver() *qos.Resolver {
	return m.resolver
}

// Create returns the participant for domainID, creating it on first use. Each
// successful call adds a reference that Release gives back. An empty profile
// selects the configured default for the participant itself; a non-empty one
// also becomes the default for every entity created under the participant.
func (m *Manager) Create(ctx context.Context, domainID int, profile string) (*Participant, error) {
	if domainID < 0 || domainID > middleware.MaxDomainID {
		return nil, errors.WrapInvalid(
			errors.Join(errors.ErrParticipantCreation, fmt.Errorf("domain id %d outside 0..%d", domainID, middleware.MaxDomainID)),
			"Manager", "Create", "validate domain")
	}
	if profile != "" && !m.resolver.Has(profile) {
		return nil, errors.WrapInvalid(
			errors.Join(errors.ErrParticipantCreation, fmt.Errorf("%w: %q", errors.ErrQosProfileNotFound, profile)),
			"Manager", "Create", "check profile")
	}
	for {
		if p, ok, err := m.acquire(domainID); ok || err != nil {
			if ok && profile != "" && profile != p.entityDefault {
				p.logger.Debug("Participant exists with another profile", "requested", profile, "profile", p.Profile())
			}
			return p, err
		}

		v, err, _ := m.creating.Do(strconv.Itoa(domainID), func() (any, error) {
			return m.create(ctx, domainID, profile)
		})
		if err != nil {
			return nil, err
		}

		p := v.(*Participant)
		m.mu.Lock()
		if m.participants[domainID] == p {
			p.mu.Lock()
			p.refs++
			p.mu.Unlock()
			m.mu.Unlock()
			return p, nil
		}
		// Destroyed between creation and this reference; start over.
		m.mu.Unlock()
	}
}

// acquire adds a reference to an existing participant
func (m *Manager) acquire(domainID int) (*Participant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, errors.WrapFatal(errors.Join(errors.ErrParticipantCreation, errors.ErrClosed),
			"Manager", "Create", "check manager state")
	}
	p, ok := m.participants[domainID]
	if !ok {
		return nil, false, nil
	}
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
	return p, true, nil
}

// create joins the domain through the middleware and inserts the participant
// with no references. It runs once per domain id at a time.
func (m *Manager) create(ctx context.Context, domainID int, profile string) (*Participant, error) {
	m.mu.Lock()
	if p, ok := m.participants[domainID]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	own := profile
	if own == "" {
		own = m.cfg.Domain.DefaultProfile
	}
	q, err := m.resolver.Resolve(qos.KindParticipant, own, "")
	if err != nil {
		return nil, errors.WrapInvalid(errors.Join(errors.ErrParticipantCreation, err),
			"Manager", "Create", "resolve participant profile")
	}

	dp, err := m.mw.CreateParticipant(ctx, domainID, q)
	if err != nil {
		wrapped := errors.Join(errors.ErrParticipantCreation, err)
		if errors.IsTransient(err) {
			return nil, errors.WrapTransient(wrapped, "Manager", "Create", "create middleware participant")
		}
		return nil, errors.WrapInvalid(wrapped, "Manager", "Create", "create middleware participant")
	}

	p := newParticipant(m, dp, domainID, profile, q)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = dp.Close(ctx)
		return nil, errors.WrapFatal(errors.Join(errors.ErrParticipantCreation, errors.ErrClosed),
			"Manager", "Create", "check manager state")
	}
	m.participants[domainID] = p
	count := len(m.participants)
	m.mu.Unlock()

	m.metrics.RecordParticipants(count)
	p.logger.Info("Participant created", "guid", dp.GUID().String(), "qos", q.String())
	return p, nil
}

// Release gives back one reference taken by Create
func (m *Manager) Release(p *Participant) error {
	if p == nil || p.mgr != m {
		return errors.WrapInvalid(fmt.Errorf("participant not owned by this manager"),
			"Manager", "Release", "check owner")
	}

	p.mu.Lock()
	if p.refs == 0 {
		p.mu.Unlock()
		return errors.WrapInvalid(fmt.Errorf("participant for domain %d has no references", p.domainID),
			"Manager", "Release", "drop reference")
	}
	p.refs--
	p.mu.Unlock()

	return m.destroyIfUnused(context.Background(), p)
}

// destroyIfUnused closes p once it has no references and no topics
func (m *Manager) destroyIfUnused(ctx context.Context, p *Participant) error {
	m.mu.Lock()
	p.mu.Lock()
	if p.refs > 0 || len(p.topics) > 0 || p.closed || m.participants[p.domainID] != p {
		p.mu.Unlock()
		m.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	delete(m.participants, p.domainID)
	count := len(m.participants)
	m.mu.Unlock()

	m.metrics.RecordParticipants(count)
	return p.destroy(ctx)
}

// Participants returns the domain ids with a live participant, ascending
func (m *Manager) Participants() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int, 0, len(m.participants))
	for id := range m.participants {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Close destroys every participant regardless of outstanding references.
// Entities still bound to them fail with ErrClosed afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	participants := make([]*Participant, 0, len(m.participants))
	for _, p := range m.participants {
		participants = append(participants, p)
	}
	m.participants = make(map[int]*Participant)
	m.mu.Unlock()

	var errs []error
	for _, p := range participants {
		p.mu.Lock()
		already := p.closed
		p.closed = true
		p.mu.Unlock()
		if already {
			continue
		}
		if err := p.destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.metrics.RecordParticipants(0)
	m.logger.Info("Participant manager closed", "participants", len(participants))
	return stderrors.Join(errs...)
}
