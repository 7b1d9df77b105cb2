// Package natsbus is a middleware backed by NATS. Volatile topics travel over
// core NATS subjects; transient-local topics are kept in a JetStream stream
// per topic so late readers replay the retained history.
//
// Subjects are <prefix>.<domain>.<topic>, with the topic's '/' separators
// mapped to subject tokens. Sample metadata travels in message headers.
//
// NATS does not report subscriber counts, so MatchedReaders and MatchedWriters
// return -1.
package natsbus

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/natsclient"
	"github.com/c360/talkbus/qos"
)

// Name is the middleware name reported by Bus
const Name = "nats"

// DefaultSubjectPrefix is the first subject token of every topic
const DefaultSubjectPrefix = "talkbus"

// Bus is a NATS-backed middleware
type Bus struct {
	client  *natsclient.Client
	prefix  string
	storage jetstream.StorageType
	logger  *slog.Logger

	mu sync.Mutex
	// types holds the type id of every topic created through this bus, per domain
	types map[int]map[string]*topicType
}

type topicType struct {
	typeID string
	refs   int
}

var _ middleware.Middleware = (*Bus)(nil)

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithSubjectPrefix replaces DefaultSubjectPrefix
func WithSubjectPrefix(prefix string) Option {
	return func(b *Bus) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithFileStorage keeps transient-local history on disk instead of in memory
func WithFileStorage() Option {
	return func(b *Bus) {
		b.storage = jetstream.FileStorage
	}
}

// New creates a bus over a client. The client must be connected before
// participants are created; the bus never closes it.
func New(client *natsclient.Client, opts ...Option) *Bus {
	b := &Bus{
		client:  client,
		prefix:  DefaultSubjectPrefix,
		storage: jetstream.MemoryStorage,
		logger:  slog.Default(),
		types:   make(map[int]map[string]*topicType),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "middleware", "middleware", Name)
	return b
}

// Name returns "nats"
func (b *Bus) Name() string {
	return Name
}

// CreateParticipant joins a domain. It fails when the client is not connected.
func (b *Bus) CreateParticipant(ctx context.Context, domainID int, q qos.Descriptor) (middleware.DomainParticipant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if domainID < 0 || domainID > middleware.MaxDomainID {
		return nil, errors.WrapInvalid(fmt.Errorf("domain id %d outside 0..%d", domainID, middleware.MaxDomainID),
			"Bus", "CreateParticipant", "validate domain")
	}
	if !b.client.IsHealthy() {
		return nil, errors.WrapTransient(
			errors.Join(errors.ErrNoConnection, fmt.Errorf("nats client is %s", b.client.Status())),
			"Bus", "CreateParticipant", "check connection")
	}

	p := &participant{
		bus:     b,
		domain:  domainID,
		guid:    middleware.NewGUID(),
		qos:     q,
		types:   make(map[string]bool),
		topics:  make(map[string]*topic),
		writers: make(map[*writer]struct{}),
		readers: make(map[*reader]struct{}),
	}
	p.logger = b.logger.With("domain", domainID, "participant", p.guid.String())
	p.logger.Debug("Participant created", "qos", q.String())
	return p, nil
}

// claimType records typeID for a topic name in a domain. Only topics created
// through this bus are checked; remote processes are trusted to agree.
func (b *Bus) claimType(domainID int, name, typeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	topics, ok := b.types[domainID]
	if !ok {
		topics = make(map[string]*topicType)
		b.types[domainID] = topics
	}
	t, ok := topics[name]
	if !ok {
		t = &topicType{typeID: typeID}
		topics[name] = t
	}
	if t.typeID != typeID {
		return errors.WrapInvalid(
			fmt.Errorf("%w: topic %q carries %q, not %q", errors.ErrTopicTypeMismatch, name, t.typeID, typeID),
			"Bus", "claimType", "match topic type")
	}
	t.refs++
	return nil
}

func (b *Bus) releaseType(domainID int, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topics := b.types[domainID]
	if t, ok := topics[name]; ok {
		t.refs--
		if t.refs <= 0 {
			delete(topics, name)
		}
	}
}

// Subject maps a topic name in a domain to its NATS subject
func (b *Bus) Subject(domainID int, topic string) string {
	tokens := strings.Split(topic, "/")
	for i, tok := range tokens {
		tok = strings.Map(func(r rune) rune {
			switch r {
			case '.', '*', '>', ' ', '\t', '\r', '\n':
				return '_'
			}
			return r
		}, tok)
		if tok == "" {
			tok = "_"
		}
		tokens[i] = tok
	}
	return fmt.Sprintf("%s.%d.%s", b.prefix, domainID, strings.Join(tokens, "."))
}

// StreamName maps a topic name in a domain to the JetStream stream holding
// its transient-local history. A hash of the raw name keeps sanitized names
// from colliding.
func (b *Bus) StreamName(domainID int, topic string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, topic)

	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return fmt.Sprintf("%s_%d_%s_%08x", strings.ToUpper(b.prefix), domainID, safe, h.Sum32())
}

// ensureStream creates the history stream for a transient-local topic. Writers
// size the stream to their history; readers only create it when missing.
func (b *Bus) ensureStream(ctx context.Context, domainID int, topic string, depth int, writer bool) error {
	name := b.StreamName(domainID, topic)
	if !writer {
		js, err := b.client.JetStream()
		if err != nil {
			return err
		}
		if _, err := js.Stream(ctx, name); err == nil {
			return nil
		} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
			return errors.WrapTransient(err, "Bus", "ensureStream", "look up stream "+name)
		}
	}

	_, err := b.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:              name,
		Subjects:          []string{b.Subject(domainID, topic)},
		Retention:         jetstream.LimitsPolicy,
		MaxMsgsPerSubject: int64(depth),
		Discard:           jetstream.DiscardOld,
		Storage:           b.storage,
	})
	return err
}
