package reactor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/c360/talkbus/health"
)

// Kind is the role a capability plays on its topic
type Kind int

// Capability kinds
const (
	KindPublisher Kind = iota
	KindSubscriber
	KindRequester
	KindReplier
)

var kindNames = [...]string{
	KindPublisher:  "publisher",
	KindSubscriber: "subscriber",
	KindRequester:  "requester",
	KindReplier:    "replier",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Key identifies a capability within a reactor. Requesters and repliers are
// keyed by service name, the others by topic name.
type Key struct {
	Topic string
	Kind  Kind
}

func (k Key) String() string {
	return k.Kind.String() + "/" + k.Topic
}

// entry is one row of the dispatch table. live drops to false before the
// entity closes; inbound events that still reach it are discarded.
type entry struct {
	key    Key
	entity any
	live   atomic.Bool
	close  func(ctx context.Context) error
	health func() health.Status
}
