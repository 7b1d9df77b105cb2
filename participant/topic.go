package participant

import (
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/qos"
)

// Topic is a named, typed channel within a participant. Its type id never
// changes; it lives until the last reference is released.
type Topic struct {
	owner   *Participant
	name    string
	typeID  string
	profile string
	qos     qos.Descriptor
	handle  middleware.TopicHandle

	refs int // guarded by owner.mu
}

// Name returns the topic name
func (t *Topic) Name() string { return t.name }

// TypeID returns the type carried on the topic
func (t *Topic) TypeID() string { return t.typeID }

// QoS returns the topic QoS fixed at creation
func (t *Topic) QoS() qos.Descriptor { return t.qos }

// Handle returns the middleware topic
func (t *Topic) Handle() middleware.TopicHandle { return t.handle }

// Participant returns the owning participant
func (t *Topic) Participant() *Participant { return t.owner }

// Release gives back one reference; the last one deletes the topic
func (t *Topic) Release() error {
	return t.owner.releaseTopic(t)
}
