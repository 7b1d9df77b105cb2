// Package middleware defines the contract between talkbus and a DDS-class
// publish/subscribe middleware: participants, topics, writers, readers and
// asynchronous data-available notification.
package middleware

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/talkbus/qos"
)

// GUID identifies a participant, writer or reader
type GUID [16]byte

// NewGUID returns a random GUID
func NewGUID() GUID {
	return GUID(uuid.New())
}

// IsZero reports whether g is unset
func (g GUID) IsZero() bool {
	return g == GUID{}
}

func (g GUID) String() string {
	return hex.EncodeToString(g[:])
}

// ParseGUID parses the String form
func ParseGUID(s string) (GUID, error) {
	var g GUID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(g) {
		return g, fmt.Errorf("invalid guid %q", s)
	}
	copy(g[:], b)
	return g, nil
}

// SampleID identifies one sample: the writer that produced it and the
// writer's sequence number. Sequences start at 1; zero means unset.
type SampleID struct {
	Writer   GUID
	Sequence uint64
}

// IsZero reports whether id is unset
func (id SampleID) IsZero() bool {
	return id.Sequence == 0 && id.Writer.IsZero()
}

func (id SampleID) String() string {
	return fmt.Sprintf("%s:%d", id.Writer, id.Sequence)
}

// ParseSampleID parses the String form
func ParseSampleID(s string) (SampleID, error) {
	guid, seq, ok := strings.Cut(s, ":")
	if !ok {
		return SampleID{}, fmt.Errorf("invalid sample id %q", s)
	}
	writer, err := ParseGUID(guid)
	if err != nil {
		return SampleID{}, err
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return SampleID{}, fmt.Errorf("invalid sample id %q: %w", s, err)
	}
	return SampleID{Writer: writer, Sequence: n}, nil
}

// SampleInfo is the metadata carried with every sample
type SampleInfo struct {
	ID SampleID
	// Related is the id of the sample this one answers; zero when unrelated
	Related SampleID
	// Failed marks a reply whose handler failed; Error carries its text
	Failed             bool
	Error              string
	SourceTimestamp    time.Time
	ReceptionTimestamp time.Time
}

// Sample is a serialized payload plus its metadata
type Sample struct {
	TypeID  string
	Payload []byte
	Info    SampleInfo
}

// Middleware creates domain participants
type Middleware interface {
	Name() string
	CreateParticipant(ctx context.Context, domainID int, q qos.Descriptor) (DomainParticipant, error)
}

// DomainParticipant is a middleware participant joined to one domain
type DomainParticipant interface {
	GUID() GUID
	DomainID() int

	// RegisterType declares a type id; registering the same id twice is a no-op
	RegisterType(typeID string) error
	CreateTopic(ctx context.Context, name, typeID string, q qos.Descriptor) (TopicHandle, error)
	DeleteTopic(t TopicHandle) error

	CreateWriter(ctx context.Context, t TopicHandle, q qos.Descriptor) (Writer, error)
	// CreateReader attaches l, which the middleware calls from its own goroutines
	CreateReader(ctx context.Context, t TopicHandle, q qos.Descriptor, l Listener) (Reader, error)

	Close(ctx context.Context) error
}

// TopicHandle is a middleware topic
type TopicHandle interface {
	Name() string
	TypeID() string
}

// Writer publishes samples on one topic
type Writer interface {
	GUID() GUID
	// Write hands a sample to the middleware. The writer fills in ID and
	// SourceTimestamp and returns the assigned id.
	Write(ctx context.Context, s Sample) (SampleID, error)
	// MatchedReaders returns the number of compatible readers, or -1 when unknown
	MatchedReaders() int
	Close() error
}

// Reader receives samples on one topic
type Reader interface {
	GUID() GUID
	// Take removes and returns the oldest available sample
	Take() (Sample, bool)
	// MatchedWriters returns the number of compatible writers, or -1 when unknown
	MatchedWriters() int
	Close() error
}

// Listener receives middleware notifications. Implementations must not block.
type Listener interface {
	// OnDataAvailable signals that Take will return at least one sample
	OnDataAvailable(r Reader)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(r Reader)

// OnDataAvailable calls f(r)
func (f ListenerFunc) OnDataAvailable(r Reader) { f(r) }

// MaxDomainID is the largest domain id accepted by participants
const MaxDomainID = 232
