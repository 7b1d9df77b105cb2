package natsbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/natsclient"
	"github.com/c360/talkbus/qos"
)

func newBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	client, err := natsclient.NewClient("nats://127.0.0.1:4222", natsclient.WithHealthInterval(0))
	require.NoError(t, err)
	return New(client, opts...)
}

func TestSubject(t *testing.T) {
	b := newBus(t)

	tests := []struct {
		topic string
		want  string
	}{
		{"sensor/temp", "talkbus.7.sensor.temp"},
		{"plain", "talkbus.7.plain"},
		{"a.b", "talkbus.7.a_b"},
		{"wild*card>", "talkbus.7.wild_card_"},
		{"with space", "talkbus.7.with_space"},
		{"a//b", "talkbus.7.a._.b"},
		{"/leading", "talkbus.7._.leading"},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, b.Subject(7, tt.topic))
		})
	}

	custom := newBus(t, WithSubjectPrefix("lab"))
	assert.Equal(t, "lab.0.ping", custom.Subject(0, "ping"))
}

func TestStreamName(t *testing.T) {
	b := newBus(t)

	name := b.StreamName(3, "sensor/temp")
	assert.Regexp(t, `^TALKBUS_3_sensor_temp_[0-9a-f]{8}$`, name)

	// Names that sanitize alike still map to distinct streams
	assert.NotEqual(t, b.StreamName(3, "a/b"), b.StreamName(3, "a.b"))
	assert.NotEqual(t, b.StreamName(3, "a/b"), b.StreamName(4, "a/b"))
	assert.Equal(t, name, b.StreamName(3, "sensor/temp"))
}

func TestMessageFraming(t *testing.T) {
	offered := qos.Descriptor{Reliability: qos.Reliable, Durability: qos.TransientLocal, Deadline: time.Second}
	related := middleware.SampleID{Writer: middleware.NewGUID(), Sequence: 3}
	s := middleware.Sample{
		TypeID:  "Reading",
		Payload: []byte(`{"v":1}`),
		Info: middleware.SampleInfo{
			ID:              middleware.SampleID{Writer: middleware.NewGUID(), Sequence: 9},
			Related:         related,
			Failed:          true,
			Error:           "boom",
			SourceTimestamp: time.Now(),
		},
	}

	msg := encodeMsg("talkbus.0.x", s, offered)
	assert.Equal(t, "talkbus.0.x", msg.Subject)

	got, gotQoS, err := decodeMsg(msg.Header, msg.Data)
	require.NoError(t, err)
	assert.Equal(t, s.TypeID, got.TypeID)
	assert.Equal(t, s.Payload, got.Payload)
	assert.Equal(t, s.Info.ID, got.Info.ID)
	assert.Equal(t, related, got.Info.Related)
	assert.True(t, got.Info.Failed)
	assert.Equal(t, "boom", got.Info.Error)
	assert.True(t, s.Info.SourceTimestamp.Equal(got.Info.SourceTimestamp))
	assert.Equal(t, offered.Reliability, gotQoS.Reliability)
	assert.Equal(t, offered.Durability, gotQoS.Durability)
	assert.Equal(t, offered.Deadline, gotQoS.Deadline)
}

func TestMessageFraming_PlainSample(t *testing.T) {
	s := middleware.Sample{
		TypeID: "Reading",
		Info: middleware.SampleInfo{
			ID:              middleware.SampleID{Writer: middleware.NewGUID(), Sequence: 1},
			SourceTimestamp: time.Now(),
		},
	}
	msg := encodeMsg("talkbus.0.x", s, qos.Descriptor{})
	assert.Empty(t, msg.Header.Get(HeaderRelated))
	assert.Empty(t, msg.Header.Get(HeaderFailed))
	assert.Empty(t, msg.Header.Get(HeaderDeadline))

	got, _, err := decodeMsg(msg.Header, msg.Data)
	require.NoError(t, err)
	assert.True(t, got.Info.Related.IsZero())
	assert.False(t, got.Info.Failed)
}

func TestMessageFraming_Rejects(t *testing.T) {
	_, _, err := decodeMsg(nil, nil)
	assert.True(t, errors.IsInvalid(err))

	s := middleware.Sample{TypeID: "Reading", Info: middleware.SampleInfo{SourceTimestamp: time.Now()}}
	msg := encodeMsg("x", s, qos.Descriptor{})
	msg.Header.Set(HeaderSequence, "nope")
	_, _, err = decodeMsg(msg.Header, msg.Data)
	assert.True(t, errors.IsInvalid(err))
}

func TestCreateParticipant_Validation(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()

	_, err := b.CreateParticipant(ctx, middleware.MaxDomainID+1, qos.Descriptor{})
	assert.True(t, errors.IsInvalid(err))

	_, err = b.CreateParticipant(ctx, 0, qos.Descriptor{})
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.True(t, errors.IsTransient(err))
}

func TestClaimType(t *testing.T) {
	b := newBus(t)

	require.NoError(t, b.claimType(0, "t", "A"))
	require.NoError(t, b.claimType(0, "t", "A"))
	assert.ErrorIs(t, b.claimType(0, "t", "B"), errors.ErrTopicTypeMismatch)
	require.NoError(t, b.claimType(1, "t", "B"))

	b.releaseType(0, "t")
	b.releaseType(0, "t")
	assert.NoError(t, b.claimType(0, "t", "B"))
}
