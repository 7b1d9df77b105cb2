package natsbus

import (
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/qos"
)

// Message headers carrying sample metadata
const (
	HeaderType        = "Talkbus-Type"
	HeaderWriter      = "Talkbus-Writer"
	HeaderSequence    = "Talkbus-Seq"
	HeaderRelated     = "Talkbus-Related"
	HeaderFailed      = "Talkbus-Failed"
	HeaderError       = "Talkbus-Error"
	HeaderTimestamp   = "Talkbus-Timestamp"
	HeaderReliability = "Talkbus-Reliability"
	HeaderDurability  = "Talkbus-Durability"
	HeaderDeadline    = "Talkbus-Deadline"
)

// encodeMsg frames a sample written with the offered QoS
func encodeMsg(subject string, s middleware.Sample, offered qos.Descriptor) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = s.Payload

	h := msg.Header
	h.Set(HeaderType, s.TypeID)
	h.Set(HeaderWriter, s.Info.ID.Writer.String())
	h.Set(HeaderSequence, strconv.FormatUint(s.Info.ID.Sequence, 10))
	h.Set(HeaderTimestamp, s.Info.SourceTimestamp.UTC().Format(time.RFC3339Nano))
	h.Set(HeaderReliability, strconv.Itoa(int(offered.Reliability)))
	h.Set(HeaderDurability, strconv.Itoa(int(offered.Durability)))
	if offered.Deadline > 0 {
		h.Set(HeaderDeadline, strconv.FormatInt(int64(offered.Deadline), 10))
	}
	if !s.Info.Related.IsZero() {
		h.Set(HeaderRelated, s.Info.Related.String())
	}
	if s.Info.Failed {
		h.Set(HeaderFailed, "true")
		h.Set(HeaderError, s.Info.Error)
	}
	return msg
}

// decodeMsg rebuilds a sample and the QoS its writer offered
func decodeMsg(h nats.Header, data []byte) (middleware.Sample, qos.Descriptor, error) {
	var (
		s       middleware.Sample
		offered qos.Descriptor
	)
	if h == nil {
		return s, offered, errors.WrapInvalid(fmt.Errorf("message has no headers"),
			"natsbus", "decodeMsg", "read headers")
	}

	writer, err := middleware.ParseGUID(h.Get(HeaderWriter))
	if err != nil {
		return s, offered, errors.WrapInvalid(err, "natsbus", "decodeMsg", "parse writer")
	}
	seq, err := strconv.ParseUint(h.Get(HeaderSequence), 10, 64)
	if err != nil {
		return s, offered, errors.WrapInvalid(err, "natsbus", "decodeMsg", "parse sequence")
	}
	ts, err := time.Parse(time.RFC3339Nano, h.Get(HeaderTimestamp))
	if err != nil {
		return s, offered, errors.WrapInvalid(err, "natsbus", "decodeMsg", "parse timestamp")
	}

	s.TypeID = h.Get(HeaderType)
	s.Payload = data
	s.Info.ID = middleware.SampleID{Writer: writer, Sequence: seq}
	s.Info.SourceTimestamp = ts
	if related := h.Get(HeaderRelated); related != "" {
		if s.Info.Related, err = middleware.ParseSampleID(related); err != nil {
			return s, offered, errors.WrapInvalid(err, "natsbus", "decodeMsg", "parse related id")
		}
	}
	if h.Get(HeaderFailed) == "true" {
		s.Info.Failed = true
		s.Info.Error = h.Get(HeaderError)
	}

	rel, _ := strconv.Atoi(h.Get(HeaderReliability))
	dur, _ := strconv.Atoi(h.Get(HeaderDurability))
	offered.Reliability = qos.Reliability(rel)
	offered.Durability = qos.Durability(dur)
	if d := h.Get(HeaderDeadline); d != "" {
		n, _ := strconv.ParseInt(d, 10, 64)
		offered.Deadline = time.Duration(n)
	}
	return s, offered, nil
}
