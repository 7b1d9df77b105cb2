package testutil

import (
	"fmt"
	"time"
)

// Reading is a sensor sample used across pub/sub tests
type Reading struct {
	Sensor  string  `json:"sensor"`
	Celsius float64 `json:"celsius"`
	Seq     int     `json:"seq"`
}

// Ping is a request payload for request/reply tests
type Ping struct {
	Seq  int       `json:"seq"`
	Sent time.Time `json:"sent"`
}

// Pong answers a Ping
type Pong struct {
	Seq  int    `json:"seq"`
	From string `json:"from"`
}

// Readings returns n readings from sensor with sequence numbers 1..n
func Readings(sensor string, n int) []Reading {
	out := make([]Reading, n)
	for i := range out {
		out[i] = Reading{Sensor: sensor, Celsius: 20 + float64(i)/10, Seq: i + 1}
	}
	return out
}

// TopicName returns a topic name unique to the calling test
func TopicName(prefix string) string {
	return fmt.Sprintf("%s/%d", prefix, time.Now().UnixNano())
}
