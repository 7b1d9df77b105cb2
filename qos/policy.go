// Package qos defines QoS policies, named profiles and the resolver that turns
// a profile request into a fully specified Descriptor.
package qos

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Reliability controls whether lost samples are repaired
type Reliability int

const (
	BestEffort Reliability = iota
	Reliable
)

func (r Reliability) String() string {
	if r == Reliable {
		return "reliable"
	}
	return "best_effort"
}

// UnmarshalYAML accepts "reliable" or "best_effort"
func (r *Reliability) UnmarshalYAML(node *yaml.Node) error {
	switch strings.ToLower(node.Value) {
	case "reliable":
		*r = Reliable
	case "best_effort", "best-effort", "besteffort":
		*r = BestEffort
	default:
		return fmt.Errorf("line %d: unknown reliability %q", node.Line, node.Value)
	}
	return nil
}

// Durability controls whether late-joining readers receive earlier samples
type Durability int

const (
	Volatile Durability = iota
	TransientLocal
)

func (d Durability) String() string {
	if d == TransientLocal {
		return "transient_local"
	}
	return "volatile"
}

// UnmarshalYAML accepts "volatile" or "transient_local"
func (d *Durability) UnmarshalYAML(node *yaml.Node) error {
	switch strings.ToLower(node.Value) {
	case "volatile":
		*d = Volatile
	case "transient_local", "transient-local", "transientlocal":
		*d = TransientLocal
	default:
		return fmt.Errorf("line %d: unknown durability %q", node.Line, node.Value)
	}
	return nil
}

// HistoryKind selects bounded or unbounded sample history
type HistoryKind int

const (
	KeepLast HistoryKind = iota
	KeepAll
)

func (h HistoryKind) String() string {
	if h == KeepAll {
		return "keep_all"
	}
	return "keep_last"
}

// UnmarshalYAML accepts "keep_last" or "keep_all"
func (h *HistoryKind) UnmarshalYAML(node *yaml.Node) error {
	switch strings.ToLower(node.Value) {
	case "keep_last", "keep-last", "keeplast":
		*h = KeepLast
	case "keep_all", "keep-all", "keepall":
		*h = KeepAll
	default:
		return fmt.Errorf("line %d: unknown history kind %q", node.Line, node.Value)
	}
	return nil
}

// KeepAllLimit bounds keep-all histories in memory-backed middleware
const KeepAllLimit = 10000

// Descriptor is a fully resolved QoS. It is a comparable value and never mutated.
type Descriptor struct {
	Profile     string
	Reliability Reliability
	Durability  Durability
	History     HistoryKind
	Depth       int
	Deadline    time.Duration // zero disables deadline monitoring
}

// HistoryLimit is the number of samples a reader or writer retains
func (d Descriptor) HistoryLimit() int {
	if d.History == KeepAll {
		return KeepAllLimit
	}
	if d.Depth < 1 {
		return 1
	}
	return d.Depth
}

func (d Descriptor) String() string {
	s := fmt.Sprintf("%s(%s,%s,%s", d.Profile, d.Reliability, d.Durability, d.History)
	if d.History == KeepLast {
		s += fmt.Sprintf(":%d", d.Depth)
	}
	if d.Deadline > 0 {
		s += ",deadline=" + d.Deadline.String()
	}
	return s + ")"
}

// Compatible reports whether a writer offering w can serve a reader requesting r:
// the writer must be at least as reliable and at least as durable, and promise
// a deadline no longer than the reader's.
func Compatible(w, r Descriptor) bool {
	if r.Reliability == Reliable && w.Reliability != Reliable {
		return false
	}
	if r.Durability == TransientLocal && w.Durability != TransientLocal {
		return false
	}
	if r.Deadline > 0 && (w.Deadline == 0 || w.Deadline > r.Deadline) {
		return false
	}
	return true
}
