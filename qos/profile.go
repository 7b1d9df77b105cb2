package qos

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/talkbus/errors"
)

// Built-in profile names
const (
	ProfileReliable = "reliable"
	ProfileBulk     = "bulk"
	ProfileStateful = "stateful"
	ProfileRPC      = "rpc"
)

// Profile is a named, partial set of policy values. Nil fields inherit from
// Base when set, otherwise from the built-in default of the entity kind.
type Profile struct {
	Base        string         `yaml:"base,omitempty"`
	Reliability *Reliability   `yaml:"reliability,omitempty"`
	Durability  *Durability    `yaml:"durability,omitempty"`
	History     *HistoryKind   `yaml:"history,omitempty"`
	Depth       *int           `yaml:"depth,omitempty"`
	Deadline    *time.Duration `yaml:"deadline,omitempty"`
}

func (p Profile) apply(d Descriptor) Descriptor {
	if p.Reliability != nil {
		d.Reliability = *p.Reliability
	}
	if p.Durability != nil {
		d.Durability = *p.Durability
	}
	if p.History != nil {
		d.History = *p.History
	}
	if p.Depth != nil {
		d.Depth = *p.Depth
	}
	if p.Deadline != nil {
		d.Deadline = *p.Deadline
	}
	return d
}

func ptr[T any](v T) *T { return &v }

// BuiltinProfiles returns the profiles every resolver knows
func BuiltinProfiles() map[string]Profile {
	return map[string]Profile{
		ProfileReliable: {
			Reliability: ptr(Reliable),
			Durability:  ptr(TransientLocal),
			History:     ptr(KeepLast),
			Depth:       ptr(10),
		},
		ProfileBulk: {
			Reliability: ptr(BestEffort),
			Durability:  ptr(Volatile),
			History:     ptr(KeepLast),
			Depth:       ptr(1),
		},
		ProfileStateful: {
			Reliability: ptr(Reliable),
			Durability:  ptr(TransientLocal),
			History:     ptr(KeepAll),
		},
		ProfileRPC: {
			Reliability: ptr(Reliable),
			Durability:  ptr(Volatile),
			History:     ptr(KeepLast),
			Depth:       ptr(100),
		},
	}
}

// EntityKind identifies what a descriptor is resolved for
type EntityKind int

const (
	KindParticipant EntityKind = iota
	KindTopic
	KindPublisher
	KindSubscriber
	KindRequester
	KindReplier
)

var kindNames = map[EntityKind]string{
	KindParticipant: "participant",
	KindTopic:       "topic",
	KindPublisher:   "publisher",
	KindSubscriber:  "subscriber",
	KindRequester:   "requester",
	KindReplier:     "replier",
}

func (k EntityKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseEntityKind maps a kind name to its value
func ParseEntityKind(s string) (EntityKind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// BuiltinKindDefaults returns the profile each entity kind uses when nothing else is requested
func BuiltinKindDefaults() map[EntityKind]string {
	return map[EntityKind]string{
		KindParticipant: ProfileReliable,
		KindTopic:       ProfileReliable,
		KindPublisher:   ProfileReliable,
		KindSubscriber:  ProfileReliable,
		KindRequester:   ProfileRPC,
		KindReplier:     ProfileRPC,
	}
}

// ProfileSet is the content of a profile file
type ProfileSet struct {
	Profiles map[string]Profile `yaml:"profiles"`
	// Defaults overrides the profile used per entity kind, keyed by kind name
	Defaults map[string]string `yaml:"defaults,omitempty"`
}

// ParseProfiles decodes a YAML profile set
func ParseProfiles(data []byte) (ProfileSet, error) {
	var set ProfileSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return ProfileSet{}, errors.WrapInvalid(errors.Join(errors.ErrParsingFailed, err),
			"qos", "ParseProfiles", "decode yaml")
	}
	if err := set.Validate(); err != nil {
		return ProfileSet{}, err
	}
	return set, nil
}

// Validate checks depths, kind names and base references
func (s ProfileSet) Validate() error {
	known := BuiltinProfiles()
	for name, p := range s.Profiles {
		known[name] = p
	}

	for name, p := range s.Profiles {
		if name == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "qos", "Validate", "empty profile name")
		}
		if p.Depth != nil && *p.Depth < 1 {
			return errors.WrapInvalid(fmt.Errorf("%w: profile %q depth %d", errors.ErrInvalidConfig, name, *p.Depth),
				"qos", "Validate", "check depth")
		}
		if p.Deadline != nil && *p.Deadline < 0 {
			return errors.WrapInvalid(fmt.Errorf("%w: profile %q negative deadline", errors.ErrInvalidConfig, name),
				"qos", "Validate", "check deadline")
		}
		if _, err := chain(known, name); err != nil {
			return err
		}
	}

	for kind, profile := range s.Defaults {
		if _, ok := ParseEntityKind(kind); !ok {
			return errors.WrapInvalid(fmt.Errorf("%w: unknown entity kind %q", errors.ErrInvalidConfig, kind),
				"qos", "Validate", "check defaults")
		}
		if _, ok := known[profile]; !ok {
			return errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrQosProfileNotFound, profile),
				"qos", "Validate", "check defaults")
		}
	}
	return nil
}

// chain returns the profile followed by its bases, nearest first
func chain(profiles map[string]Profile, name string) ([]Profile, error) {
	var out []Profile
	seen := make(map[string]bool)
	for name != "" {
		if seen[name] {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: base cycle at %q", errors.ErrInvalidConfig, name),
				"qos", "chain", "follow profile bases")
		}
		seen[name] = true

		p, ok := profiles[name]
		if !ok {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrQosProfileNotFound, name),
				"qos", "chain", "look up profile")
		}
		out = append(out, p)
		name = p.Base
	}
	return out, nil
}
