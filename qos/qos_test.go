package qos

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/talkbus/errors"
)

func TestResolve_BuiltinKindDefaults(t *testing.T) {
	r, err := NewResolver()
	require.NoError(t, err)

	tests := []struct {
		kind EntityKind
		want Descriptor
	}{
		{KindParticipant, Descriptor{Profile: "reliable", Reliability: Reliable, Durability: TransientLocal, History: KeepLast, Depth: 10}},
		{KindPublisher, Descriptor{Profile: "reliable", Reliability: Reliable, Durability: TransientLocal, History: KeepLast, Depth: 10}},
		{KindRequester, Descriptor{Profile: "rpc", Reliability: Reliable, Durability: Volatile, History: KeepLast, Depth: 100}},
		{KindReplier, Descriptor{Profile: "rpc", Reliability: Reliable, Durability: Volatile, History: KeepLast, Depth: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			got, err := r.Resolve(tt.kind, "", "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_Precedence(t *testing.T) {
	r, err := NewResolver()
	require.NoError(t, err)

	got, err := r.Resolve(KindSubscriber, "", "bulk")
	require.NoError(t, err)
	assert.Equal(t, "bulk", got.Profile, "participant default beats kind default")
	assert.Equal(t, BestEffort, got.Reliability)

	got, err = r.Resolve(KindSubscriber, "stateful", "bulk")
	require.NoError(t, err)
	assert.Equal(t, "stateful", got.Profile, "explicit profile beats participant default")
	assert.Equal(t, KeepAll, got.History)
	assert.Equal(t, KeepAllLimit, got.HistoryLimit())
}

func TestResolve_UnknownProfile(t *testing.T) {
	r, err := NewResolver()
	require.NoError(t, err)

	_, err = r.Resolve(KindPublisher, "does-not-exist", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrQosProfileNotFound)
	assert.True(t, errors.IsInvalid(err))

	_, err = r.Resolve(KindPublisher, "", "also-missing")
	assert.ErrorIs(t, err, errors.ErrQosProfileNotFound)
}

func TestResolve_DeterministicAndConcurrent(t *testing.T) {
	r, err := NewResolver(WithCacheSize(2))
	require.NoError(t, err)

	want, err := r.Resolve(KindRequester, "", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Interleave other keys to force evictions
			_, _ = r.Resolve(KindSubscriber, "bulk", "")
			got, err := r.Resolve(KindRequester, "", "")
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}(i)
	}
	wg.Wait()
}

const profileYAML = `
profiles:
  telemetry:
    base: bulk
    depth: 5
    deadline: 500ms
  audit:
    reliability: reliable
    durability: transient_local
    history: keep_all
defaults:
  subscriber: telemetry
`

func TestParseProfiles(t *testing.T) {
	set, err := ParseProfiles([]byte(profileYAML))
	require.NoError(t, err)
	require.Len(t, set.Profiles, 2)

	r, err := NewResolver(WithProfiles(set))
	require.NoError(t, err)

	telemetry, err := r.Resolve(KindPublisher, "telemetry", "")
	require.NoError(t, err)
	want := Descriptor{
		Profile:     "telemetry",
		Reliability: BestEffort,
		Durability:  Volatile,
		History:     KeepLast,
		Depth:       5,
		Deadline:    500 * time.Millisecond,
	}
	if diff := cmp.Diff(want, telemetry); diff != "" {
		t.Errorf("telemetry descriptor mismatch (-want +got):\n%s", diff)
	}

	sub, err := r.Resolve(KindSubscriber, "", "")
	require.NoError(t, err)
	assert.Equal(t, "telemetry", sub.Profile, "kind default overridden by file")

	// Unset fields inherit from the kind default
	audit, err := r.Resolve(KindRequester, "audit", "")
	require.NoError(t, err)
	assert.Equal(t, 100, audit.Depth)
	assert.Equal(t, TransientLocal, audit.Durability)
}

func TestParseProfiles_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		is   error
	}{
		{"bad reliability", "profiles:\n  x:\n    reliability: mostly\n", errors.ErrParsingFailed},
		{"zero depth", "profiles:\n  x:\n    depth: 0\n", errors.ErrInvalidConfig},
		{"unknown base", "profiles:\n  x:\n    base: nope\n", errors.ErrQosProfileNotFound},
		{"base cycle", "profiles:\n  a:\n    base: b\n  b:\n    base: a\n", errors.ErrInvalidConfig},
		{"unknown kind", "defaults:\n  gateway: reliable\n", errors.ErrInvalidConfig},
		{"default to missing", "defaults:\n  publisher: nope\n", errors.ErrQosProfileNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProfiles([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.is)
		})
	}
}

func TestCompatible(t *testing.T) {
	reliableTL := Descriptor{Reliability: Reliable, Durability: TransientLocal}
	bestEffort := Descriptor{Reliability: BestEffort, Durability: Volatile}

	assert.True(t, Compatible(reliableTL, bestEffort))
	assert.False(t, Compatible(bestEffort, reliableTL))
	assert.False(t, Compatible(Descriptor{Reliability: Reliable}, reliableTL), "volatile writer cannot serve transient-local reader")

	assert.True(t, Compatible(Descriptor{Deadline: time.Second}, Descriptor{Deadline: 2 * time.Second}))
	assert.False(t, Compatible(Descriptor{Deadline: 3 * time.Second}, Descriptor{Deadline: 2 * time.Second}))
	assert.False(t, Compatible(Descriptor{}, Descriptor{Deadline: time.Second}))
}

func TestDescriptorString(t *testing.T) {
	d := Descriptor{Profile: "telemetry", Reliability: BestEffort, History: KeepLast, Depth: 5, Deadline: time.Second}
	assert.Equal(t, "telemetry(best_effort,volatile,keep_last:5,deadline=1s)", d.String())
}
