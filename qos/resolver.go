package qos

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/c360/talkbus/errors"
)

// DefaultCacheSize bounds the number of memoized resolutions
const DefaultCacheSize = 256

type resolveKey struct {
	kind               EntityKind
	profile            string
	participantDefault string
}

// Resolver maps (kind, profile, participant default) to a Descriptor.
// Resolution is pure; results are memoized in a concurrency-safe LRU.
type Resolver struct {
	profiles     map[string]Profile
	kindDefaults map[EntityKind]string
	cache        *lru.Cache[resolveKey, Descriptor]
}

// ResolverOption configures a Resolver
type ResolverOption func(*resolverConfig)

type resolverConfig struct {
	set       ProfileSet
	cacheSize int
}

// WithProfiles adds or overrides profiles and kind defaults
func WithProfiles(set ProfileSet) ResolverOption {
	return func(c *resolverConfig) {
		c.set = set
	}
}

// WithCacheSize sets the memoization size
func WithCacheSize(n int) ResolverOption {
	return func(c *resolverConfig) {
		if n > 0 {
			c.cacheSize = n
		}
	}
}

// NewResolver builds a resolver over the built-in profiles plus any supplied set
func NewResolver(opts ...ResolverOption) (*Resolver, error) {
	cfg := resolverConfig{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.set.Validate(); err != nil {
		return nil, err
	}

	profiles := BuiltinProfiles()
	for name, p := range cfg.set.Profiles {
		profiles[name] = p
	}

	kindDefaults := BuiltinKindDefaults()
	for kindName, profile := range cfg.set.Defaults {
		kind, _ := ParseEntityKind(kindName)
		kindDefaults[kind] = profile
	}

	cache, err := lru.New[resolveKey, Descriptor](cfg.cacheSize)
	if err != nil {
		return nil, errors.WrapFatal(err, "Resolver", "NewResolver", "create cache")
	}

	return &Resolver{
		profiles:     profiles,
		kindDefaults: kindDefaults,
		cache:        cache,
	}, nil
}

// Has reports whether a profile name is known
func (r *Resolver) Has(name string) bool {
	_, ok := r.profiles[name]
	return ok
}

// Profiles returns the known profile names
func (r *Resolver) Profiles() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	return names
}

// Resolve picks the explicit profile if non-empty, else the participant
// default, else the kind default, and layers it over the kind default.
// An unknown name fails with ErrQosProfileNotFound.
func (r *Resolver) Resolve(kind EntityKind, profile, participantDefault string) (Descriptor, error) {
	key := resolveKey{kind: kind, profile: profile, participantDefault: participantDefault}
	if d, ok := r.cache.Get(key); ok {
		return d, nil
	}

	d, err := r.resolve(kind, profile, participantDefault)
	if err != nil {
		return Descriptor{}, err
	}
	r.cache.Add(key, d)
	return d, nil
}

func (r *Resolver) resolve(kind EntityKind, profile, participantDefault string) (Descriptor, error) {
	kindDefault, ok := r.kindDefaults[kind]
	if !ok {
		return Descriptor{}, errors.WrapInvalid(fmt.Errorf("%w: entity kind %d", errors.ErrInvalidConfig, kind),
			"Resolver", "Resolve", "look up kind default")
	}

	name := profile
	if name == "" {
		name = participantDefault
	}
	if name == "" {
		name = kindDefault
	}

	base, err := r.layer(Descriptor{}, kindDefault)
	if err != nil {
		return Descriptor{}, err
	}
	d, err := r.layer(base, name)
	if err != nil {
		return Descriptor{}, errors.WrapInvalid(err, "Resolver", "Resolve", fmt.Sprintf("resolve %s profile", kind))
	}
	d.Profile = name
	return d, nil
}

// layer applies name and its bases, farthest base first, over d
func (r *Resolver) layer(d Descriptor, name string) (Descriptor, error) {
	profiles, err := chain(r.profiles, name)
	if err != nil {
		return Descriptor{}, err
	}
	for i := len(profiles) - 1; i >= 0; i-- {
		d = profiles[i].apply(d)
	}
	return d, nil
}
