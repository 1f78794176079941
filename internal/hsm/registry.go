package hsm

import (
	"fmt"
	"sort"
	"strings"
)

// Constructor builds an uninitialized provider from its descriptor.
type Constructor func(cfg ProviderConfig) (Provider, error)

// Registration binds a canonical provider kind and its synonyms to a
// constructor.
type Registration struct {
	Type    string
	Aliases []string
	New     Constructor
}

// Registry maps provider type strings to constructors. It is immutable once
// built and safe for concurrent use.
type Registry struct {
	constructors map[string]Constructor
	canonical    map[string]string
}

// NewRegistry builds a registry from regs. It panics when a type string is
// empty or registered twice.
func NewRegistry(regs ...Registration) *Registry {
	r := &Registry{
		constructors: make(map[string]Constructor),
		canonical:    make(map[string]string),
	}
	for _, reg := range regs {
		if reg.New == nil {
			panic(fmt.Sprintf("hsm: registration %q has no constructor", reg.Type))
		}
		for _, name := range append([]string{reg.Type}, reg.Aliases...) {
			key := normalizeType(name)
			if key == "" {
				panic("hsm: empty provider type in registration")
			}
			if _, dup := r.constructors[key]; dup {
				panic(fmt.Sprintf("hsm: provider type %q registered twice", name))
			}
			r.constructors[key] = reg.New
			r.canonical[key] = reg.Type
		}
	}
	return r
}

// DefaultRegistry returns the built-in providers:
//
//	mock      (mock, mock-hsm)
//	local-key (local-key, local, software)
//	aws-kms   (aws-kms, aws, kms)
func DefaultRegistry() *Registry {
	return NewRegistry(
		Registration{
			Type:    TypeMock,
			Aliases: []string{"mock-hsm"},
			New: func(cfg ProviderConfig) (Provider, error) {
				return NewMockProvider(cfg), nil
			},
		},
		Registration{
			Type:    TypeLocalKey,
			Aliases: []string{"local", "software"},
			New: func(cfg ProviderConfig) (Provider, error) {
				return NewLocalKeyProvider(cfg), nil
			},
		},
		Registration{
			Type:    TypeAWSKMS,
			Aliases: []string{"aws", "kms"},
			New: func(cfg ProviderConfig) (Provider, error) {
				return NewAWSKMSProvider(cfg), nil
			},
		},
	)
}

// Lookup returns the constructor for providerType.
func (r *Registry) Lookup(providerType string) (Constructor, bool) {
	ctor, ok := r.constructors[normalizeType(providerType)]
	return ctor, ok
}

// Canonical returns the canonical kind for providerType.
func (r *Registry) Canonical(providerType string) (string, bool) {
	kind, ok := r.canonical[normalizeType(providerType)]
	return kind, ok
}

// Types returns every accepted type string, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
