package hsm

import (
	"errors"
	"fmt"
)

var (
	// ErrNilConfig is returned by the factory when no descriptor is supplied.
	ErrNilConfig = errors.New("hsm: provider config is required")

	// ErrNotImplemented marks a provider that is missing a required override.
	ErrNotImplemented = errors.New("hsm: not implemented")

	// ErrProviderDestroyed is returned by Sign after Destroy.
	ErrProviderDestroyed = errors.New("hsm: provider has been destroyed")

	// ErrFactoryClosed is returned for an initialization that was overtaken by
	// Factory.Close.
	ErrFactoryClosed = errors.New("hsm: factory closed during provider initialization")
)

// ConfigError reports a missing or malformed configuration field.
type ConfigError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ConfigError) Error() string {
	prefix := "hsm"
	if e.Provider != "" {
		prefix = "hsm: " + e.Provider
	}
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s is required", prefix, e.Field)
	}
	return fmt.Sprintf("%s: invalid %s: %s", prefix, e.Field, e.Reason)
}

func missingField(provider, field string) error {
	return &ConfigError{Provider: provider, Field: field}
}

func invalidField(provider, field, format string, args ...any) error {
	return &ConfigError{Provider: provider, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// UnsupportedTypeError is returned when a provider type matches no registration.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("hsm: unsupported provider type %q", e.Type)
}

// DependencyError reports that a client library required by a provider is not
// linked into the binary. It is a packaging problem, not a credential problem.
type DependencyError struct {
	Provider   string
	Dependency string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("hsm: %s provider requires %s, which is not available in this build", e.Provider, e.Dependency)
}

// IsConfigError reports whether err is caused by bad provider configuration.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr) || errors.Is(err, ErrNilConfig)
}
