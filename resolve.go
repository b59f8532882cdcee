package msgbus

import "os"

// Settings exposes the plugin configuration mapping a connector was
// handed. Implementations decide where the values come from; the
// settings package ships a file-backed one.
type Settings interface {
	// Lookup returns the value for key and whether the key is present.
	Lookup(key string) (string, bool)
}

// MapSettings is a literal Settings implementation.
type MapSettings map[string]string

func (m MapSettings) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Resolver resolves named settings for a connector. Resolution order is
// environment variable, then plugin option, then default. An
// environment variable that is set but empty still wins: emptying a
// variable is how deployments express "no value" explicitly.
type Resolver struct {
	settings  Settings
	lookupEnv func(key string) (string, bool)
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithEnvLookup replaces the environment lookup, mainly for tests.
func WithEnvLookup(fn func(key string) (string, bool)) ResolverOption {
	return func(r *Resolver) {
		r.lookupEnv = fn
	}
}

// NewResolver returns a Resolver backed by s. A nil s behaves like an
// empty mapping, leaving only the environment and defaults.
func NewResolver(s Settings, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		settings:  s,
		lookupEnv: os.LookupEnv,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve looks up envVar in the environment, then option in the
// settings, then falls back to fallback. An empty fallback means the
// setting is required; failing every step returns a
// *MissingConfigurationError naming both envVar and option.
func (r *Resolver) Resolve(envVar, option, fallback string) (string, error) {
	if v, ok := r.lookupEnv(envVar); ok {
		return v, nil
	}
	return r.resolve(envVar, option, fallback)
}

// ResolveOption is Resolve without the environment step, for settings
// that have no environment override.
func (r *Resolver) ResolveOption(option, fallback string) (string, error) {
	return r.resolve("", option, fallback)
}

func (r *Resolver) resolve(envVar, option, fallback string) (string, error) {
	if r.settings != nil {
		if v, ok := r.settings.Lookup(option); ok {
			return v, nil
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", &MissingConfigurationError{EnvVar: envVar, Option: option}
}
