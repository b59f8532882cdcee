// Package settings provides a file-backed implementation of the
// connector plugin settings.
package settings

import (
	"fmt"

	"github.com/spf13/viper"
)

// Store reads plugin settings from a viper instance. Keys are looked up
// under the plugin namespace ("<namespace>.<key>"), so one file can
// hold settings for several plugins side by side.
//
// The store never consults the environment: the resolver owns
// environment precedence.
type Store struct {
	v         *viper.Viper
	namespace string
}

// Load reads the configuration file at path and scopes lookups to
// namespace. The file format is whatever viper infers from the
// extension.
func Load(path, namespace string) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	return FromViper(v, namespace), nil
}

// FromViper scopes lookups on an existing viper instance to namespace.
// An empty namespace leaves keys unscoped.
func FromViper(v *viper.Viper, namespace string) *Store {
	return &Store{v: v, namespace: namespace}
}

// Lookup returns the value for key and whether the key is present.
func (s *Store) Lookup(key string) (string, bool) {
	if s.namespace != "" {
		key = s.namespace + "." + key
	}
	if !s.v.IsSet(key) {
		return "", false
	}
	return s.v.GetString(key), true
}
