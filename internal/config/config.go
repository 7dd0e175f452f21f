// Package config implements the backend's runtime configuration: a small
// immutable value swapped atomically on reconfiguration, following the
// "shared state" requirement that readers always see a fully-formed
// configuration, never a partially updated one.
package config

import (
	"errors"
	"fmt"

	"github.com/foxygoat/flapjakd/internal/dn"
)

// Errors returned by [New] and [Config.CanReplace].
var (
	ErrMissingBaseDN     = errors.New("base-dn is required")
	ErrMultiValuedBaseDN = errors.New("base-dn must be a single value")
	ErrInvalidBaseDN     = errors.New("base-dn is not a valid distinguished name")
	ErrLdifFileImmutable = errors.New("ldif-file cannot be changed by live reconfiguration")
	ErrMissingLdifFile   = errors.New("ldif-file is required")
)

// Config holds the options recognised by the backend (spec's "EXTERNAL
// INTERFACES / Configuration"): the backend's base DN, the dump file it is
// backed by, whether it is registered as a private backend, and lock
// fairness for the facade's RWMutex.
type Config struct {
	// BaseDN is the single suffix DN this backend serves.
	BaseDN dn.DN
	// LdifFile is the path to the dump file backing the tree. Changing
	// this value requires restarting the backend; live reconfiguration
	// that attempts to change it is refused.
	LdifFile string
	// IsPrivateBackend is passed through to the server on base-DN
	// registration; it affects external visibility only, not store
	// behavior.
	IsPrivateBackend bool
	// LockFairness records whether first-come-first-served lock
	// acquisition was requested. It is carried in the configuration
	// only: the facade's sync.RWMutex does not read it, and lock
	// acquisition order is the same whether it is true or false.
	LockFairness bool
}

// New validates baseDN and ldifFile and returns a Config. baseDN is a slice
// because the config-acceptable check must reject a multi-valued base-dn
// rather than silently taking the first value; exactly one is required.
func New(baseDN []string, ldifFile string, isPrivateBackend, lockFairness bool) (*Config, error) {
	switch len(baseDN) {
	case 0:
		return nil, ErrMissingBaseDN
	case 1:
	default:
		return nil, ErrMultiValuedBaseDN
	}
	if ldifFile == "" {
		return nil, ErrMissingLdifFile
	}
	d, err := dn.New(baseDN[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBaseDN, err)
	}
	if d.IsEmpty() {
		return nil, ErrInvalidBaseDN
	}
	return &Config{
		BaseDN:           d,
		LdifFile:         ldifFile,
		IsPrivateBackend: isPrivateBackend,
		LockFairness:     lockFairness,
	}, nil
}

// CanReplace reports whether next is an acceptable live reconfiguration of
// c: the base DN and backing dump file must not change, since neither can
// be reconfigured without a restart. IsPrivateBackend and LockFairness may
// change freely.
func (c *Config) CanReplace(next *Config) error {
	if !c.BaseDN.Equal(next.BaseDN) {
		return fmt.Errorf("%w: base-dn", ErrLdifFileImmutable)
	}
	if c.LdifFile != next.LdifFile {
		return ErrLdifFileImmutable
	}
	return nil
}
