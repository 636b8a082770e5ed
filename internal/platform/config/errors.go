package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"strings"
)

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// ValidationError lists config fields, or environment keys with unparsable
// values, that stop the service from starting.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config validation failed: missing or invalid fields [" + strings.Join(e.fields, ", ") + "]"
}

func (e *ValidationError) Fields() []string { return slices.Clone(e.fields) }

// SecretError wraps a failed secret reference lookup.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return "secret resolution failed for ref \"" + e.Ref + "\": " + e.Err.Error()
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError names required secrets that resolved to nothing. Its
// message only carries redacted names so it is safe to log.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return "missing required secrets [" + strings.Join(e.RedactedNames(), ", ") + "]"
}

// Names returns the field names, sorted.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	return slices.Clone(e.names)
}

// RedactedNames returns short hashes of Names, sorted.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	out := make([]string, len(e.names))
	for i, name := range e.names {
		out[i] = redactSecretName(name)
	}
	slices.Sort(out)
	return out
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}
