package secrets

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const latestVersion = "latest"

// reference is a parsed secret://name?version=N&project=P value. sm:// is
// accepted as an alias.
type reference struct {
	canonical string
	secret    string
	version   string
	project   string
}

func parseReference(raw string) (reference, error) {
	raw = normaliseScheme(raw)
	if raw == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}
	query := u.Query()
	u.RawQuery, u.Fragment = "", ""
	return reference{
		canonical: u.String(),
		secret:    name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func normaliseScheme(raw string) string {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		return "secret://" + rest
	}
	return raw
}

// key identifies a resolved value in the cache and the local file.
func (r reference) key(version string) string {
	return r.canonical + "#" + version
}

// masked is a stable short hash safe to attach to metrics.
func (r reference) masked() string {
	sum := sha256.Sum256([]byte(r.canonical))
	return hex.EncodeToString(sum[:8])
}
