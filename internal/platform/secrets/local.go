package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// localFile serves secrets from a KEY=VALUE file for development and for
// running without Secret Manager credentials. It is read once, lazily.
type localFile struct {
	path string

	once    sync.Once
	values  map[string]string
	loadErr error
}

func (l *localFile) lookup(ref reference, version string) (string, bool, error) {
	l.once.Do(l.load)
	if l.loadErr != nil {
		return "", false, l.loadErr
	}
	if v, ok := l.values[ref.key(version)]; ok {
		return v, true, nil
	}
	v, ok := l.values[ref.canonical]
	return v, ok, nil
}

func (l *localFile) load() {
	l.values = map[string]string{}
	if l.path == "" {
		return
	}
	file, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		l.loadErr = fmt.Errorf("secrets: open local file %s: %w", l.path, err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		ref, err := parseReference(name)
		if err != nil {
			continue
		}
		value = strings.TrimSpace(value)
		l.values[ref.canonical] = value
		version := ref.version
		if version == "" {
			version = latestVersion
		}
		l.values[ref.key(version)] = value
	}
	if err := scanner.Err(); err != nil {
		l.loadErr = fmt.Errorf("secrets: read local file %s: %w", l.path, err)
	}
}
