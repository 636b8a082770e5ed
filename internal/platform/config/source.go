package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envPrefix     = "CHECKOUT_"
	configFileKey = "CHECKOUT_CONFIG_FILE"
)

// source layers raw settings. Later layers win: YAML file, .env, process
// environment, explicit overrides.
type source struct {
	layers  []map[string]string
	invalid map[string]struct{}
}

func newSource(o loaderOptions) (*source, error) {
	dotenv, err := readDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	var system map[string]string
	if o.useSystemEnv {
		system = processEnv()
	}

	path := o.configFile
	for _, layer := range []map[string]string{o.envMap, system, dotenv} {
		if path != "" {
			break
		}
		path = strings.TrimSpace(layer[configFileKey])
	}
	file, err := readYAML(path)
	if err != nil {
		return nil, err
	}
	return &source{
		layers:  []map[string]string{file, dotenv, system, o.envMap},
		invalid: map[string]struct{}{},
	}, nil
}

func (s *source) lookup(key string) (string, bool) {
	for i := len(s.layers) - 1; i >= 0; i-- {
		if v, ok := s.layers[i][key]; ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// merged flattens every layer with the same precedence as lookup.
func (s *source) merged() map[string]string {
	out := map[string]string{}
	for _, layer := range s.layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

func (s *source) str(key, fallback string) string {
	if v, ok := s.lookup(key); ok {
		return v
	}
	return fallback
}

func (s *source) duration(key string, fallback time.Duration) time.Duration {
	v, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		s.invalid[key] = struct{}{}
		return fallback
	}
	return d
}

func (s *source) integer(key string, fallback int) int {
	v, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.invalid[key] = struct{}{}
		return fallback
	}
	return n
}

// pairs reads "a=b, c=d"; names are lower-cased and malformed entries skipped.
func (s *source) pairs(key string) map[string]string {
	out := map[string]string{}
	raw, _ := s.lookup(key)
	for _, entry := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(entry, "=")
		name, value = strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}

func (s *source) invalidKeys() []string {
	keys := make([]string, 0, len(s.invalid))
	for k := range s.invalid {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func processEnv() map[string]string {
	out := map[string]string{}
	for _, entry := range os.Environ() {
		if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
			out[strings.TrimSpace(key)] = value
		}
	}
	return out
}

// readDotEnv accepts KEY=VALUE lines with optional export and quotes. A
// missing file is not an error.
func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	out := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		out[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return out, nil
}

// readYAML flattens a nested YAML document into environment keys:
//
//	server:
//	  read_timeout: 20s   ->  CHECKOUT_SERVER_READ_TIMEOUT=20s
//
// Keys that already carry the CHECKOUT_ prefix are kept as written.
func readYAML(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	out := map[string]string{}
	flattenYAML(out, "", doc)
	return out, nil
}

func flattenYAML(out map[string]string, prefix string, node map[string]any) {
	for k, v := range node {
		key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(strings.TrimSpace(k)))
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch val := v.(type) {
		case map[string]any:
			flattenYAML(out, key, val)
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			out[envKey(key)] = strings.Join(parts, ",")
		case nil:
		default:
			out[envKey(key)] = fmt.Sprint(val)
		}
	}
}

func envKey(key string) string {
	if strings.HasPrefix(key, envPrefix) {
		return key
	}
	return envPrefix + key
}
