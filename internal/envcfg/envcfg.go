// Package envcfg holds the nested simulator configuration that tuned
// parameters are written into. Values are addressed by dotted paths such
// as "gains.kp_scale".
package envcfg

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrPath is returned when a dotted path cannot be resolved.
var ErrPath = errors.New("invalid config path")

// Path is a parsed dotted path: an ordered sequence of field names.
type Path []string

// ParsePath splits a dotted path into its fields.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty path", ErrPath)
	}
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrPath, s)
		}
	}
	return Path(parts), nil
}

// String joins the path back into dotted form.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Config is a tree of string-keyed maps decoded from YAML.
type Config struct {
	root map[string]any
}

// New wraps an existing tree. The tree is owned by the returned Config.
func New(root map[string]any) *Config {
	if root == nil {
		root = make(map[string]any)
	}
	return &Config{root: root}
}

// Parse decodes a YAML document into a Config.
func Parse(data []byte) (*Config, error) {
	root := make(map[string]any)
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse simulator config: %w", err)
	}
	return New(root), nil
}

// Load reads and parses a YAML simulator config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read simulator config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Marshal encodes the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c.root)
}

// Clone returns a deep copy, so overrides applied to the copy never reach c.
func (c *Config) Clone() *Config {
	return &Config{root: deepCopyMap(c.root)}
}

// Get resolves a dotted path.
func (c *Config) Get(path string) (any, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return c.GetPath(p)
}

// GetPath resolves a parsed path.
func (c *Config) GetPath(p Path) (any, error) {
	var node any = c.root
	for i, key := range p {
		m, ok := asMap(node)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a section", ErrPath, p[:i].String())
		}
		node, ok = m[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s not found", ErrPath, p[:i+1].String())
		}
	}
	return node, nil
}

// Set assigns value at a dotted path. Every section along the path must
// already exist; the final field is created if missing.
func (c *Config) Set(path string, value any) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	return c.SetPath(p, value)
}

// SetPath assigns value at a parsed path.
func (c *Config) SetPath(p Path, value any) error {
	parent, err := c.GetPath(p[:len(p)-1])
	if err != nil {
		return err
	}
	m, ok := asMap(parent)
	if !ok {
		return fmt.Errorf("%w: %s is not a section", ErrPath, p[:len(p)-1].String())
	}
	m[p[len(p)-1]] = value
	return nil
}

// Float resolves a numeric value.
func (c *Config) Float(path string) (float64, error) {
	v, err := c.Get(path)
	if err != nil {
		return 0, err
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s is %T, not a number", ErrPath, path, v)
	}
	return f, nil
}

// Int resolves an integer value. Floats with a fractional part are rejected.
func (c *Config) Int(path string) (int, error) {
	f, err := c.Float(path)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("%w: %s is %v, not an integer", ErrPath, path, f)
	}
	return int(f), nil
}

// FloatOr returns the value at path, or def if it is missing or not numeric.
func (c *Config) FloatOr(path string, def float64) float64 {
	f, err := c.Float(path)
	if err != nil {
		return def
	}
	return f
}

// Apply sets every override in turn. Each path must already hold a number,
// so a misspelled field is an error rather than a new key. It stops at the
// first failing path.
func (c *Config) Apply(overrides map[string]float64) error {
	for path, v := range overrides {
		if _, err := c.Float(path); err != nil {
			return fmt.Errorf("override %s: %w", path, err)
		}
		if err := c.Set(path, v); err != nil {
			return fmt.Errorf("override %s: %w", path, err)
		}
	}
	return nil
}

func asMap(node any) (map[string]any, bool) {
	m, ok := node.(map[string]any)
	return m, ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case []float64:
		return append([]float64(nil), t...)
	default:
		return v
	}
}
