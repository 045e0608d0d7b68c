// Package collator indexes event schemas by an ordered tuple of
// discriminator keys and resolves an incoming payload to the most
// specific schema plus its fallbacks, by longest-prefix match.
//
// A schema registers with one literal per key position, where "" means
// unconstrained. The registry stores schemas under the path
// "" / lit1 / lit2 / ... with trailing empty literals dropped;
// classification walks the payload's path from deepest to shallowest and
// returns every schema found along the way.
package collator

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Separator joins key segments into registry paths.
const Separator = "/"

// Key is a single discriminator specifier: either one field name or a
// group of alternative field names, of which at most one may be present
// on a given payload.
type Key struct {
	field string
	group []string
}

// Field returns a specifier reading a single payload field.
func Field(name string) Key { return Key{field: name} }

// Group returns a specifier reading whichever of the named fields is
// present. A payload carrying more than one of them is malformed.
func Group(names ...string) Key { return Key{group: names} }

func (k Key) String() string {
	if k.field != "" {
		return k.field
	}
	return "(" + strings.Join(k.group, "|") + ")"
}

// Collator is a discriminator-key registry. The zero value is not
// usable; construct with New. Safe for concurrent use: registration is
// expected at construction time but runtime additions (custom models)
// are supported and override with a log line.
type Collator[T any] struct {
	name   string
	keys   []Key
	logger *slog.Logger

	mu   sync.RWMutex
	tree map[string]T
}

// New creates a registry named for logging, keyed by the given ordered
// specifiers.
func New[T any](name string, keys []Key, logger *slog.Logger) *Collator[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collator[T]{
		name:   name,
		keys:   keys,
		logger: logger,
		tree:   make(map[string]T),
	}
}

// Register inserts value under the path derived from lits, one literal
// per key position ("" = unconstrained). An empty literal may not
// precede a non-empty one. On a duplicate path the later registration
// wins and the override is logged.
func (c *Collator[T]) Register(lits []string, value T) error {
	if len(lits) > len(c.keys) {
		return fmt.Errorf("collator %s: %d literals for %d keys", c.name, len(lits), len(c.keys))
	}
	path, err := c.path(lits)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.tree[path]; ok {
		c.logger.Debug("event model overridden",
			"registry", c.name,
			"key", path,
			"old", fmt.Sprintf("%v", old),
			"new", fmt.Sprintf("%v", value),
		)
	}
	c.tree[path] = value
	return nil
}

// Classify reads the discriminator fields from data and returns the
// registered values at every prefix of the resulting path, deepest
// first: the most specific schema followed by its fallbacks.
func (c *Collator[T]) Classify(data map[string]any) ([]T, error) {
	lits := make([]string, len(c.keys))
	for i, k := range c.keys {
		if k.field != "" {
			lits[i] = fieldString(data[k.field])
			continue
		}
		for _, name := range k.group {
			v := fieldString(data[name])
			if v == "" {
				continue
			}
			if lits[i] != "" {
				return nil, fmt.Errorf("collator %s: payload sets multiple fields of %s", c.name, k)
			}
			lits[i] = v
		}
	}
	path, err := c.path(lits)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []T
	for {
		if v, ok := c.tree[path]; ok {
			out = append(out, v)
		}
		if path == "" {
			return out, nil
		}
		i := strings.LastIndex(path, Separator)
		path = path[:i]
	}
}

// path builds the registry path for a literal tuple. Trailing empty
// literals are dropped; an empty literal before a non-empty one is a
// malformed key.
func (c *Collator[T]) path(lits []string) (string, error) {
	end := len(lits)
	for end > 0 && lits[end-1] == "" {
		end--
	}
	for _, l := range lits[:end] {
		if l == "" {
			return "", fmt.Errorf("collator %s: empty key before non-empty in %v", c.name, lits)
		}
	}
	if end == 0 {
		return "", nil
	}
	return Separator + strings.Join(lits[:end], Separator), nil
}

func fieldString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(v)
	}
}
