package reflow

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrEmptySegment is returned by Put when a dotted path contains an
// interior empty segment (e.g. "a..b").
var ErrEmptySegment = errors.New("empty path segment")

// ExecutionContext is the mutable hierarchical key-value store shared
// by one workflow run. Dotted paths address nested maps and ordered
// integer-indexed sequences, e.g. "user.details.0.name".
//
// The context is owned by a single run. The executor serializes all
// mutations; effectors read through the accessor methods only.
type ExecutionContext struct {
	root map[string]any
}

// NewExecutionContext creates an empty context.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{root: make(map[string]any)}
}

// NewExecutionContextFrom deep-copies src into a structurally
// independent context. Mutating nested maps or lists on the copy is
// never visible on the original.
func NewExecutionContextFrom(src *ExecutionContext) *ExecutionContext {
	if src == nil {
		return NewExecutionContext()
	}
	return &ExecutionContext{root: deepCopyMap(src.root)}
}

// literalKey reports whether the path is addressed as a single root
// key rather than a dotted path. Empty strings and dot-only strings
// are literal keys, distinct from every non-empty key.
func literalKey(path string) bool {
	return strings.Trim(path, ".") == ""
}

// splitPath parses a dotted path into segments. The caller has
// already excluded literal keys. A single trailing dot is tolerated;
// interior empty segments are reported as an error.
func splitPath(path string) ([]string, error) {
	path = strings.TrimSuffix(path, ".")
	segments := strings.Split(path, ".")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("%w in path %q", ErrEmptySegment, path)
		}
	}
	return segments, nil
}

// listIndex interprets a segment as a list index. Only unsigned
// decimal segments index into sequences.
func listIndex(segment string) (int, bool) {
	idx, err := strconv.Atoi(segment)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// Get returns the value at path, or nil when any segment is missing
// or a mid-path value is not a container. It never fails.
func (c *ExecutionContext) Get(path string) any {
	if literalKey(path) {
		return c.root[path]
	}
	segments, err := splitPath(path)
	if err != nil {
		return nil
	}
	var current any = c.root
	for _, segment := range segments {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[segment]
			if !ok {
				return nil
			}
			current = v
		case []any:
			idx, ok := listIndex(segment)
			if !ok || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return current
}

// GetOrDefault returns the value at path, or def when Get yields nil.
func (c *ExecutionContext) GetOrDefault(path string, def any) any {
	if v := c.Get(path); v != nil {
		return v
	}
	return def
}

// Put writes v at path, creating intermediate containers as needed.
// A mid-path value that is not a container is overwritten by a fresh
// map or list; integer segments under a short or missing list pad the
// list with nulls up to the index. The only failure mode is a
// malformed path with an interior empty segment.
func (c *ExecutionContext) Put(path string, v any) error {
	if literalKey(path) {
		c.root[path] = v
		return nil
	}
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	c.root = putInMap(c.root, segments, v)
	return nil
}

// putInMap writes v under segments relative to m, returning m (which
// is mutated in place).
func putInMap(m map[string]any, segments []string, v any) map[string]any {
	key := segments[0]
	if len(segments) == 1 {
		m[key] = v
		return m
	}
	child := m[key]
	m[key] = putInNode(child, segments[1:], v)
	return m
}

// putInNode writes v under segments relative to node, allocating or
// reallocating the node when its shape does not match the path.
func putInNode(node any, segments []string, v any) any {
	head := segments[0]
	if idx, isIndex := listIndex(head); isIndex {
		list, ok := node.([]any)
		if !ok {
			list = []any{}
		}
		for len(list) <= idx {
			list = append(list, nil)
		}
		if len(segments) == 1 {
			list[idx] = v
		} else {
			list[idx] = putInNode(list[idx], segments[1:], v)
		}
		return list
	}
	m, ok := node.(map[string]any)
	if !ok {
		m = map[string]any{}
	}
	return putInMap(m, segments, v)
}

// PutAll writes every entry of values under its own path.
// The first malformed path aborts and is returned.
func (c *ExecutionContext) PutAll(values map[string]any) error {
	paths := make([]string, 0, len(values))
	for p := range values {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := c.Put(p, values[p]); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the value at path and returns the removed subtree,
// or nil when nothing was present. Removing a list element splices it
// out of the sequence.
func (c *ExecutionContext) Remove(path string) any {
	if literalKey(path) {
		v, ok := c.root[path]
		if !ok {
			return nil
		}
		delete(c.root, path)
		return v
	}
	segments, err := splitPath(path)
	if err != nil {
		return nil
	}
	parentPath := segments[:len(segments)-1]
	last := segments[len(segments)-1]

	var parent any = c.root
	if len(parentPath) > 0 {
		parent = c.Get(strings.Join(parentPath, "."))
	}
	switch node := parent.(type) {
	case map[string]any:
		v, ok := node[last]
		if !ok {
			return nil
		}
		delete(node, last)
		return v
	case []any:
		idx, ok := listIndex(last)
		if !ok || idx >= len(node) {
			return nil
		}
		v := node[idx]
		spliced := append(append([]any{}, node[:idx]...), node[idx+1:]...)
		// Reattach the shortened list under its parent.
		if len(parentPath) > 0 {
			_ = c.Put(strings.Join(parentPath, "."), spliced)
		}
		return v
	default:
		return nil
	}
}

// Keys returns the top-level keys in sorted order.
func (c *ExecutionContext) Keys() []string {
	keys := make([]string, 0, len(c.root))
	for k := range c.root {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of top-level keys.
func (c *ExecutionContext) Len() int {
	return len(c.root)
}

// Snapshot returns a deep copy of the backing tree, for diffing and
// reporting.
func (c *ExecutionContext) Snapshot() map[string]any {
	return deepCopyMap(c.root)
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}
