package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/voxflow/voxflow/pkg/schema"
)

// Scope is the merged view a template resolves against: working-memory
// variables plus the current turn's tool/LLM outputs. Turn outputs shadow
// variables of the same name since they are fresher.
type Scope struct {
	Vars map[string]any // session working memory
	Turn map[string]any // outputs produced earlier in this turn
}

func (s *Scope) lookup(name string) (any, bool) {
	if s == nil {
		return nil, false
	}
	if v, ok := s.Turn[name]; ok {
		return v, true
	}
	v, ok := s.Vars[name]
	return v, ok
}

// names returns the sorted set of resolvable top-level names, for error messages.
func (s *Scope) names() []string {
	if s == nil {
		return nil
	}
	seen := make(map[string]bool, len(s.Vars)+len(s.Turn))
	for k := range s.Vars {
		seen[k] = true
	}
	for k := range s.Turn {
		seen[k] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Env flattens the scope into a single map for expression engines.
func (s *Scope) Env() map[string]any {
	env := make(map[string]any, len(s.Vars)+len(s.Turn))
	for k, v := range s.Vars {
		env[k] = v
	}
	for k, v := range s.Turn {
		env[k] = v
	}
	return env
}

// ResolveTemplate replaces every @path reference in tpl with its resolved
// value. Structured values are serialized canonically (sorted-key JSON).
// "@@" escapes a literal '@'. An unresolved path fails the template; it is
// never silently replaced by an empty string.
func ResolveTemplate(tpl string, scope *Scope) (string, error) {
	var b strings.Builder
	b.Grow(len(tpl))

	i := 0
	for i < len(tpl) {
		idx := strings.IndexByte(tpl[i:], '@')
		if idx == -1 {
			b.WriteString(tpl[i:])
			break
		}
		b.WriteString(tpl[i : i+idx])
		i += idx

		// "@@" is a literal '@'.
		if i+1 < len(tpl) && tpl[i+1] == '@' {
			b.WriteByte('@')
			i += 2
			continue
		}

		path, width := scanPath(tpl[i+1:])
		if path == "" {
			// Bare '@' with no identifier: keep it.
			b.WriteByte('@')
			i++
			continue
		}

		val, err := ResolvePath(path, scope)
		if err != nil {
			return "", err
		}
		b.WriteString(Canonical(val))
		i += 1 + width
	}
	return b.String(), nil
}

// HasReferences reports whether the template contains any @path references.
func HasReferences(tpl string) bool {
	for i := 0; i < len(tpl); i++ {
		if tpl[i] != '@' {
			continue
		}
		if i+1 < len(tpl) && tpl[i+1] == '@' {
			i++
			continue
		}
		if path, _ := scanPath(tpl[i+1:]); path != "" {
			return true
		}
	}
	return false
}

// ResolvePath resolves a single path expression ("a", "a.b.c", "a[0].b")
// against the scope and returns the typed value. A missing path yields a
// typed interpolation error carrying the unresolved path.
func ResolvePath(path string, scope *Scope) (any, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	root, ok := scope.lookup(segs[0].field)
	if !ok {
		return nil, unresolvedErr(path, segs[0].field, scope.names())
	}

	current := root
	for _, seg := range segs[1:] {
		if seg.isIndex {
			list, ok := current.([]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"cannot index into non-sequence at [%d] in @%s (type %T)", seg.index, path, current).
					WithDetails(map[string]any{"path": path})
			}
			if seg.index < 0 || seg.index >= len(list) {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"index %d out of range in @%s (length %d)", seg.index, path, len(list)).
					WithDetails(map[string]any{"path": path})
			}
			current = list[seg.index]
			continue
		}

		obj, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in @%s (type %T)", seg.field, path, current).
				WithDetails(map[string]any{"path": path})
		}
		val, ok := obj[seg.field]
		if !ok {
			keys := make([]string, 0, len(obj))
			for k := range obj {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return nil, unresolvedErr(path, seg.field, keys)
		}
		current = val
	}
	return current, nil
}

// ResolveParams interpolates @path references inside a raw JSON document.
// A string value that is exactly one reference is replaced by the typed
// value; strings with embedded references are interpolated as text.
func ResolveParams(raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "params are not valid JSON: %s", err.Error()).WithCause(err)
	}
	resolved, err := resolveValue(doc, scope)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "re-encode params: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

func resolveValue(v any, scope *Scope) (any, error) {
	switch t := v.(type) {
	case string:
		if path, ok := wholeReference(t); ok {
			return ResolvePath(path, scope)
		}
		if HasReferences(t) {
			return ResolveTemplate(t, scope)
		}
		return strings.ReplaceAll(t, "@@", "@"), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			rv, err := resolveValue(val, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			rv, err := resolveValue(val, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// wholeReference reports whether s is exactly one @path reference.
func wholeReference(s string) (string, bool) {
	if len(s) < 2 || s[0] != '@' || s[1] == '@' {
		return "", false
	}
	path, width := scanPath(s[1:])
	if path == "" || 1+width != len(s) {
		return "", false
	}
	return path, true
}

// Canonical renders a resolved value for embedding into prompt or message
// text. Scalars render bare; structured values render as deterministic
// sorted-key JSON so they round-trip for debugging.
func Canonical(val any) string {
	switch v := val.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		// encoding/json sorts map keys, which makes this deterministic.
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// --- path parsing ---

type pathSeg struct {
	field   string
	index   int
	isIndex bool
}

// scanPath reads a path expression from the start of s and returns the path
// text and its width in bytes. Stops at the first character that cannot
// continue a path ("a.b," stops before the comma; "a." keeps only "a").
func scanPath(s string) (string, int) {
	i := 0
	if i >= len(s) || !isIdentStart(s[i]) {
		return "", 0
	}
	for i < len(s) {
		if isIdentChar(s[i]) {
			i++
			continue
		}
		if s[i] == '[' {
			j := i + 1
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			if j > i+1 && j < len(s) && s[j] == ']' {
				i = j + 1
				continue
			}
			break
		}
		if s[i] == '.' && i+1 < len(s) && isIdentStart(s[i+1]) {
			i++
			continue
		}
		break
	}
	return s[:i], i
}

func parsePath(path string) ([]pathSeg, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "empty path expression")
	}
	var segs []pathSeg
	i := 0
	for i < len(path) {
		switch {
		case isIdentStart(path[i]):
			j := i
			for j < len(path) && isIdentChar(path[j]) {
				j++
			}
			segs = append(segs, pathSeg{field: path[i:j]})
			i = j
		case path[i] == '[':
			j := strings.IndexByte(path[i:], ']')
			if j == -1 {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "unclosed index in @%s", path)
			}
			n, err := strconv.Atoi(path[i+1 : i+j])
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "invalid index in @%s", path)
			}
			segs = append(segs, pathSeg{index: n, isIndex: true})
			i += j + 1
		case path[i] == '.':
			i++
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "invalid character %q in @%s", path[i], path)
		}
	}
	if len(segs) == 0 || segs[0].isIndex {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "path @%s must start with an identifier", path)
	}
	return segs, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func unresolvedErr(path, missing string, available []string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"unresolved reference @%s: %q not found; available: [%s]", path, missing, strings.Join(available, ", ")).
		WithDetails(map[string]any{"path": path, "missing": missing, "available": available})
}
