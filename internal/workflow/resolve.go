package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

// ResolutionError identifies the reference that could not be resolved.
// It fails the node that carried it, not the run.
type ResolutionError struct {
	Ref    string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve ${%s}: %s", e.Ref, e.Reason)
}

var varPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Resolve walks a node config value and substitutes ${node.path}
// references from state. A string that is exactly one reference keeps
// the resolved value's type; references embedded in longer strings are
// stringified.
func Resolve(v any, state *State) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, state)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			r, err := Resolve(inner, state)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			r, err := Resolve(inner, state)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, state *State) (any, error) {
	matches := varPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-field reference: keep the resolved type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return lookup(s[matches[0][2]:matches[0][3]], state)
	}

	var err error
	replaced := varPattern.ReplaceAllStringFunc(s, func(m string) string {
		ref := m[2 : len(m)-1]
		val, lerr := lookup(ref, state)
		if lerr != nil {
			if err == nil {
				err = lerr
			}
			return m
		}
		return stringify(val)
	})
	if err != nil {
		return nil, err
	}
	return replaced, nil
}

// lookup resolves one reference path against the state.
func lookup(ref string, state *State) (any, error) {
	parts := strings.Split(strings.TrimSpace(ref), ".")
	if parts[0] == "" {
		return nil, &ResolutionError{Ref: ref, Reason: "empty node id"}
	}

	env, ok := state.NodeOutputs[parts[0]]
	if !ok {
		return nil, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("node %q has no output", parts[0])}
	}
	rest := parts[1:]

	if len(rest) == 0 {
		return env.Value, nil
	}

	switch rest[0] {
	case "value", "result":
		if len(rest) == 1 {
			return env.Value, nil
		}
		return dig(env.Value, rest[1:], ref)
	case "meta":
		if len(rest) == 1 {
			return env.Meta, nil
		}
		return dig(env.Meta, rest[1:], ref)
	default:
		// Legacy flat envelopes carried fields at the top level. Try the
		// value first, then meta, so old shapes keep resolving.
		if v, err := dig(env.Value, rest, ref); err == nil {
			return v, nil
		}
		if v, err := dig(env.Meta, rest, ref); err == nil {
			return v, nil
		}
		return nil, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("no path %q in node %q output", strings.Join(rest, "."), parts[0])}
	}
}

// dig descends into nested maps by key path.
func dig(v any, path []string, ref string) (any, error) {
	cur := v
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("segment %q is not an object", key)}
		}
		cur, ok = m[key]
		if !ok {
			return nil, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("missing key %q", key)}
		}
	}
	return cur, nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing .0 the default formatter would add.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
