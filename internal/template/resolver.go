// Package template substitutes {{result.*}}, {{memory.*}} and {{env.*}} references in
// action parameters. The grammar is dotted-path lookup only; nothing is evaluated.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/ZanzyTHEbar/dragonscale-engine"
)

const (
	rootResult = "result"
	rootMemory = "memory"
	rootEnv    = "env"
)

var (
	errEmptyExpression = errors.New("empty expression")
	errMissingPath     = errors.New("expression needs a root and at least one segment")
)

func errInvalidSegment(seg string) error {
	return fmt.Errorf("invalid path segment %q", seg)
}

// Resolver resolves templates. The zero value reads the process environment.
type Resolver struct {
	// LookupEnv overrides os.LookupEnv, mainly for tests.
	LookupEnv func(string) (string, bool)
}

// Resolve rewrites params using the package default Resolver.
func Resolve(params any, results, memory map[string]any, allowEnv bool) (any, error) {
	return Resolver{}.Resolve(params, results, memory, allowEnv)
}

// ResolveParams is Resolve for the common map-shaped parameter set.
func ResolveParams(params map[string]any, results, memory map[string]any, allowEnv bool) (map[string]any, error) {
	return Resolver{}.ResolveParams(params, results, memory, allowEnv)
}

// ResolveParams resolves a parameter map and returns a new map.
func (r Resolver) ResolveParams(params map[string]any, results, memory map[string]any, allowEnv bool) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	out, err := r.Resolve(params, results, memory, allowEnv)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// Resolve walks params recursively. Strings holding exactly one {{...}} token are replaced
// by the referenced value with its native type; embedded tokens are spliced as text.
func (r Resolver) Resolve(params any, results, memory map[string]any, allowEnv bool) (any, error) {
	sc := scope{results: results, memory: memory, allowEnv: allowEnv, lookupEnv: r.LookupEnv}
	if sc.lookupEnv == nil {
		sc.lookupEnv = os.LookupEnv
	}
	return sc.walk(params)
}

type scope struct {
	results   map[string]any
	memory    map[string]any
	allowEnv  bool
	lookupEnv func(string) (string, bool)
}

func (sc scope) walk(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return sc.resolveString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := sc.walk(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := sc.walk(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := sc.resolveString(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (sc scope) resolveString(s string) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	tokens := tokenize(s)
	if len(tokens) == 1 && tokens[0].kind == tokenExpr {
		return sc.evaluate(tokens[0].text)
	}

	var b strings.Builder
	for _, tok := range tokens {
		if tok.kind == tokenLiteral {
			b.WriteString(tok.text)
			continue
		}
		value, err := sc.evaluate(tok.text)
		if err != nil {
			return nil, err
		}
		text, err := stringify(value)
		if err != nil {
			return nil, dragonscale.NewTemplateResolutionError(tok.text, err.Error())
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

func (sc scope) evaluate(raw string) (any, error) {
	expr, err := parseExpression(raw)
	if err != nil {
		return nil, dragonscale.NewTemplateResolutionError(raw, err.Error())
	}

	switch expr.root {
	case rootResult:
		id := expr.segments[0]
		value, ok := sc.results[id]
		if !ok {
			return nil, dragonscale.NewTemplateResolutionError(raw, fmt.Sprintf("no result for action '%s'", id))
		}
		resolved, err := lookupPath(value, expr.segments[1:])
		if err != nil {
			return nil, dragonscale.NewTemplateResolutionError(raw, err.Error())
		}
		return resolved, nil

	case rootMemory:
		if value, ok := sc.memory[strings.Join(expr.segments, ".")]; ok {
			return value, nil
		}
		key := expr.segments[0]
		value, ok := sc.memory[key]
		if !ok {
			return nil, dragonscale.NewTemplateResolutionError(raw, fmt.Sprintf("memory key '%s' not loaded", key))
		}
		resolved, err := lookupPath(value, expr.segments[1:])
		if err != nil {
			return nil, dragonscale.NewTemplateResolutionError(raw, err.Error())
		}
		return resolved, nil

	case rootEnv:
		if !sc.allowEnv {
			return nil, dragonscale.NewTemplateResolutionError(raw, "environment references are disabled")
		}
		if len(expr.segments) != 1 {
			return nil, dragonscale.NewTemplateResolutionError(raw, "env reference takes a single variable name")
		}
		value, ok := sc.lookupEnv(expr.segments[0])
		if !ok {
			return nil, dragonscale.NewTemplateResolutionError(raw, fmt.Sprintf("environment variable '%s' is not set", expr.segments[0]))
		}
		return value, nil
	}
	return nil, dragonscale.NewTemplateResolutionError(raw, fmt.Sprintf("unknown root '%s'", expr.root))
}

// lookupPath follows map keys by name and slice elements by numeric index.
func lookupPath(value any, path []string) (any, error) {
	current := value
	for i, seg := range path {
		next, err := step(current, seg)
		if err != nil {
			return nil, fmt.Errorf("at '%s': %w", strings.Join(path[:i+1], "."), err)
		}
		current = next
	}
	return current, nil
}

func step(current any, seg string) (any, error) {
	switch c := current.(type) {
	case map[string]any:
		v, ok := c[seg]
		if !ok {
			return nil, fmt.Errorf("field '%s' not found", seg)
		}
		return v, nil
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, fmt.Errorf("invalid index '%s' for array of length %d", seg, len(c))
		}
		return c[idx], nil
	case nil:
		return nil, fmt.Errorf("cannot read '%s' from null", seg)
	}

	rv := reflect.ValueOf(current)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		v := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, fmt.Errorf("field '%s' not found", seg)
		}
		return v.Interface(), nil
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, fmt.Errorf("invalid index '%s' for array of length %d", seg, rv.Len())
		}
		return rv.Index(idx).Interface(), nil
	}
	return nil, fmt.Errorf("cannot read '%s' from %T", seg, current)
}

// stringify renders a spliced value: strings verbatim, everything else as JSON.
func stringify(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// References returns the sorted ids of actions whose results params refer to.
func References(params any) []string {
	set := map[string]struct{}{}
	collectRefs(params, set)
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func collectRefs(v any, set map[string]struct{}) {
	switch val := v.(type) {
	case string:
		for _, tok := range tokenize(val) {
			if tok.kind != tokenExpr {
				continue
			}
			if expr, err := parseExpression(tok.text); err == nil && expr.root == rootResult {
				set[expr.segments[0]] = struct{}{}
			}
		}
	case map[string]any:
		for _, item := range val {
			collectRefs(item, set)
		}
	case []any:
		for _, item := range val {
			collectRefs(item, set)
		}
	}
}
