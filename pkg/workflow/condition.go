package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/itchyny/gojq"
)

// Condition comparison operators.
const (
	OpExists   = "exists"
	OpEq       = "eq"
	OpNeq      = "neq"
	OpContains = "contains"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
)

// ConditionOutcome is a condition node's output. The boolean result drives
// cond_true/cond_false edges; the explain block makes routing decisions
// auditable from the event log.
type ConditionOutcome struct {
	Result  bool             `json:"result"`
	Explain ConditionExplain `json:"explain"`
}

// ConditionExplain records what was compared.
type ConditionExplain struct {
	Path          string `json:"path"`
	Op            string `json:"op"`
	Expected      any    `json:"expected,omitempty"`
	ActualPresent bool   `json:"actualPresent"`
	ActualType    string `json:"actualType"`
}

type conditionSpec struct {
	Path  string
	Op    string
	Value any
}

// parseConditionSpec extracts and checks a condition node's config. Also
// used by DSL validation so bad paths are rejected at publish.
func parseConditionSpec(cfg map[string]any) (*conditionSpec, error) {
	if cfg == nil {
		return nil, errors.New("condition config is required")
	}
	path, _ := cfg["path"].(string)
	if path == "" {
		return nil, errors.New("condition config requires a path")
	}
	op, _ := cfg["op"].(string)
	switch op {
	case OpExists, OpEq, OpNeq, OpContains, OpGt, OpGte, OpLt, OpLte:
	default:
		return nil, fmt.Errorf("unknown condition op %q", op)
	}
	if op != OpExists {
		if _, ok := cfg["value"]; !ok {
			return nil, fmt.Errorf("condition op %q requires a value", op)
		}
	}
	if _, err := gojq.Parse(pathToQuery(path)); err != nil {
		return nil, fmt.Errorf("invalid condition path %q: %v", path, err)
	}
	return &conditionSpec{Path: path, Op: op, Value: cfg["value"]}, nil
}

// pathToQuery converts the DSL path syntax to a jq query. Accepted shapes:
// "$.a.b[0]", "a.b[0]", ".a.b", "$" (whole input).
func pathToQuery(path string) string {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "$")
	if p == "" {
		return "."
	}
	if !strings.HasPrefix(p, ".") {
		p = "." + p
	}
	return p
}

// ConditionEvaluator evaluates condition specs against run input. Compiled
// queries are cached per evaluator; one evaluator is shared per process.
type ConditionEvaluator struct {
	timeout time.Duration

	mu    sync.Mutex
	cache map[string]*gojq.Code
}

// NewConditionEvaluator returns an evaluator bounding each path lookup by
// timeout (defaults to one second).
func NewConditionEvaluator(timeout time.Duration) *ConditionEvaluator {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ConditionEvaluator{timeout: timeout, cache: make(map[string]*gojq.Code)}
}

// Evaluate runs one condition against the run input. Comparison mismatches
// are false results, never errors; only a bad spec or an evaluation timeout
// returns an error.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, cfg map[string]any, input map[string]any) (*ConditionOutcome, error) {
	spec, err := parseConditionSpec(cfg)
	if err != nil {
		return nil, err
	}

	actual, present, err := e.lookup(ctx, spec.Path, input)
	if err != nil {
		return nil, err
	}

	out := &ConditionOutcome{
		Explain: ConditionExplain{
			Path:          spec.Path,
			Op:            spec.Op,
			Expected:      spec.Value,
			ActualPresent: present,
			ActualType:    jsonTypeName(actual),
		},
	}

	switch spec.Op {
	case OpExists:
		out.Result = present
	case OpEq:
		out.Result = present && jsonEqual(actual, spec.Value)
	case OpNeq:
		out.Result = !present || !jsonEqual(actual, spec.Value)
	case OpContains:
		out.Result = present && containsValue(actual, spec.Value)
	case OpGt, OpGte, OpLt, OpLte:
		// Ordering ops coerce both sides to finite numbers; anything that
		// does not coerce compares false rather than raising.
		af, aok := toFiniteNumber(actual)
		bf, bok := toFiniteNumber(spec.Value)
		if present && aok && bok {
			switch spec.Op {
			case OpGt:
				out.Result = af > bf
			case OpGte:
				out.Result = af >= bf
			case OpLt:
				out.Result = af < bf
			case OpLte:
				out.Result = af <= bf
			}
		}
	}
	return out, nil
}

// lookup evaluates the path query, reporting presence. Type mismatches on
// intermediate segments (indexing a number, etc.) read as absent.
func (e *ConditionEvaluator) lookup(ctx context.Context, path string, input map[string]any) (any, bool, error) {
	code, err := e.compile(pathToQuery(path))
	if err != nil {
		return nil, false, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var in any
	if input != nil {
		in = map[string]any(input)
	}
	iter := code.RunWithContext(evalCtx, in)
	v, ok := iter.Next()
	if !ok {
		return nil, false, nil
	}
	if _, isErr := v.(error); isErr {
		if evalCtx.Err() != nil {
			return nil, false, fmt.Errorf("condition path %q evaluation timed out: %w", path, evalCtx.Err())
		}
		return nil, false, nil
	}
	if v == nil {
		// gojq yields null both for explicit nulls and missing keys; a
		// null value cannot gate anything either way, so it reads absent.
		return nil, false, nil
	}
	return v, true, nil
}

func (e *ConditionEvaluator) compile(query string) (*gojq.Code, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[query]; ok {
		return code, nil
	}
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid path query %q: %w", query, err)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("path query %q does not compile: %w", query, err)
	}
	e.cache[query] = code
	return code, nil
}

// jsonEqual compares two JSON values: numbers numerically, everything else
// by canonical encoding.
func jsonEqual(a, b any) bool {
	if af, aok := rawNumber(a); aok {
		bf, bok := rawNumber(b)
		return bok && af == bf
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// containsValue implements the contains op: substring for strings, element
// membership for arrays, key presence for objects.
func containsValue(actual, expected any) bool {
	switch v := actual.(type) {
	case string:
		s, ok := expected.(string)
		return ok && strings.Contains(v, s)
	case []any:
		for _, el := range v {
			if jsonEqual(el, expected) {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := expected.(string)
		if !ok {
			return false
		}
		_, present := v[key]
		return present
	default:
		return false
	}
}

// rawNumber extracts a float from native numeric types without coercing
// strings. Used by equality, where "5" and 5 must differ.
func rawNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// toFiniteNumber coerces numbers and numeric strings to a finite float.
func toFiniteNumber(v any) (float64, bool) {
	if f, ok := rawNumber(v); ok {
		return f, !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		return f, !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}

// jsonTypeName names a JSON value's type for explain blocks.
func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, float32, int, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "object"
	}
}
