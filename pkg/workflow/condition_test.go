package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalCondition(t *testing.T, cfg map[string]any, input map[string]any) *ConditionOutcome {
	t.Helper()
	out, err := NewConditionEvaluator(0).Evaluate(context.Background(), cfg, input)
	require.NoError(t, err)
	return out
}

func TestConditionEvaluator_Exists(t *testing.T) {
	cfg := map[string]any{"path": "$.x", "op": "exists"}

	t.Run("present", func(t *testing.T) {
		out := evalCondition(t, cfg, map[string]any{"x": float64(1)})
		assert.True(t, out.Result)
		assert.True(t, out.Explain.ActualPresent)
		assert.Equal(t, "number", out.Explain.ActualType)
		assert.Equal(t, "$.x", out.Explain.Path)
	})

	t.Run("absent", func(t *testing.T) {
		out := evalCondition(t, cfg, map[string]any{"y": 1})
		assert.False(t, out.Result)
		assert.False(t, out.Explain.ActualPresent)
		assert.Equal(t, "null", out.Explain.ActualType)
	})

	t.Run("explicit null reads absent", func(t *testing.T) {
		out := evalCondition(t, cfg, map[string]any{"x": nil})
		assert.False(t, out.Result)
	})

	t.Run("nested and indexed paths", func(t *testing.T) {
		input := map[string]any{"a": map[string]any{"b": []any{"first"}}}
		assert.True(t, evalCondition(t, map[string]any{"path": "$.a.b[0]", "op": "exists"}, input).Result)
		assert.False(t, evalCondition(t, map[string]any{"path": "$.a.b[3]", "op": "exists"}, input).Result)
	})

	t.Run("indexing into a scalar reads absent", func(t *testing.T) {
		input := map[string]any{"a": float64(5)}
		out := evalCondition(t, map[string]any{"path": "$.a.b", "op": "exists"}, input)
		assert.False(t, out.Result)
	})
}

func TestConditionEvaluator_Equality(t *testing.T) {
	t.Run("eq matches numbers across representations", func(t *testing.T) {
		cfg := map[string]any{"path": "$.n", "op": "eq", "value": 5}
		assert.True(t, evalCondition(t, cfg, map[string]any{"n": float64(5)}).Result)
		assert.False(t, evalCondition(t, cfg, map[string]any{"n": float64(6)}).Result)
	})

	t.Run("eq does not coerce numeric strings", func(t *testing.T) {
		cfg := map[string]any{"path": "$.n", "op": "eq", "value": 5}
		assert.False(t, evalCondition(t, cfg, map[string]any{"n": "5"}).Result)
	})

	t.Run("eq compares strings and objects canonically", func(t *testing.T) {
		cfg := map[string]any{"path": "$.s", "op": "eq", "value": "hot"}
		assert.True(t, evalCondition(t, cfg, map[string]any{"s": "hot"}).Result)

		objCfg := map[string]any{"path": "$.o", "op": "eq",
			"value": map[string]any{"a": 1, "b": 2}}
		input := map[string]any{"o": map[string]any{"b": float64(2), "a": float64(1)}}
		assert.True(t, evalCondition(t, objCfg, input).Result)
	})

	t.Run("neq is true for absent", func(t *testing.T) {
		cfg := map[string]any{"path": "$.s", "op": "neq", "value": "hot"}
		assert.True(t, evalCondition(t, cfg, map[string]any{}).Result)
		assert.True(t, evalCondition(t, cfg, map[string]any{"s": "cold"}).Result)
		assert.False(t, evalCondition(t, cfg, map[string]any{"s": "hot"}).Result)
	})
}

func TestConditionEvaluator_Contains(t *testing.T) {
	t.Run("string substring", func(t *testing.T) {
		cfg := map[string]any{"path": "$.s", "op": "contains", "value": "err"}
		assert.True(t, evalCondition(t, cfg, map[string]any{"s": "an error occurred"}).Result)
		assert.False(t, evalCondition(t, cfg, map[string]any{"s": "all good"}).Result)
	})

	t.Run("array membership", func(t *testing.T) {
		cfg := map[string]any{"path": "$.tags", "op": "contains", "value": "urgent"}
		assert.True(t, evalCondition(t, cfg, map[string]any{"tags": []any{"bug", "urgent"}}).Result)
		assert.False(t, evalCondition(t, cfg, map[string]any{"tags": []any{"bug"}}).Result)
	})

	t.Run("object key presence", func(t *testing.T) {
		cfg := map[string]any{"path": "$.meta", "op": "contains", "value": "owner"}
		assert.True(t, evalCondition(t, cfg, map[string]any{"meta": map[string]any{"owner": "a"}}).Result)
		assert.False(t, evalCondition(t, cfg, map[string]any{"meta": map[string]any{}}).Result)
	})

	t.Run("scalar actual is false", func(t *testing.T) {
		cfg := map[string]any{"path": "$.n", "op": "contains", "value": "x"}
		assert.False(t, evalCondition(t, cfg, map[string]any{"n": float64(4)}).Result)
	})
}

func TestConditionEvaluator_Ordering(t *testing.T) {
	t.Run("gt on numbers", func(t *testing.T) {
		cfg := map[string]any{"path": "$.n", "op": "gt", "value": 3}
		assert.True(t, evalCondition(t, cfg, map[string]any{"n": float64(4)}).Result)
		assert.False(t, evalCondition(t, cfg, map[string]any{"n": float64(3)}).Result)
	})

	t.Run("ordering coerces numeric strings", func(t *testing.T) {
		cfg := map[string]any{"path": "$.n", "op": "gte", "value": "3"}
		assert.True(t, evalCondition(t, cfg, map[string]any{"n": "4"}).Result)
		assert.True(t, evalCondition(t, cfg, map[string]any{"n": float64(3)}).Result)
	})

	t.Run("gt on non-numeric actual is false, not an error", func(t *testing.T) {
		cfg := map[string]any{"path": "$.n", "op": "gt", "value": 3}
		out := evalCondition(t, cfg, map[string]any{"n": "many"})
		assert.False(t, out.Result)
	})

	t.Run("lt and lte", func(t *testing.T) {
		assert.True(t, evalCondition(t,
			map[string]any{"path": "$.n", "op": "lt", "value": 10},
			map[string]any{"n": float64(9)}).Result)
		assert.True(t, evalCondition(t,
			map[string]any{"path": "$.n", "op": "lte", "value": 9},
			map[string]any{"n": float64(9)}).Result)
	})

	t.Run("absent actual is false", func(t *testing.T) {
		cfg := map[string]any{"path": "$.n", "op": "gt", "value": 3}
		assert.False(t, evalCondition(t, cfg, map[string]any{}).Result)
	})
}

func TestConditionEvaluator_SpecErrors(t *testing.T) {
	eval := NewConditionEvaluator(0)
	ctx := context.Background()

	_, err := eval.Evaluate(ctx, nil, map[string]any{})
	assert.ErrorContains(t, err, "config is required")

	_, err = eval.Evaluate(ctx, map[string]any{"op": "eq", "value": 1}, map[string]any{})
	assert.ErrorContains(t, err, "requires a path")

	_, err = eval.Evaluate(ctx, map[string]any{"path": "$.x", "op": "woo"}, map[string]any{})
	assert.ErrorContains(t, err, "unknown condition op")

	_, err = eval.Evaluate(ctx, map[string]any{"path": "$.x", "op": "eq"}, map[string]any{})
	assert.ErrorContains(t, err, "requires a value")

	_, err = eval.Evaluate(ctx, map[string]any{"path": "$.[", "op": "exists"}, map[string]any{})
	assert.ErrorContains(t, err, "invalid condition path")
}
