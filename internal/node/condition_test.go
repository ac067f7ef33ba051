package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxflow/voxflow/internal/expressions"
	"github.com/voxflow/voxflow/pkg/schema"
)

func conditionExec(t *testing.T) *ConditionExecutor {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return NewConditionExecutor(cel, expressions.NewExprEngine())
}

func TestCondition_BranchlessTrueFalse(t *testing.T) {
	exec := conditionExec(t)
	spec := nodeSpec(t, "is_covered", schema.KindCondition, map[string]any{
		"expression": `vars.vehicle.covered == true`,
	})
	req, _ := newRequest(t, spec)
	req.Session.Vars["vehicle"] = map[string]any{"covered": true}

	res, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, schema.PortTrue, res.Port)

	req.Session.Vars["vehicle"] = map[string]any{"covered": false}
	res, err = exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, schema.PortFalse, res.Port)
}

func TestCondition_BranchesFirstTrueWins(t *testing.T) {
	exec := conditionExec(t)
	spec := nodeSpec(t, "tier", schema.KindCondition, map[string]any{
		"expression": `vars.vehicle.covered == true`,
		"branches": []map[string]any{
			{"port": "premium", "condition": `vars.vehicle.tier == "premium"`},
			{"port": "basic", "condition": `vars.vehicle.tier == "basic"`},
		},
	})
	req, _ := newRequest(t, spec)
	req.Session.Vars["vehicle"] = map[string]any{"covered": true, "tier": "basic"}

	res, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "basic", res.Port)
}

func TestCondition_FalseExpressionSkipsBranches(t *testing.T) {
	exec := conditionExec(t)
	// The branch condition is not a boolean, so evaluating it would fail:
	// routing false without error proves the gate short-circuits.
	spec := nodeSpec(t, "tier", schema.KindCondition, map[string]any{
		"expression": `vars.vehicle.covered == true`,
		"branches": []map[string]any{
			{"port": "premium", "condition": `vars.vehicle.tier`},
		},
	})
	req, _ := newRequest(t, spec)
	req.Session.Vars["vehicle"] = map[string]any{"covered": false, "tier": "premium"}

	res, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, schema.PortFalse, res.Port)
}

func TestCondition_NoBranchMatchIsConfigurationError(t *testing.T) {
	exec := conditionExec(t)
	spec := nodeSpec(t, "tier", schema.KindCondition, map[string]any{
		"expression": `vars.vehicle.covered == true`,
		"branches": []map[string]any{
			{"port": "premium", "condition": `vars.vehicle.tier == "premium"`},
		},
	})
	req, _ := newRequest(t, spec)
	req.Session.Vars["vehicle"] = map[string]any{"covered": true, "tier": "unknown"}

	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	fe := schema.AsFlowError(err)
	require.NotNil(t, fe)
	assert.Equal(t, schema.ErrCodeCondition, fe.Code)
	assert.Equal(t, "tier", fe.NodeID)
	assert.True(t, fe.IsFatal())
}

func TestCondition_ExprEngine(t *testing.T) {
	exec := conditionExec(t)
	spec := nodeSpec(t, "has_eta", schema.KindCondition, map[string]any{
		"engine":     "expr",
		"expression": `(turn.result_eta ?? 0) > 0`,
	})
	req, _ := newRequest(t, spec)
	req.Scope.Turn["result_eta"] = 25

	res, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, schema.PortTrue, res.Port)
}

func TestCondition_NonBoolExpressionFails(t *testing.T) {
	exec := conditionExec(t)
	spec := nodeSpec(t, "oops", schema.KindCondition, map[string]any{
		"expression": `vars.vehicle.tier`,
	})
	req, _ := newRequest(t, spec)
	req.Session.Vars["vehicle"] = map[string]any{"tier": "basic"}

	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	fe := schema.AsFlowError(err)
	require.NotNil(t, fe)
	assert.Equal(t, schema.ErrCodeCondition, fe.Code)
	assert.Equal(t, "oops", fe.NodeID)
	assert.True(t, fe.IsFatal())
}

func TestCondition_MissingEngine(t *testing.T) {
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	exec := NewConditionExecutor(cel, nil)

	spec := nodeSpec(t, "c", schema.KindCondition, map[string]any{
		"engine":     "expr",
		"expression": `true`,
	})
	req, _ := newRequest(t, spec)

	_, err = exec.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCondition, schema.ErrorCodeOf(err))
}
