package node

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxflow/voxflow/internal/provider"
	"github.com/voxflow/voxflow/internal/store"
	"github.com/voxflow/voxflow/pkg/schema"
)

func reasonSpec(t *testing.T) *schema.NodeSpec {
	return nodeSpec(t, "decide", schema.KindAgenticReason, map[string]any{
		"prompt":       "Help the caller with @plate.",
		"inject":       map[string]string{"vehicle": "@vehicle"},
		"response_var": "assistant_reply",
	})
}

func reasonRequest(t *testing.T) *Request {
	req, _ := newRequest(t, reasonSpec(t))
	req.Ports = []string{"dispatch", "escalate"}
	req.Session.Vars["plate"] = "WN-AE 2309"
	req.Session.Vars["vehicle"] = map[string]any{"covered": true}
	return req
}

func TestReason_ChoosesActionAndBinds(t *testing.T) {
	fake := &fakeReasoner{result: &provider.ReasoningResult{
		Action:   "dispatch",
		Message:  "A truck is on its way.",
		Bindings: map[string]any{"urgency": "high"},
	}}
	exec := &ReasonExecutor{Provider: fake}
	req := reasonRequest(t)

	res, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "dispatch", res.Port)
	assert.Equal(t, "A truck is on its way.", res.Emitted)
	assert.Equal(t, "high", res.Bindings["urgency"])
	assert.Equal(t, "A truck is on its way.", res.Bindings["assistant_reply"])

	// Prompt is interpolated, vocabulary and injected context carried.
	require.NotNil(t, fake.last)
	assert.Equal(t, "Help the caller with WN-AE 2309.", fake.last.Prompt)
	assert.Equal(t, []string{"dispatch", "escalate"}, fake.last.Actions)
	assert.Equal(t, map[string]any{"covered": true}, fake.last.Context["vehicle"])
}

func TestReason_ActionOutsideVocabularyFails(t *testing.T) {
	fake := &fakeReasoner{result: &provider.ReasoningResult{Action: "hang_up"}}
	exec := &ReasonExecutor{Provider: fake}
	req := reasonRequest(t)

	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	fe := schema.AsFlowError(err)
	require.NotNil(t, fe)
	assert.Equal(t, schema.ErrCodeProvider, fe.Code)
	assert.Contains(t, fe.Message, `"hang_up"`)
}

func TestReason_ProviderErrorSurfaces(t *testing.T) {
	exec := &ReasonExecutor{Provider: &fakeReasoner{err: errors.New("upstream 503")}}
	req := reasonRequest(t)

	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeProvider, schema.ErrorCodeOf(err))
	assert.Equal(t, "decide", schema.AsFlowError(err).NodeID)
}

func TestReason_NoProviderConfigured(t *testing.T) {
	exec := &ReasonExecutor{}
	req := reasonRequest(t)

	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeProvider, schema.ErrorCodeOf(err))
}

func TestReason_HistoryWindowBounded(t *testing.T) {
	fake := &fakeReasoner{result: &provider.ReasoningResult{Action: "dispatch"}}
	exec := &ReasonExecutor{Provider: fake}
	req := reasonRequest(t)
	for i := 0; i < historyWindow+5; i++ {
		req.Session.History = append(req.Session.History, store.TurnRecord{
			Role: "user", Text: fmt.Sprintf("line %d", i),
		})
	}

	_, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, fake.last.History, historyWindow)
	assert.Equal(t, fmt.Sprintf("user: line %d", historyWindow+4), fake.last.History[historyWindow-1])
}

func TestReason_UnresolvedInjectFails(t *testing.T) {
	exec := &ReasonExecutor{Provider: &fakeReasoner{result: &provider.ReasoningResult{Action: "dispatch"}}}
	req := reasonRequest(t)
	delete(req.Session.Vars, "vehicle")

	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInterpolation, schema.ErrorCodeOf(err))
}
