package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/duetflow/types"
)

func TestEvent_JSONRoundTrip(t *testing.T) {
	ev := &Event{
		Sequence:       7,
		ConversationID: "conv-1",
		ExperimentID:   "exp-1",
		Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Kind:           KindMessageComplete,
		Payload: MessageCompletePayload{
			Message: types.Message{
				TurnNumber: 2,
				AgentID:    "agent-a",
				Role:       types.RoleAssistant,
				Content:    "hello there",
			},
			Usage: types.TokenUsage{PromptTokens: 10, CompletionTokens: 3, TotalTokens: 13},
			Model: "gpt-4o",
		},
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, ev.Sequence, got.Sequence)
	assert.Equal(t, ev.Kind, got.Kind)
	payload, ok := got.Payload.(MessageCompletePayload)
	require.True(t, ok, "payload 解码后应是值类型")
	assert.Equal(t, "hello there", payload.Message.Content)
	assert.Equal(t, 13, payload.Usage.TotalTokens)
}

func TestEvent_UnmarshalUnknownKind(t *testing.T) {
	line := `{"sequence":1,"conversation_id":"c","timestamp":"2026-03-01T12:00:00Z","kind":"mystery","payload":{}}`

	var ev Event
	err := json.Unmarshal([]byte(line), &ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event kind")
}

func TestEvent_KindMatchesPayload(t *testing.T) {
	payloads := []Payload{
		ConversationStartPayload{},
		MessageChunkPayload{},
		MessageCompletePayload{},
		TurnCompletePayload{},
		ConversationPausedPayload{},
		ConversationResumedPayload{},
		ConversationEndPayload{},
		RateLimitWaitPayload{},
		RetryAttemptPayload{},
		MetricsRecordedPayload{},
		InterventionPayload{},
	}
	for _, p := range payloads {
		ev := New("c", "", p)
		assert.Equal(t, p.EventKind(), ev.Kind)
		// 每种 Kind 都必须能构造解码目标
		_, err := newPayload(p.EventKind())
		assert.NoError(t, err)
	}
}
