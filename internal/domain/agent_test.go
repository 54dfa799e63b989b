package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var allStatuses = []AgentStatus{
	StatusIdle, StatusActive, StatusWaitingApproval, StatusSuspended, StatusError,
}

func TestCanTransition_Graph(t *testing.T) {
	allowed := map[[2]AgentStatus]bool{
		{StatusIdle, StatusActive}:            true,
		{StatusActive, StatusWaitingApproval}: true,
		{StatusActive, StatusSuspended}:       true,
		{StatusActive, StatusIdle}:            true,
		{StatusActive, StatusError}:           true,
		{StatusWaitingApproval, StatusActive}: true,
		{StatusWaitingApproval, StatusError}:  true,
		{StatusSuspended, StatusActive}:       true,
		{StatusSuspended, StatusError}:        true,
		{StatusError, StatusIdle}:             true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := from == to || allowed[[2]AgentStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_IdleNeverWaitsOnApproval(t *testing.T) {
	assert.False(t, CanTransition(StatusIdle, StatusWaitingApproval))
	assert.False(t, CanTransition(StatusIdle, StatusSuspended))
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "agent:coder:task", AgentTaskTopic("coder"))
	assert.Equal(t, "agent:coder:action-result", AgentActionResultTopic("coder"))
	assert.Equal(t, "agent.coder", AgentStateKey("coder"))
	assert.Equal(t, "shadow.01H", ShadowActionKey("01H"))
}

func TestValidTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  bool
	}{
		{"tool:echo", true},
		{"fs:read", true},
		{"", false},
		{"echo", false},
		{":echo", false},
		{"tool:", false},
		{"tool: echo", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidTopic(tt.topic), tt.topic)
	}
}

func TestActionStatusTerminal(t *testing.T) {
	assert.False(t, ActionPending.Terminal())
	assert.False(t, ActionApproved.Terminal())
	assert.True(t, ActionRejected.Terminal())
	assert.True(t, ActionExecuted.Terminal())
	assert.True(t, ActionFailed.Terminal())
	assert.True(t, ActionWrite.Valid())
	assert.False(t, ActionKind("chmod").Valid())
}
