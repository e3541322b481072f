// Package types provides core types used across the duetflow framework.
// This package has ZERO dependencies on other duetflow packages to avoid circular imports.
// All other packages should import types from here.
package types

import (
	"time"
)

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// InterventionMarker prefixes human-injected content so both agents can
// distinguish it from the other agent's turns.
const InterventionMarker = "[HUMAN NOTE]"

// Message represents one utterance inside a conversation.
// Messages are never persisted on their own; they live inside
// message_complete event payloads and the in-memory working history.
type Message struct {
	TurnNumber   int       `json:"turn_number"`
	AgentID      string    `json:"agent_id"`
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	Intervention bool      `json:"intervention,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewMessage creates a new message with the given agent, role and content.
func NewMessage(agentID string, role Role, content string) Message {
	return Message{
		AgentID:   agentID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewAgentMessage creates a message spoken by an agent at a given turn.
func NewAgentMessage(agentID string, turn int, content string) Message {
	m := NewMessage(agentID, RoleAssistant, content)
	m.TurnNumber = turn
	return m
}

// NewIntervention creates a human-injected message. It is always presented
// to both agents as a user message with the intervention marker.
func NewIntervention(turn int, content string) Message {
	m := NewMessage("human", RoleUser, InterventionMarker+" "+content)
	m.TurnNumber = turn
	m.Intervention = true
	return m
}
