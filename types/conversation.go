package types

import (
	"time"
)

// Status represents the lifecycle state of a conversation.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// EndReason explains why a conversation reached a terminal state.
type EndReason string

const (
	EndMaxTurns     EndReason = "max_turns"
	EndConvergence  EndReason = "convergence"
	EndContextLimit EndReason = "context_limit"
	EndError        EndReason = "error"
	EndStopped      EndReason = "stopped"
)

// AgentConfig describes one participant. Immutable once the conversation starts.
type AgentConfig struct {
	AgentID     string  `json:"agent_id" yaml:"agent_id"`
	ModelID     string  `json:"model_id" yaml:"model_id"`
	ProviderID  string  `json:"provider_id" yaml:"provider_id"`
	Temperature float32 `json:"temperature" yaml:"temperature"`
	ChosenName  string  `json:"chosen_name,omitempty" yaml:"chosen_name,omitempty"`
}

// Conversation is the live state of one bounded two-agent exchange.
// It is mutated only by folding appended events, so the same state is
// reachable by replaying the conversation's log from the beginning.
type Conversation struct {
	ID           string         `json:"id"`
	ExperimentID string         `json:"experiment_id"`
	Agents       [2]AgentConfig `json:"agents"`
	Status       Status         `json:"status"`
	TurnCount    int            `json:"turn_count"`
	Usage        TokenUsage     `json:"usage"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	EndReason    EndReason      `json:"end_reason,omitempty"`
}

// AgentByID returns the agent config with the given id, or nil.
func (c *Conversation) AgentByID(id string) *AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].AgentID == id {
			return &c.Agents[i]
		}
	}
	return nil
}

// Other returns the agent config opposite to the given id, or nil.
func (c *Conversation) Other(id string) *AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].AgentID != id {
			return &c.Agents[i]
		}
	}
	return nil
}
