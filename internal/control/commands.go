package control

import (
	"context"
	"fmt"
	"time"

	"github.com/bigr-shield/sentinel/internal/idgen"
)

// CommandStatus is the AgentCommand lifecycle state (spec.md §6).
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandAck       CommandStatus = "ack"
	CommandRunning   CommandStatus = "running"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// CommandType enumerates the work an operator can push to an agent.
type CommandType string

const (
	CommandShieldScan   CommandType = "shield_scan"
	CommandFirewallSync CommandType = "firewall_sync"
	CommandRemediate    CommandType = "remediate"
	CommandUpdate       CommandType = "update"
)

// AgentCommand is a unit of work dispatched to one agent.
type AgentCommand struct {
	ID         string                 `json:"id"`
	AgentID    string                 `json:"agent_id"`
	Type       CommandType            `json:"type"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Status     CommandStatus          `json:"status"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	AckedAt    *time.Time             `json:"acked_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// CommandStore persists the AgentCommand queue.
type CommandStore interface {
	EnqueueCommand(ctx context.Context, cmd *AgentCommand) error
	PendingCommands(ctx context.Context, agentID string) ([]AgentCommand, error)
	UpdateCommandStatus(ctx context.Context, id string, status CommandStatus, result map[string]interface{}, errMsg string) error
}

// CommandQueue wraps a CommandStore with the transitions the spec's
// lifecycle allows: pending -> ack -> running -> completed|failed.
type CommandQueue struct {
	store CommandStore
}

func NewCommandQueue(store CommandStore) *CommandQueue {
	return &CommandQueue{store: store}
}

// Enqueue creates a new pending command for agentID.
func (q *CommandQueue) Enqueue(ctx context.Context, agentID string, typ CommandType, payload map[string]interface{}) (*AgentCommand, error) {
	cmd := &AgentCommand{
		ID:        idgen.UUID(),
		AgentID:   agentID,
		Type:      typ,
		Payload:   payload,
		Status:    CommandPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.store.EnqueueCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("enqueue command: %w", err)
	}
	return cmd, nil
}

// Poll returns the agent's pending commands, marking each acked so a
// second poll before completion doesn't redeliver it as pending.
func (q *CommandQueue) Poll(ctx context.Context, agentID string) ([]AgentCommand, error) {
	cmds, err := q.store.PendingCommands(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("poll commands: %w", err)
	}
	now := time.Now().UTC()
	for i := range cmds {
		if cmds[i].Status == CommandPending {
			if err := q.store.UpdateCommandStatus(ctx, cmds[i].ID, CommandAck, nil, ""); err != nil {
				return nil, fmt.Errorf("ack command %s: %w", cmds[i].ID, err)
			}
			cmds[i].Status = CommandAck
			cmds[i].AckedAt = &now
		}
	}
	return cmds, nil
}

// Patch applies an agent-reported status transition. Only forward
// transitions are accepted; a completed/failed command is terminal.
func (q *CommandQueue) Patch(ctx context.Context, id string, status CommandStatus, result map[string]interface{}, errMsg string) error {
	switch status {
	case CommandAck, CommandRunning, CommandCompleted, CommandFailed:
	default:
		return fmt.Errorf("invalid command status %q", status)
	}
	if err := q.store.UpdateCommandStatus(ctx, id, status, result, errMsg); err != nil {
		return fmt.Errorf("patch command %s: %w", id, err)
	}
	return nil
}
