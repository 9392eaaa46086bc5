package remediation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// DeadManConfig controls the heartbeat audit.
type DeadManConfig struct {
	Enabled        bool `json:"enabled"`
	TimeoutMinutes int  `json:"timeout_minutes"`
}

func DefaultDeadManConfig() DeadManConfig {
	return DeadManConfig{Enabled: true, TimeoutMinutes: 30}
}

// DeadManStatus is one agent's evaluated liveness.
type DeadManStatus struct {
	AgentID               string     `json:"agent_id"`
	AgentName             string     `json:"agent_name,omitempty"`
	LastHeartbeat         *time.Time `json:"last_heartbeat,omitempty"`
	MinutesSinceHeartbeat *float64   `json:"minutes_since_heartbeat,omitempty"`
	IsAlive               bool       `json:"is_alive"`
	AlertTriggered        bool       `json:"alert_triggered"`
}

// AlertResult is what triggerAlert reports.
type AlertResult struct {
	Status        string    `json:"status"` // alert_sent, suppressed
	AgentID       string    `json:"agent_id"`
	MinutesSilent float64   `json:"minutes_silent,omitempty"`
	Message       string    `json:"message,omitempty"`
	AlertedAt     time.Time `json:"alerted_at,omitempty"`
}

// MonitoredAgent is the minimal agent shape the switch needs.
type MonitoredAgent struct {
	ID       string
	Name     string
	LastSeen *time.Time
}

// AgentLister gives the switch the set of active agents to audit.
type AgentLister interface {
	ActiveAgents(ctx context.Context) ([]MonitoredAgent, error)
	AgentByID(ctx context.Context, id string) (MonitoredAgent, bool, error)
}

// alertSuppressWindow is the minimum gap between two alerts for the
// same agent (spec.md §4.6).
const alertSuppressWindow = 10 * time.Minute

// DeadManSwitch monitors agent heartbeats and flags agents that have
// gone silent, a direct port of
// original_source/bigr/remediation/deadman.py's DeadManSwitch.
type DeadManSwitch struct {
	agents AgentLister

	mu         sync.Mutex
	config     DeadManConfig
	alertsSent map[string]time.Time
}

func NewDeadManSwitch(agents AgentLister, config DeadManConfig) *DeadManSwitch {
	return &DeadManSwitch{agents: agents, config: config, alertsSent: make(map[string]time.Time)}
}

func (d *DeadManSwitch) Config() DeadManConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

func (d *DeadManSwitch) UpdateConfig(config DeadManConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = config
	log.Printf("[deadman] config updated: timeout=%d min enabled=%v", config.TimeoutMinutes, config.Enabled)
}

// CheckAgents evaluates every active agent, triggering (rate-limited)
// alerts for any that have gone silent.
func (d *DeadManSwitch) CheckAgents(ctx context.Context) ([]DeadManStatus, error) {
	agents, err := d.agents.ActiveAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}

	now := time.Now().UTC()
	statuses := make([]DeadManStatus, 0, len(agents))
	for _, agent := range agents {
		status := d.evaluate(agent, now)
		statuses = append(statuses, status)
		if status.AlertTriggered {
			minutes := 0.0
			if status.MinutesSinceHeartbeat != nil {
				minutes = *status.MinutesSinceHeartbeat
			}
			d.triggerAlert(agent.ID, minutes)
		}
	}
	return statuses, nil
}

// GetStatus evaluates a single agent.
func (d *DeadManSwitch) GetStatus(ctx context.Context, agentID string) (*DeadManStatus, error) {
	agent, found, err := d.agents.AgentByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("look up agent %s: %w", agentID, err)
	}
	if !found {
		return nil, nil
	}
	status := d.evaluate(agent, time.Now().UTC())
	return &status, nil
}

// triggerAlert logs a silenced-agent alert, suppressing repeats within
// alertSuppressWindow of the last one sent for this agent.
func (d *DeadManSwitch) triggerAlert(agentID string, minutesSilent float64) AlertResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().UTC()
	if last, ok := d.alertsSent[agentID]; ok && now.Sub(last) < alertSuppressWindow {
		return AlertResult{Status: "suppressed", AgentID: agentID, Message: "Alert already sent, waiting out the suppression window."}
	}
	d.alertsSent[agentID] = now

	log.Printf("[deadman] agent %s silent for %.1f minutes", agentID, minutesSilent)
	return AlertResult{
		Status:        "alert_sent",
		AgentID:       agentID,
		MinutesSilent: minutesSilent,
		Message:       fmt.Sprintf("agent %s has been silent for %.0f minutes", agentID, minutesSilent),
		AlertedAt:     now,
	}
}

func (d *DeadManSwitch) evaluate(agent MonitoredAgent, now time.Time) DeadManStatus {
	d.mu.Lock()
	cfg := d.config
	d.mu.Unlock()

	if agent.LastSeen == nil {
		return DeadManStatus{
			AgentID:        agent.ID,
			AgentName:      agent.Name,
			IsAlive:        false,
			AlertTriggered: cfg.Enabled,
		}
	}

	minutesSince := now.Sub(*agent.LastSeen).Minutes()
	isAlive := minutesSince <= float64(cfg.TimeoutMinutes)
	rounded := roundTo1(minutesSince)

	return DeadManStatus{
		AgentID:               agent.ID,
		AgentName:             agent.Name,
		LastHeartbeat:         agent.LastSeen,
		MinutesSinceHeartbeat: &rounded,
		IsAlive:               isAlive,
		AlertTriggered:        cfg.Enabled && !isAlive,
	}
}

func roundTo1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
