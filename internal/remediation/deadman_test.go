package remediation

import (
	"context"
	"testing"
	"time"
)

type fakeAgentLister struct {
	agents []MonitoredAgent
}

func (f *fakeAgentLister) ActiveAgents(ctx context.Context) ([]MonitoredAgent, error) {
	return f.agents, nil
}

func (f *fakeAgentLister) AgentByID(ctx context.Context, id string) (MonitoredAgent, bool, error) {
	for _, a := range f.agents {
		if a.ID == id {
			return a, true, nil
		}
	}
	return MonitoredAgent{}, false, nil
}

func TestDeadManSwitchAliveWithinTimeout(t *testing.T) {
	lastSeen := time.Now().UTC().Add(-5 * time.Minute)
	lister := &fakeAgentLister{agents: []MonitoredAgent{{ID: "a1", Name: "box-1", LastSeen: &lastSeen}}}
	d := NewDeadManSwitch(lister, DefaultDeadManConfig())

	statuses, err := d.CheckAgents(context.Background())
	if err != nil {
		t.Fatalf("CheckAgents: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status, got %d", len(statuses))
	}
	if !statuses[0].IsAlive {
		t.Fatal("agent seen 5 minutes ago with a 30 minute timeout should be alive")
	}
	if statuses[0].AlertTriggered {
		t.Fatal("an alive agent must not trigger an alert")
	}
}

func TestDeadManSwitchDeadBeyondTimeout(t *testing.T) {
	lastSeen := time.Now().UTC().Add(-45 * time.Minute)
	lister := &fakeAgentLister{agents: []MonitoredAgent{{ID: "a1", Name: "box-1", LastSeen: &lastSeen}}}
	d := NewDeadManSwitch(lister, DefaultDeadManConfig())

	statuses, err := d.CheckAgents(context.Background())
	if err != nil {
		t.Fatalf("CheckAgents: %v", err)
	}
	if statuses[0].IsAlive {
		t.Fatal("agent silent for 45 minutes with a 30 minute timeout should be dead")
	}
	if !statuses[0].AlertTriggered {
		t.Fatal("a dead agent should trigger an alert when the switch is enabled")
	}
	if statuses[0].MinutesSinceHeartbeat == nil || *statuses[0].MinutesSinceHeartbeat < 44 {
		t.Fatalf("expected MinutesSinceHeartbeat ~45, got %v", statuses[0].MinutesSinceHeartbeat)
	}
}

func TestDeadManSwitchNeverReportedIsDead(t *testing.T) {
	lister := &fakeAgentLister{agents: []MonitoredAgent{{ID: "a1", Name: "box-1", LastSeen: nil}}}
	d := NewDeadManSwitch(lister, DefaultDeadManConfig())

	statuses, err := d.CheckAgents(context.Background())
	if err != nil {
		t.Fatalf("CheckAgents: %v", err)
	}
	if statuses[0].IsAlive {
		t.Fatal("an agent that has never reported in should not be considered alive")
	}
	if !statuses[0].AlertTriggered {
		t.Fatal("an agent that has never reported in should trigger an alert when enabled")
	}
}

func TestDeadManSwitchDisabledNeverAlerts(t *testing.T) {
	lastSeen := time.Now().UTC().Add(-90 * time.Minute)
	lister := &fakeAgentLister{agents: []MonitoredAgent{{ID: "a1", LastSeen: &lastSeen}}}
	d := NewDeadManSwitch(lister, DeadManConfig{Enabled: false, TimeoutMinutes: 30})

	statuses, err := d.CheckAgents(context.Background())
	if err != nil {
		t.Fatalf("CheckAgents: %v", err)
	}
	if statuses[0].AlertTriggered {
		t.Fatal("a disabled switch must never trigger an alert, however stale the agent")
	}
}

// Two consecutive silent checks for the same agent within the 10
// minute suppression window must only alert once.
func TestDeadManSwitchSuppressesRepeatAlerts(t *testing.T) {
	lastSeen := time.Now().UTC().Add(-45 * time.Minute)
	lister := &fakeAgentLister{agents: []MonitoredAgent{{ID: "a1", LastSeen: &lastSeen}}}
	d := NewDeadManSwitch(lister, DefaultDeadManConfig())

	first := d.triggerAlert("a1", 45)
	if first.Status != "alert_sent" {
		t.Fatalf("expected first alert to send, got %s", first.Status)
	}

	second := d.triggerAlert("a1", 46)
	if second.Status != "suppressed" {
		t.Fatalf("expected second alert within the suppression window to be suppressed, got %s", second.Status)
	}
}

func TestDeadManSwitchGetStatusUnknownAgent(t *testing.T) {
	lister := &fakeAgentLister{}
	d := NewDeadManSwitch(lister, DefaultDeadManConfig())

	status, err := d.GetStatus(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != nil {
		t.Fatal("expected nil status for an unknown agent")
	}
}

func TestDeadManSwitchUpdateConfig(t *testing.T) {
	lister := &fakeAgentLister{}
	d := NewDeadManSwitch(lister, DefaultDeadManConfig())

	d.UpdateConfig(DeadManConfig{Enabled: false, TimeoutMinutes: 5})
	got := d.Config()
	if got.Enabled || got.TimeoutMinutes != 5 {
		t.Fatalf("UpdateConfig did not take effect, got %+v", got)
	}
}
