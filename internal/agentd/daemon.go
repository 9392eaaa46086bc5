package agentd

import (
	"context"
	"fmt"
	"log"
	"time"
)

// commandPollInterval is how often the interruptible sleep wakes to
// check for remote commands between scan cycles.
const commandPollInterval = 10 * time.Second

// ScanFunc performs one target scan and returns a JSON-serializable
// discovery payload. Supplied by the caller (cmd/shield-agent) so this
// package stays independent of the discovery scanner implementation.
type ScanFunc func(ctx context.Context, target string) (map[string]interface{}, error)

// ShieldFunc performs one Shield security scan against target.
type ShieldFunc func(ctx context.Context, target string) (map[string]interface{}, error)

// RemediateFunc applies a remediation action pushed down as a
// "remediate" command, e.g. installing a local firewall rule through
// the platform adapter.
type RemediateFunc func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)

// Daemon is the agent's scan/push/heartbeat main loop, grounded on
// original_source/bigr/agent/daemon.py's AgentDaemon and the teacher's
// cmd/osiris-agent/main.go run loop.
type Daemon struct {
	cfg     *Config
	client  *ServerClient
	queue   *OfflineQueue
	pidfile *PIDFile
	updater *Updater

	agentID    string
	targets    []string
	runShield  bool
	scan       ScanFunc
	shieldScan ShieldFunc
	remediate  RemediateFunc

	running bool
}

// NewDaemon wires the daemon from config plus the agent-supplied scan
// functions. agentID is obtained from registration before the daemon
// is constructed.
func NewDaemon(cfg *Config, agentID string, targets []string, runShield bool, scan ScanFunc, shieldScan ShieldFunc, remediate RemediateFunc, currentVersion string) (*Daemon, error) {
	queue, err := NewOfflineQueue(cfg.QueueDir())
	if err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:        cfg,
		client:     NewServerClient(cfg),
		queue:      queue,
		pidfile:    NewPIDFile(cfg.PIDFile()),
		updater:    NewUpdater(cfg.DataDir, currentVersion),
		agentID:    agentID,
		targets:    targets,
		runShield:  runShield,
		scan:       scan,
		shieldScan: shieldScan,
		remediate:  remediate,
	}, nil
}

// Run acquires the PID file and enters the scan loop, blocking until
// ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.pidfile.Acquire(); err != nil {
		return err
	}
	defer d.pidfile.Release()

	d.running = true
	log.Printf("[agentd] started (PID file %s); targets=%v interval=%s", d.cfg.PIDFile(), d.targets, d.cfg.CheckInterval())

	cycle := 0
	for d.running {
		select {
		case <-ctx.Done():
			log.Printf("[agentd] shutting down")
			return nil
		default:
		}

		d.runCycle(ctx)
		d.sendHeartbeat(ctx)
		cycle++
		if cycle%d.cfg.UpdateCheckEvery == 0 {
			if err := d.updater.CheckAndApply(ctx, d.cfg.ServerURL, d.cfg.Token); err != nil {
				log.Printf("[agentd] update check: %v", err)
			}
		}

		if !d.interruptibleSleep(ctx, d.cfg.CheckInterval()) {
			return nil
		}
	}
	return nil
}

// interruptibleSleep sleeps in commandPollInterval-sized chunks,
// polling for remote commands between chunks, and returns false if ctx
// was canceled mid-sleep.
func (d *Daemon) interruptibleSleep(ctx context.Context, total time.Duration) bool {
	var elapsed time.Duration
	for elapsed < total {
		chunk := commandPollInterval
		if remaining := total - elapsed; remaining < chunk {
			chunk = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(chunk):
		}
		elapsed += chunk
		if elapsed < total {
			d.pollAndExecuteCommands(ctx)
		}
	}
	return true
}

func (d *Daemon) runCycle(ctx context.Context) {
	if d.queue.Count() > 0 {
		log.Printf("[agentd] draining %d queued item(s)...", d.queue.Count())
		sent, failed, err := d.queue.Drain(d.drainSend(ctx))
		if err != nil {
			log.Printf("[agentd] drain error: %v", err)
		} else {
			log.Printf("[agentd] drained: %d sent, %d failed", sent, failed)
		}
	}

	for _, target := range d.targets {
		log.Printf("[agentd] scanning %s...", target)
		result, err := d.scan(ctx, target)
		if err != nil {
			log.Printf("[agentd] scan failed for %s: %v", target, err)
			continue
		}

		if err := d.client.PushDiscovery(ctx, result); err != nil {
			log.Printf("[agentd] push failed for %s: %v — queuing for retry", target, err)
			if _, qerr := d.queue.Enqueue(result, "discovery"); qerr != nil {
				log.Printf("[agentd] ERROR: could not queue discovery payload: %v", qerr)
			}
			continue
		}
		log.Printf("[agentd] pushed discovery results for %s", target)

		if d.runShield && d.shieldScan != nil {
			shieldResult, err := d.shieldScan(ctx, target)
			if err != nil {
				log.Printf("[agentd] shield scan failed for %s: %v", target, err)
				continue
			}
			if err := d.client.PushShield(ctx, shieldResult); err != nil {
				log.Printf("[agentd] shield push failed for %s: %v — queuing", target, err)
				if _, qerr := d.queue.Enqueue(shieldResult, "shield"); qerr != nil {
					log.Printf("[agentd] ERROR: could not queue shield payload: %v", qerr)
				}
				continue
			}
			log.Printf("[agentd] pushed shield results for %s", target)
		}
	}
}

func (d *Daemon) drainSend(ctx context.Context) SendFunc {
	return func(payload map[string]interface{}, payloadType string) error {
		if payloadType == "shield" {
			return d.client.PushShield(ctx, payload)
		}
		return d.client.PushDiscovery(ctx, payload)
	}
}

func (d *Daemon) sendHeartbeat(ctx context.Context) {
	pending, err := d.client.Heartbeat(ctx, d.agentID)
	if err != nil {
		log.Printf("[agentd] heartbeat failed: %v", err)
		return
	}
	log.Printf("[agentd] heartbeat sent")
	if pending > 0 {
		log.Printf("[agentd] %d pending command(s) — fetching...", pending)
		d.executeCommands(ctx)
	}
}

func (d *Daemon) pollAndExecuteCommands(ctx context.Context) {
	cmds, err := d.client.PollCommands(ctx, d.agentID)
	if err != nil || len(cmds) == 0 {
		return // silent — this is a background poll
	}
	log.Printf("[agentd] %d pending command(s) detected between cycles", len(cmds))
	d.execute(ctx, cmds)
}

func (d *Daemon) executeCommands(ctx context.Context) {
	cmds, err := d.client.PollCommands(ctx, d.agentID)
	if err != nil {
		log.Printf("[agentd] failed to fetch commands: %v", err)
		return
	}
	d.execute(ctx, cmds)
}

func (d *Daemon) execute(ctx context.Context, cmds []commandPayload) {
	for _, cmd := range cmds {
		log.Printf("[agentd] executing command %s (%s)", cmd.ID, cmd.Type)
		if err := d.client.PatchCommand(ctx, cmd.ID, "ack", nil, ""); err != nil {
			log.Printf("[agentd] ack failed for %s: %v", cmd.ID, err)
		}

		switch cmd.Type {
		case "shield_scan":
			d.executeShieldScanCommand(ctx, cmd)
		case "remediate":
			d.executeRemediateCommand(ctx, cmd)
		default:
			msg := fmt.Sprintf("unknown command type: %s", cmd.Type)
			log.Printf("[agentd] %s", msg)
			d.client.PatchCommand(ctx, cmd.ID, "failed", nil, msg)
		}
	}
}

func (d *Daemon) executeRemediateCommand(ctx context.Context, cmd commandPayload) {
	if d.remediate == nil {
		d.client.PatchCommand(ctx, cmd.ID, "failed", nil, "remediation not available on this agent")
		return
	}
	d.client.PatchCommand(ctx, cmd.ID, "running", map[string]interface{}{"step": "applying remediation"}, "")
	result, err := d.remediate(ctx, cmd.Payload)
	if err != nil {
		d.client.PatchCommand(ctx, cmd.ID, "failed", nil, err.Error())
		return
	}
	d.client.PatchCommand(ctx, cmd.ID, "completed", result, "")
}

func (d *Daemon) executeShieldScanCommand(ctx context.Context, cmd commandPayload) {
	target, _ := cmd.Payload["target"].(string)
	if target == "" {
		d.client.PatchCommand(ctx, cmd.ID, "failed", nil, "missing target in command payload")
		return
	}
	d.client.PatchCommand(ctx, cmd.ID, "running", map[string]interface{}{"step": "scanning " + target}, "")

	if d.shieldScan == nil {
		d.client.PatchCommand(ctx, cmd.ID, "failed", nil, "shield scanning not available on this agent")
		return
	}
	result, err := d.shieldScan(ctx, target)
	if err != nil {
		d.client.PatchCommand(ctx, cmd.ID, "failed", nil, err.Error())
		return
	}
	if err := d.client.PushShield(ctx, result); err != nil {
		if _, qerr := d.queue.Enqueue(result, "shield"); qerr != nil {
			log.Printf("[agentd] ERROR: could not queue shield payload for command %s: %v", cmd.ID, qerr)
		}
		d.client.PatchCommand(ctx, cmd.ID, "failed", nil, err.Error())
		return
	}
	d.client.PatchCommand(ctx, cmd.ID, "completed", map[string]interface{}{"target": target}, "")
}
