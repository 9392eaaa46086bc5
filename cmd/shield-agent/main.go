// Command shield-agent is the remote scanning daemon: it discovers
// local assets, optionally runs Shield security modules, pushes both
// to the server, sends heartbeats, and executes pushed commands
// (spec.md §4.2/§6), grounded on the teacher's cmd/osiris-agent/main.go
// entrypoint and Devi-Muna-CloudSlash's cobra/viper CLI layer.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bigr-shield/sentinel/internal/agentd"
	"github.com/bigr-shield/sentinel/internal/firewall"
	"github.com/bigr-shield/sentinel/internal/shield"
	"github.com/bigr-shield/sentinel/internal/shield/modules"
)

const agentVersion = "1.0.0"

var (
	cfgFile             string
	flagServerURL       string
	flagSiteID          string
	flagHostname        string
	flagRegistrationKey string
	flagTargets         []string
	flagRunShield       bool
)

var rootCmd = &cobra.Command{
	Use:   "shield-agent",
	Short: "Shield remote scanning agent",
	RunE:  runAgent,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", defaultConfigPath(), "path to the agent's YAML config file")
	rootCmd.Flags().StringVar(&flagServerURL, "server-url", "", "Shield server base URL (e.g. https://shield.example.com)")
	rootCmd.Flags().StringVar(&flagSiteID, "site-id", "", "site label this agent reports under")
	rootCmd.Flags().StringVar(&flagHostname, "hostname", "", "hostname to register as (defaults to os.Hostname())")
	rootCmd.Flags().StringVar(&flagRegistrationKey, "registration-secret", "", "bearer token required by the server's /api/agents/register (or AGENT_REGISTRATION_SECRET)")
	rootCmd.Flags().StringSliceVar(&flagTargets, "target", nil, "discovery target (CIDR, IP, or domain); repeatable")
	rootCmd.Flags().BoolVar(&flagRunShield, "run-shield", true, "run Shield security modules against discovered targets")
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/shield-agent/config.yaml"
	}
	return filepath.Join(home, ".shield-agent", "config.yaml")
}

func main() {
	log.SetFlags(log.LstdFlags)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := applyFlagOverrides(cfgFile); err != nil {
		return fmt.Errorf("apply config overrides: %w", err)
	}

	cfg, err := agentd.Load(cfgFile)
	if err != nil {
		cfg, err = registerAndLoad(ctx, cfgFile, err)
		if err != nil {
			return err
		}
	}

	scanner := agentd.NewDiscoveryScanner()
	if !scanner.IsAvailable() {
		log.Printf("[shield-agent] WARNING: nmap not found on PATH; discovery scans will fail")
	}

	registry := modules.NewRegistry(
		modules.NewTLSModule(),
		modules.NewPortsModule(),
		modules.NewCVEModule(),
		modules.NewHeadersModule(),
		modules.NewDNSModule(),
		modules.NewCredsModule(),
		modules.NewOWASPModule(),
		modules.NewNucleiModule(),
	)
	orchestrator := shield.NewOrchestrator(registry)
	adapter := firewall.NewNoopAdapter()

	daemon, err := agentd.NewDaemon(cfg, cfg.AgentID, cfg.Targets, cfg.RunShield,
		discoveryScanFunc(scanner), shieldScanFunc(orchestrator), remediateFunc(adapter), agentVersion)
	if err != nil {
		return fmt.Errorf("init daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("[shield-agent] shutdown signal: %v", sig)
		cancel()
	}()

	return daemon.Run(ctx)
}

// applyFlagOverrides merges any server-url/site-id/hostname/target
// flags the operator passed into the on-disk config file, so a
// subsequent agentd.Load (and, if needed, registerAndLoad) sees them.
func applyFlagOverrides(path string) error {
	if flagServerURL == "" && flagSiteID == "" && flagHostname == "" && len(flagTargets) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read existing config: %w", err)
		}
	}
	if flagServerURL != "" {
		v.Set("server_url", flagServerURL)
	}
	if flagSiteID != "" {
		v.Set("site_id", flagSiteID)
	}
	if flagHostname != "" {
		v.Set("hostname", flagHostname)
	}
	if len(flagTargets) > 0 {
		v.Set("targets", flagTargets)
	}
	v.Set("run_shield", flagRunShield)
	return v.WriteConfigAs(path)
}

// registerAndLoad is reached when agentd.Load fails — almost always
// because no token has been persisted yet. It performs the one-time
// registration call and persists the result before retrying Load.
func registerAndLoad(ctx context.Context, path string, loadErr error) (*agentd.Config, error) {
	serverURL := flagServerURL
	siteID := flagSiteID
	hostname := flagHostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if _, err := os.Stat(path); err == nil {
		v.ReadInConfig()
	}
	if serverURL == "" {
		serverURL = v.GetString("server_url")
	}
	if siteID == "" {
		siteID = v.GetString("site_id")
	}

	if serverURL == "" || siteID == "" {
		return nil, fmt.Errorf("agent is not registered and --server-url/--site-id were not supplied: %w", loadErr)
	}

	registrationSecret := flagRegistrationKey
	if registrationSecret == "" {
		registrationSecret = os.Getenv("AGENT_REGISTRATION_SECRET")
	}

	log.Printf("[shield-agent] registering with %s as %s/%s", serverURL, siteID, hostname)
	resp, err := agentd.Register(ctx, serverURL, registrationSecret, siteID, hostname)
	if err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}
	log.Printf("[shield-agent] registered as agent %s", resp.AgentID)

	if err := agentd.PersistRegistration(path, resp.AgentID, resp.Token); err != nil {
		return nil, fmt.Errorf("persist registration: %w", err)
	}
	return agentd.Load(path)
}

func discoveryScanFunc(scanner *agentd.DiscoveryScanner) agentd.ScanFunc {
	return func(ctx context.Context, target string) (map[string]interface{}, error) {
		assets, err := scanner.Scan(ctx, target)
		if err != nil {
			return nil, err
		}
		payload := map[string]interface{}{
			"target":      target,
			"scan_method": "nmap_ping_sweep",
			"is_root":     os.Geteuid() == 0,
			"assets":      assets,
		}
		return payload, nil
	}
}

func shieldScanFunc(orchestrator *shield.Orchestrator) agentd.ShieldFunc {
	return func(ctx context.Context, target string) (map[string]interface{}, error) {
		sc := orchestrator.CreateScan(target, shield.TargetIP, shield.DepthStandard, shield.SensitivityNone, nil)
		if err := orchestrator.Run(ctx, sc, 0); err != nil {
			return nil, err
		}

		data, err := json.Marshal(sc)
		if err != nil {
			return nil, fmt.Errorf("marshal shield scan: %w", err)
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal shield scan: %w", err)
		}
		payload["target"] = target
		payload["started_at"] = sc.StartedAt
		payload["completed_at"] = sc.CompletedAt
		payload["modules_run"] = sc.ModulesEnabled
		payload["findings"] = sc.Findings
		return payload, nil
	}
}

// remediateFunc applies a pushed "remediate" command locally through
// the platform firewall adapter (spec.md §4.5's execute step). Only
// firewall_rule actions are auto-fixable on the agent; everything else
// is reported back as requiring manual intervention.
func remediateFunc(adapter firewall.Adapter) agentd.RemediateFunc {
	return func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		actionType, _ := payload["action_type"].(string)
		targetIP, _ := payload["target_ip"].(string)

		if actionType != "firewall_rule" {
			return map[string]interface{}{"status": "manual_required", "action_type": actionType}, nil
		}

		rule := firewall.NewRule(firewall.RuleBlockIP, targetIP, "remediation command", "remediation")
		if err := adapter.ApplyRule(ctx, rule); err != nil {
			return nil, fmt.Errorf("apply firewall rule: %w", err)
		}
		return map[string]interface{}{"status": "applied", "rule_id": rule.ID, "target_ip": targetIP}, nil
	}
}
