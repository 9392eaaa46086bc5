// Command shieldd is the Shield server: it terminates the agent
// control plane, the ingest endpoints, and the operator-facing
// firewall/collective/remediation/Shield APIs on one HTTP listener
// (spec.md §6), grounded on the teacher's cmd/checkin-receiver and
// cmd/appliance-daemon entrypoints and Devi-Muna-CloudSlash's
// cobra/viper root command wiring.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bigr-shield/sentinel/internal/collective"
	"github.com/bigr-shield/sentinel/internal/control"
	"github.com/bigr-shield/sentinel/internal/firewall"
	"github.com/bigr-shield/sentinel/internal/httpapi"
	"github.com/bigr-shield/sentinel/internal/remediation"
	"github.com/bigr-shield/sentinel/internal/shield"
	"github.com/bigr-shield/sentinel/internal/shield/modules"
	"github.com/bigr-shield/sentinel/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "shieldd",
	Short: "Shield server: control plane, ingest, and operator API",
	RunE:  runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	rootCmd.Flags().String("listen-addr", ":8443", "HTTP listen address")
	rootCmd.Flags().String("database-url", "", "database DSN (postgres://... or sqlite://...)")
	rootCmd.Flags().String("registration-secret", "", "bearer token required on /api/agents/register (empty = open registration)")
	rootCmd.Flags().Float64("collective-epsilon", 1.0, "differential-privacy epsilon for the collective engine")
	rootCmd.Flags().Int("collective-k-anonymity", 3, "minimum distinct reporters before a collective report is exposed")
	rootCmd.Flags().Int("deadman-timeout-minutes", 30, "minutes of silence before an agent is considered dead")
	rootCmd.Flags().Bool("deadman-enabled", true, "enable the dead-man-switch audit")
	rootCmd.Flags().Int("ingest-rate-limit", 30, "max ingest requests per agent per window")
	rootCmd.Flags().Int("ingest-rate-window-seconds", 60, "ingest rate limit window, in seconds")

	viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen-addr"))
	viper.BindPFlag("database_url", rootCmd.Flags().Lookup("database-url"))
	viper.BindPFlag("registration_secret", rootCmd.Flags().Lookup("registration-secret"))
	viper.BindPFlag("collective_epsilon", rootCmd.Flags().Lookup("collective-epsilon"))
	viper.BindPFlag("collective_k_anonymity", rootCmd.Flags().Lookup("collective-k-anonymity"))
	viper.BindPFlag("deadman_timeout_minutes", rootCmd.Flags().Lookup("deadman-timeout-minutes"))
	viper.BindPFlag("deadman_enabled", rootCmd.Flags().Lookup("deadman-enabled"))
	viper.BindPFlag("ingest_rate_limit", rootCmd.Flags().Lookup("ingest-rate-limit"))
	viper.BindPFlag("ingest_rate_window_seconds", rootCmd.Flags().Lookup("ingest-rate-window-seconds"))
}

func initConfig() {
	viper.SetEnvPrefix("SHIELD")
	viper.AutomaticEnv()
	// DATABASE_URL and AGENT_REGISTRATION_SECRET are read bare (no
	// SHIELD_ prefix) to match spec.md §6's named environment variables.
	viper.BindEnv("database_url", "DATABASE_URL")
	viper.BindEnv("registration_secret", "AGENT_REGISTRATION_SECRET")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("[shieldd] read config %s: %v", cfgFile, err)
		}
	}
}

func main() {
	log.SetFlags(log.LstdFlags)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	dsn := viper.GetString("database_url")
	if dsn == "" {
		return fmt.Errorf("database_url is required (set --database-url or DATABASE_URL)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	log.Printf("[shieldd] connected to database")

	epsilon := viper.GetFloat64("collective_epsilon")
	kAnon := viper.GetInt("collective_k_anonymity")
	collectiveEngine, err := collective.NewEngine(st, epsilon, kAnon)
	if err != nil {
		return fmt.Errorf("init collective engine: %w", err)
	}

	fw := firewall.NewService(st, firewall.NewNoopAdapter())
	if err := fw.Reload(ctx); err != nil {
		return fmt.Errorf("load firewall rules: %w", err)
	}

	commandQueue := control.NewCommandQueue(st)
	remediationEngine := remediation.NewEngine(st, st, st, commandQueue)

	deadManCfg := remediation.DefaultDeadManConfig()
	deadManCfg.TimeoutMinutes = viper.GetInt("deadman_timeout_minutes")
	deadManCfg.Enabled = viper.GetBool("deadman_enabled")
	deadMan := remediation.NewDeadManSwitch(st, deadManCfg)

	registry := modules.NewRegistry(
		modules.NewTLSModule(),
		modules.NewPortsModule(),
		modules.NewCVEModule(),
		modules.NewHeadersModule(),
		modules.NewDNSModule(),
		modules.NewCredsModule(),
		modules.NewOWASPModule(),
	)
	orchestrator := shield.NewOrchestrator(registry)

	controlAPI := &control.API{
		Auth:               control.NewAuthenticator(st),
		Commands:           commandQueue,
		RateLimiter:        control.NewIngestRateLimiter(viper.GetInt("ingest_rate_limit"), viper.GetInt("ingest_rate_window_seconds")),
		RegistrationSecret: viper.GetString("registration_secret"),
		Reg:                st,
	}

	api := httpapi.NewAPI(controlAPI, st, fw, collectiveEngine, remediationEngine, deadMan, orchestrator, registry)
	router := api.NewRouter()

	go runCollectiveCleanup(ctx, collectiveEngine)

	addr := viper.GetString("listen_addr")
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("[shieldd] shutdown signal: %v", sig)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[shieldd] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	log.Println("[shieldd] stopped")
	return nil
}

// runCollectiveCleanup sweeps expired collective signals once an hour
// until ctx is canceled, matching spec.md §4.4's "cleaned on demand or
// by a schedule."
func runCollectiveCleanup(ctx context.Context, engine *collective.Engine) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := engine.CleanupExpired(ctx, 72*time.Hour)
			if err != nil {
				log.Printf("[collective] cleanup sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				log.Printf("[collective] cleanup swept %d expired signal(s)", removed)
			}
		}
	}
}
