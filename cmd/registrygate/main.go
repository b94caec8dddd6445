package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Pirikara/registrygate/internal/audit"
	"github.com/Pirikara/registrygate/internal/config"
	"github.com/Pirikara/registrygate/internal/gateway"
	"github.com/Pirikara/registrygate/internal/logger"
	"github.com/Pirikara/registrygate/internal/policy"
	"github.com/Pirikara/registrygate/internal/rules"
	"github.com/Pirikara/registrygate/internal/vuln"
)

//go:embed config.yaml
var defaultConfigYAML []byte

var (
	// Global flags
	configPath string
	logLevel   string
	addr       string
	upstream   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "registrygate",
		Short: "Registry Gate - npm registry policy gateway",
		Long: `Registry Gate sits in front of an npm registry and decides, for every
package and version requested or published, whether to admit, block, or
substitute the artifact based on configurable policies.`,
		Example: `  registrygate serve
  registrygate check lodash@4.17.20
  registrygate validate my-pkg@1.0.0 --size 2048`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to policy config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&upstream, "upstream", "", "Upstream registry URL (overrides config)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newPrintConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *logger.Logger {
	level := logger.LevelInfo
	switch logLevel {
	case "debug":
		level = logger.LevelDebug
	case "warn":
		level = logger.LevelWarn
	case "error":
		level = logger.LevelError
	}
	return logger.NewLogger(os.Stdout, level)
}

func loadPolicy() (*config.Policy, error) {
	cfg, err := config.Load(configPath, defaultConfigYAML)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if upstream != "" {
		cfg.Server.Upstream = upstream
	}
	return cfg, nil
}

// buildRecorder opens the audit sink, defaulting to stderr JSON lines.
func buildRecorder(cfg *config.Policy) (audit.Recorder, func(), error) {
	if cfg.Server.AuditLog == "" {
		return audit.NewJSONLRecorder(os.Stderr), func() {}, nil
	}
	f, err := os.OpenFile(cfg.Server.AuditLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return audit.NewJSONLRecorder(f), func() { f.Close() }, nil
}

// buildVulnService assembles the lookup chain: OSV client behind a
// circuit breaker behind the bbolt cache.
func buildVulnService(cfg *config.Policy, log *logger.Logger) (vuln.Service, func(), error) {
	if !cfg.CVE.Enabled {
		return nil, func() {}, nil
	}

	dbPath := cfg.Server.VulnDB
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir := filepath.Join(home, ".registrygate")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
		dbPath = filepath.Join(dir, "advisories.db")
	}

	osv := vuln.NewOSVClient("")
	breaker := vuln.NewBreakerService(osv)
	cache, err := vuln.NewCache(dbPath, breaker, vuln.DefaultCacheTTL)
	if err != nil {
		return nil, nil, err
	}

	log.Info("vuln_cache_open", "Advisory cache opened", map[string]interface{}{"path": dbPath})
	return cache, func() {
		cache.Close()
		osv.Close()
	}, nil
}

func buildEngine(cfg *config.Policy, svc vuln.Service, rec audit.Recorder, log *logger.Logger) *gateway.Engine {
	store := rules.NewStore(cfg, log)
	return &gateway.Engine{
		FastPath:  policy.NewFastPath(store, log),
		Deep:      policy.NewDeep(store, svc, cfg, rec, log),
		Validator: gateway.NewValidator(store, cfg.Publish, rec, log),
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the registry policy gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			cfg, err := loadPolicy()
			if err != nil {
				return err
			}

			rec, closeRec, err := buildRecorder(cfg)
			if err != nil {
				return err
			}
			defer closeRec()

			svc, closeVuln, err := buildVulnService(cfg, log)
			if err != nil {
				return err
			}
			defer closeVuln()

			engine := buildEngine(cfg, svc, rec, log)

			server, err := gateway.NewServer(gateway.Config{
				Addr:      cfg.Server.Addr,
				Upstream:  cfg.Server.Upstream,
				FastPath:  engine.FastPath,
				Deep:      engine.Deep,
				Validator: engine.Validator,
				Recorder:  rec,
				Logger:    log,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				log.Info("signal_received", "Shutting down", nil)
				cancel()
			}()

			// Rebuild the evaluators when the config file changes.
			if configPath != "" {
				go func() {
					err := config.Watch(ctx, configPath, func() {
						next, err := loadPolicy()
						if err != nil {
							log.Error("reload_failed", "Keeping previous policy", map[string]interface{}{
								"error": err.Error(),
							})
							return
						}
						server.Reload(buildEngine(next, svc, rec, log))
					})
					if err != nil && ctx.Err() == nil {
						log.Warn("config_watch_stopped", "Config hot reload unavailable", map[string]interface{}{
							"error": err.Error(),
						})
					}
				}()
			}

			err = server.ListenAndServe(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
}

// splitRef splits "name@version", tolerating scoped names.
func splitRef(ref string) (name, version string) {
	idx := strings.LastIndex(ref, "@")
	if idx <= 0 {
		return ref, ""
	}
	return ref[:idx], ref[idx+1:]
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <package[@version]>",
		Short: "Evaluate a package reference against the fast-path policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := loadPolicy()
			if err != nil {
				return err
			}

			name, version := splitRef(args[0])
			store := rules.NewStore(cfg, log)
			decision := policy.NewFastPath(store, log).Evaluate(name, version)

			out, _ := json.MarshalIndent(map[string]interface{}{
				"package":    name,
				"version":    version,
				"blocked":    decision.Blocked,
				"blocked_by": string(decision.BlockedBy),
				"reason":     decision.Reason,
			}, "", "  ")
			fmt.Println(string(out))

			if decision.Blocked {
				os.Exit(1)
			}
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	var size int64

	cmd := &cobra.Command{
		Use:   "validate <package@version>",
		Short: "Run publish validation for a package version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := loadPolicy()
			if err != nil {
				return err
			}

			name, version := splitRef(args[0])
			store := rules.NewStore(cfg, log)
			validator := gateway.NewValidator(store, cfg.Publish, audit.NewJSONLRecorder(os.Stderr), log)

			if err := validator.Validate(name, version, size); err != nil {
				fmt.Printf("rejected: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("ok")
			return nil
		},
	}
	cmd.Flags().Int64Var(&size, "size", -1, "Tarball size in bytes (-1 to skip the size check)")
	return cmd
}

func newPrintConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadPolicy()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
