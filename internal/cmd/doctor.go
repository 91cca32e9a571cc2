package cmd

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gopds/internal/config"
	"github.com/3leaps/gopds/internal/node"
	"github.com/3leaps/gopds/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks against the configuration, the shared store and
the delegate target, and report what would keep a node from starting.

Examples:
  gopds doctor
  gopds doctor --config /etc/gopds.yaml`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) (string, error)
}

func doctorChecks() []doctorCheck {
	return []doctorCheck{
		{"Go version", func(context.Context, *config.Config) (string, error) {
			return runtime.Version(), nil
		}},
		{"Gofulmen", func(context.Context, *config.Config) (string, error) {
			v := crucible.GetVersion()
			if v.Gofulmen == "" {
				return "", fmt.Errorf("gofulmen version unavailable")
			}
			return "v" + v.Gofulmen, nil
		}},
		{"Server id", func(_ context.Context, cfg *config.Config) (string, error) {
			return cfg.PDS.ServerID, nil
		}},
		{"Store", checkStore},
		{"Delegate", checkDelegate},
	}
}

func checkStore(ctx context.Context, cfg *config.Config) (string, error) {
	stores, err := node.OpenStores(ctx, cfg.Store)
	if err != nil {
		return "", err
	}
	defer func() { _ = stores.Close() }()
	if err := stores.CheckHealth(ctx); err != nil {
		return "", err
	}
	if cfg.Store.URL != "" {
		return cfg.Store.URL, nil
	}
	return fmt.Sprintf("%s (%s)", cfg.Store.Driver, cfg.Store.Path), nil
}

func checkDelegate(ctx context.Context, cfg *config.Config) (string, error) {
	base := strings.TrimRight(cfg.Delegate.BaseURL, "/")
	if base == "" {
		return "not configured, jobs finish without execution", nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s/health returned %d", base, resp.StatusCode)
	}
	return base, nil
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	log.Info("=== " + binaryName + " doctor ===")
	log.Info("Running diagnostic checks...")

	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		log.Error("Configuration... ❌", zap.Error(err))
		return err
	}

	checks := doctorChecks()
	failed := 0
	for i, c := range checks {
		detail, err := c.run(cmd.Context(), cfg)
		if err != nil {
			failed++
			log.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌", i+1, len(checks), c.name), zap.Error(err))
			continue
		}
		log.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", i+1, len(checks), c.name, detail))
	}

	if failed > 0 {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, "Doctor found problems", fmt.Errorf("failed_checks=%d", failed))
	}
	log.Info("✅ All checks passed!")
	return nil
}
