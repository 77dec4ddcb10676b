// Package main is the entry point for the perimetra binary.
// It provides a CLI for driving crossings, verifications, and trust
// reporting against a local governance store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/perimetra/perimetra-oss/internal/governance"
	"github.com/perimetra/perimetra-oss/pkg/attest"
	"github.com/perimetra/perimetra-oss/pkg/config"
	"github.com/perimetra/perimetra-oss/pkg/control"
	"github.com/perimetra/perimetra-oss/pkg/crossing"
	"github.com/perimetra/perimetra-oss/pkg/domain"
	"github.com/perimetra/perimetra-oss/pkg/logging"
	"github.com/perimetra/perimetra-oss/pkg/registry"
	"github.com/perimetra/perimetra-oss/pkg/seal"
	"github.com/perimetra/perimetra-oss/pkg/storage"
	"github.com/perimetra/perimetra-oss/pkg/telemetry"
	"github.com/perimetra/perimetra-oss/pkg/verify"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for perimetra
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "perimetra",
		Short: "Trust boundary governance CLI",
		Long: `Drives operations across registered trust boundaries: submitting,
authorizing and executing crossing requests, verifying boundary integrity,
and reporting trust standing.

State lives in sealed local stores shared with the perimetra-core daemon.
Configure a stable seal key (seal.key or seal.key_file) so records written
by one invocation verify in the next.

Example:
  perimetra submit --source b-edge --target b-core --requester svc-orders
  perimetra authorize 7d9acfe2 --authorizer ops-1
  perimetra execute 7d9acfe2
  perimetra verify b-core`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newSubmitCmd(),
		newAuthorizeCmd(),
		newExecuteCmd(),
		newAttestCmd(),
		newStatusCmd(),
		newListCmd(),
		newTrailCmd(),
		newVerifyCmd(),
		newReportViolationCmd(),
		newTrustCmd(),
		newBoundariesCmd(),
	)

	return rootCmd
}

// runtime is the CLI's working set, wired from configuration: sealed local
// stores, the boundary registry, and the services operating over them.
type runtime struct {
	cfg           *config.Config
	logger        *slog.Logger
	sealer        *seal.Service
	registry      domain.BoundaryRegistry
	crossings     storage.CrossingStore
	verifications storage.VerificationStore
	coordinator   *crossing.Coordinator
	verifier      *verify.Verifier
	attester      *attest.Service
	shutdown      func()
}

func newRuntime(cmd *cobra.Command) (*runtime, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	// Pretty logging on stderr; stdout carries only JSON results.
	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: true,
		Writer: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)

	shutdown := func() {}
	if cfg.Telemetry.OTLPEndpoint != "" {
		stop, err := telemetry.SetupProvider(cmd.Context(), telemetry.Config{
			ServiceName: "perimetra",
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("setting up telemetry: %w", err)
		}
		shutdown = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := stop(ctx); err != nil {
				logger.Error("Telemetry shutdown failed", "error", err)
			}
		}
	}

	key, err := cfg.Seal.ResolveKey()
	if err != nil {
		return nil, err
	}
	ephemeralKey := len(key) == 0
	if ephemeralKey {
		logger.Warn("No seal key configured; records sealed in this run will not verify in later runs")
	}
	sealer, err := seal.New(key)
	if err != nil {
		return nil, err
	}

	boundaryRegistry, err := openRegistry(cfg.Registry, logger)
	if err != nil {
		return nil, err
	}

	crossings, err := storage.NewFileCrossingStore(storage.FileConfig{
		Path:        cfg.Storage.CrossingsPath(),
		TrustMedium: cfg.Storage.TrustMedium,
	}, sealer)
	if err != nil {
		return nil, sealHint(err, ephemeralKey)
	}
	verifications, err := storage.NewFileVerificationStore(storage.FileConfig{
		Path:        cfg.Storage.VerificationsPath(),
		TrustMedium: cfg.Storage.TrustMedium,
	}, sealer)
	if err != nil {
		return nil, sealHint(err, ephemeralKey)
	}

	attester := attest.New(sealer)

	coordinator, err := crossing.NewCoordinator(crossing.CoordinatorConfig{
		Registry:     boundaryRegistry,
		Store:        crossings,
		Evaluator:    control.NewEvaluator(control.Hooks{Limiter: governance.NewRateLimiter(nil)}),
		Attestations: attester,
		Decay:        decayConfig(cfg),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	verifier, err := verify.NewVerifier(verify.VerifierConfig{
		Registry:     boundaryRegistry,
		Store:        verifications,
		Evaluator:    control.NewEvaluator(control.Hooks{Limiter: governance.NewRateLimiter(nil)}),
		Sealer:       sealer,
		Attestations: attester,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:           cfg,
		logger:        logger,
		sealer:        sealer,
		registry:      boundaryRegistry,
		crossings:     crossings,
		verifications: verifications,
		coordinator:   coordinator,
		verifier:      verifier,
		attester:      attester,
		shutdown:      shutdown,
	}, nil
}

func (rt *runtime) close() {
	rt.shutdown()
}

// openRegistry loads the configured boundary file into a memory registry.
// The CLI runs one operation and exits, so it has no use for hot reload.
func openRegistry(cfg config.RegistryConfig, logger *slog.Logger) (domain.BoundaryRegistry, error) {
	memory := registry.NewMemory()
	if cfg.File == "" {
		logger.Warn("No registry file configured; no boundaries are registered")
		return memory, nil
	}

	boundaries, err := registry.LoadFile(cfg.File)
	if err != nil {
		return nil, err
	}
	for _, boundary := range boundaries {
		if err := memory.Put(boundary); err != nil {
			return nil, err
		}
	}
	return memory, nil
}

func decayConfig(cfg *config.Config) crossing.Config {
	return crossing.Config{
		DecayDenied:       cfg.Decay.Denied,
		DecayFailed:       cfg.Decay.Failed,
		DecayUnauthorized: cfg.Decay.Unauthorized,
	}
}

// sealHint makes the most common CLI misconfiguration actionable: records
// written under an ephemeral key cannot verify in a later run. A tamper
// error under a stable key is reported as is.
func sealHint(err error, ephemeralKey bool) error {
	if ephemeralKey && errors.Is(err, domain.ErrSealTampered) {
		return fmt.Errorf("%w (set seal.key or seal.key_file so every run seals with the same key)", err)
	}
	return err
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed key=value pair %q", pair)
		}
		out[key] = value
	}
	return out, nil
}

func stringFlag(cmd *cobra.Command, name string) (string, error) {
	value, err := cmd.Flags().GetString(name)
	if err != nil {
		return "", fmt.Errorf("failed to get %s flag: %w", name, err)
	}
	return value, nil
}

func boolFlag(cmd *cobra.Command, name string) (bool, error) {
	value, err := cmd.Flags().GetBool(name)
	if err != nil {
		return false, fmt.Errorf("failed to get %s flag: %w", name, err)
	}
	return value, nil
}
