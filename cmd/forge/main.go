package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"skillforge/internal/config"
	"skillforge/internal/dispatch"
	"skillforge/internal/forge"
	"skillforge/internal/logging"
	"skillforge/internal/review"
	"skillforge/internal/store"
)

var (
	// Global flags
	verbose   bool
	workspace string
	mode      string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "skillforge - self-modifying capability loader",
	Long: `skillforge grows new skills at runtime: candidate source text is
checked against a ledger of known dead ends, authorized by a human
reviewer, compiled by the external toolchain into a loadable module,
loaded into the running process and registered for dispatch.

Every decision and outcome lands in the audit trail. Any failure rolls
the request back and snaps the safety governor to strict.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		zcfg.OutputPaths = []string{"stderr"}

		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		if err := logging.InitAudit(); err != nil {
			logger.Warn("debug audit log unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace root")
	rootCmd.PersistentFlags().StringVar(&mode, "mode", "", "execution mode override (compiled|interpreted)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(proposeCmd)
	rootCmd.AddCommand(skillsCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(governorCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(watchCmd)
}

// app bundles the wired pipeline for one CLI invocation.
type app struct {
	cfg      *config.Config
	store    *store.AuditStore
	registry *dispatch.Registry
	governor *forge.SafetyGovernor
	operator *forge.Operator
}

// newApp loads configuration and wires the full pipeline. reviewer may
// be nil for commands that never reach the gate.
func newApp(reviewer forge.Reviewer) (*app, error) {
	cfg, err := config.Load(config.DefaultConfigPath(workspace))
	if err != nil {
		return nil, err
	}
	if mode != "" {
		cfg.Forge.Mode = config.ExecutionMode(mode)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Paths in the config are workspace-relative.
	cfg.Forge.BuildDir = resolvePath(cfg.Forge.BuildDir)
	cfg.Forge.ArtifactDir = resolvePath(cfg.Forge.ArtifactDir)
	cfg.Store.DatabasePath = resolvePath(cfg.Store.DatabasePath)

	st, err := store.NewAuditStore(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}

	registry := dispatch.NewRegistry()
	governor := forge.NewSafetyGovernor(cfg.Forge.RequireAuthorization)
	operator := forge.NewOperator(cfg.Forge, governor, reviewer, registry, st)

	// An auto-revert must survive the process: in the one-shot CLI model
	// every run boots its posture from the config file.
	operator.SetGovernorPersist(saveGovernorPosture)

	if cfg.Forge.RestoreOnBoot && cfg.Forge.Mode == config.ModeCompiled {
		restored, err := operator.RestoreArtifacts()
		if err != nil {
			logger.Warn("artifact restore failed", zap.Error(err))
		} else if restored > 0 {
			logger.Info("restored skills from artifacts", zap.Int("count", restored))
		}
	}

	return &app{
		cfg:      cfg,
		store:    st,
		registry: registry,
		governor: governor,
		operator: operator,
	}, nil
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

// saveGovernorPosture rewrites only the governor flag in the config
// file, loading it fresh so resolved runtime paths never leak back in.
func saveGovernorPosture(requireAuthorization bool) error {
	path := config.DefaultConfigPath(workspace)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	cfg.Forge.RequireAuthorization = requireAuthorization
	return cfg.Save(path)
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// =============================================================================
// forge init
// =============================================================================

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration into the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultConfigPath(workspace)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}

		cfg := config.DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

// =============================================================================
// forge propose
// =============================================================================

var (
	proposeRationale string
	proposeStdin     bool
)

var proposeCmd = &cobra.Command{
	Use:   "propose <identifier> [source-file]",
	Short: "Propose a new skill from source text",
	Long: `Propose runs the full pipeline for one candidate skill: ledger check,
review, compile, load, register. Unless the governor is relaxed, the
proposal is presented on the terminal and waits for a yes/no decision.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		identifier := args[0]

		var source []byte
		var err error
		switch {
		case proposeStdin:
			source, err = readAll(os.Stdin)
		case len(args) == 2:
			source, err = os.ReadFile(args[1])
		default:
			return fmt.Errorf("provide a source file or --stdin")
		}
		if err != nil {
			return fmt.Errorf("failed to read source: %w", err)
		}

		a, err := newApp(review.NewTerminalReviewer())
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := signalContext()
		defer cancel()

		start := time.Now()
		result, err := a.operator.Propose(ctx, identifier, string(source), proposeRationale)
		if err != nil {
			return reportPipelineError(err, result)
		}

		fmt.Printf("Registered %s (severity=%s", identifier, result.Severity)
		if result.Artifact != "" {
			fmt.Printf(", artifact=%s", result.Artifact)
		}
		fmt.Printf(") in %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	proposeCmd.Flags().StringVarP(&proposeRationale, "rationale", "r", "", "why this skill should exist")
	proposeCmd.Flags().BoolVar(&proposeStdin, "stdin", false, "read source from stdin")
}

// reportPipelineError turns structured pipeline errors into operator
// friendly output and a non-zero exit.
func reportPipelineError(err error, result *forge.Result) error {
	var dead *forge.DeadEndError
	var denied *forge.NotAuthorizedError
	var compile *forge.CompileError
	var load *forge.LoadError

	switch {
	case errors.As(err, &dead):
		return fmt.Errorf("dead end: this exact source already failed (%s), seen %d time(s); change the source and try again",
			dead.Reason, dead.Occurrences)
	case errors.As(err, &denied):
		return fmt.Errorf("not authorized: %s", denied.Reason)
	case errors.As(err, &compile):
		fmt.Fprintln(os.Stderr, strings.TrimSpace(compile.Diagnostics))
		return fmt.Errorf("compile failed for %s (governor reverted to strict)", compile.Identifier)
	case errors.As(err, &load):
		return fmt.Errorf("load failed (governor reverted to strict): %v", load)
	default:
		if result != nil {
			return fmt.Errorf("pipeline failed at %s: %w", result.Stage, err)
		}
		return err
	}
}

// =============================================================================
// forge skills
// =============================================================================

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "List registered skills",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		skills := a.registry.All()
		if len(skills) == 0 {
			fmt.Println("No skills registered.")
			return nil
		}

		for _, name := range a.registry.Names() {
			s := a.registry.Get(name)
			desc := s.Description
			if desc == "" {
				desc = "(no description)"
			}
			fmt.Printf("%-24s %-8s %s\n", s.Name, s.Origin, desc)
		}
		return nil
	},
}

// =============================================================================
// forge invoke
// =============================================================================

var (
	invokeArgs    []string
	invokeArgJSON string
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <skill>",
	Short: "Invoke a registered skill",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		callArgs, err := parseInvokeArgs()
		if err != nil {
			return err
		}

		a, err := newApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := signalContext()
		defer cancel()

		res, err := a.operator.Invoke(ctx, args[0], callArgs)
		if err != nil {
			var ierr *forge.InvokeError
			if errors.As(err, &ierr) {
				return fmt.Errorf("skill failed: %s", ierr.Detail)
			}
			return err
		}

		fmt.Println(res.Result)
		if verbose {
			logger.Debug("invoke complete",
				zap.String("skill", res.SkillName),
				zap.Int64("duration_ms", res.DurationMs))
		}
		return nil
	},
}

func init() {
	invokeCmd.Flags().StringArrayVarP(&invokeArgs, "arg", "a", nil, "argument as key=value (repeatable)")
	invokeCmd.Flags().StringVar(&invokeArgJSON, "json", "", "arguments as a JSON object")
}

func parseInvokeArgs() (map[string]any, error) {
	out := make(map[string]any)
	if invokeArgJSON != "" {
		if err := json.Unmarshal([]byte(invokeArgJSON), &out); err != nil {
			return nil, fmt.Errorf("invalid --json: %w", err)
		}
	}
	for _, kv := range invokeArgs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --arg %q, want key=value", kv)
		}
		out[key] = value
	}
	return out, nil
}

// =============================================================================
// forge governor
// =============================================================================

var governorCmd = &cobra.Command{
	Use:   "governor <on|off|status>",
	Short: "Inspect or flip the safety governor",
	Long: `The governor controls whether proposals require human authorization.
"off" relaxes it for autonomous operation; any compile or load failure
snaps it back to strict. The flip is persisted in the configuration.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		switch args[0] {
		case "status":
			if a.governor.IsEnabled() {
				fmt.Println("governor: strict (authorization required)")
			} else {
				fmt.Println("governor: relaxed (autonomous)")
			}
			return nil

		case "on", "off":
			enabled := args[0] == "on"
			a.governor.Set(enabled, "kill switch")
			if err := saveGovernorPosture(enabled); err != nil {
				return fmt.Errorf("governor flipped but config not saved: %w", err)
			}
			fmt.Printf("governor: require_authorization=%v\n", enabled)
			return nil

		default:
			return fmt.Errorf("unknown governor action %q", args[0])
		}
	},
}

// =============================================================================
// forge audit
// =============================================================================

var (
	auditLimit int
	auditSkill string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit trail",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		var records []store.AuditRecord
		if auditSkill != "" {
			records, err = a.store.ByIdentifier(auditSkill)
		} else {
			records, err = a.store.Recent(auditLimit)
		}
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No audit records.")
			return nil
		}

		for _, rec := range records {
			line := fmt.Sprintf("%s  %-16s %-14s %-10s %s",
				rec.CreatedAt.Format("2006-01-02 15:04:05"),
				rec.Identifier, rec.Outcome, rec.Status, rec.Severity)
			if rec.AuthorizedBy != "" {
				line += "  by=" + rec.AuthorizedBy
			}
			fmt.Println(line)
			if verbose && rec.Detail != "" {
				fmt.Printf("    %s\n", strings.ReplaceAll(strings.TrimSpace(rec.Detail), "\n", "\n    "))
			}
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 20, "number of records to show")
	auditCmd.Flags().StringVarP(&auditSkill, "skill", "s", "", "filter by skill identifier")
}

// =============================================================================
// forge watch
// =============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run resident, binding and unbinding skills as artifacts change",
	Long: `Watch restores all artifacts, then keeps running: an artifact dropped
into the artifact directory is loaded and bound, a removed artifact has
its skill unbound. Stop with Ctrl-C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := signalContext()
		defer cancel()

		if err := a.operator.WatchArtifacts(ctx); err != nil {
			return err
		}
		fmt.Printf("Watching %s with %d skill(s) bound. Ctrl-C to stop.\n",
			a.cfg.Forge.ArtifactDir, a.registry.Count())

		<-ctx.Done()
		fmt.Println("Stopped.")
		return nil
	},
}

func readAll(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err == nil && info.Mode()&os.ModeCharDevice != 0 {
		return nil, fmt.Errorf("stdin is a terminal")
	}
	return io.ReadAll(f)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
