package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/reflow-labs/reflow"
	"github.com/reflow-labs/reflow/catalog"
	"github.com/reflow-labs/reflow/config"
	"github.com/reflow-labs/reflow/loader"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Orchestrate a free-form request against the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().String("config", "", "Path to reflow.yaml")
	cmd.Flags().String("catalog", "", "Catalog SQLite path, or \"memory\" for an in-memory catalog")
	cmd.Flags().String("seed", "", "Directory of intent/node/workflow files to install before running")
	cmd.Flags().String("format", "pretty", "Output format: pretty | json")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Orchestration timeout")
	cmd.Flags().Bool("report", false, "Include the observability report in the output")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	request := strings.TrimSpace(strings.Join(args, " "))
	format, _ := cmd.Flags().GetString("format")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	withReport, _ := cmd.Flags().GetBool("report")
	configPath, _ := cmd.Flags().GetString("config")
	seedDir, _ := cmd.Flags().GetString("seed")
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return exitError(exitRuntime, "loading configuration: %v", err)
	}

	cat, closeCatalog, err := openCatalog(cmd, cfg)
	if err != nil {
		return err
	}
	defer closeCatalog()

	if seedDir == "" {
		seedDir = cfg.SeedDir
	}
	if seedDir != "" {
		if err := loader.Seed(cmd.Context(), cat, seedDir); err != nil {
			return exitError(exitValidation, "seeding catalog: %v", err)
		}
	}

	engine, err := BuildEngine(cmd.Context(), EngineConfig{Config: cfg, Catalog: cat})
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr
		}
		return exitError(exitRuntime, "building engine: %v", err)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	result, err := engine.Orchestrator.Handle(ctx, request)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return exitError(exitTimeout, "orchestration timed out after %s", timeout)
		}
		return exitError(exitRuntime, "%v", err)
	}

	if !withReport {
		result.Report = nil
	}
	return writeRunResult(out, result, format)
}

func writeRunResult(out io.Writer, result *reflow.OrchestrationResult, format string) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintf(out, "Intent:   %s", result.IntentName)
	if result.IntentCreated {
		fmt.Fprint(out, " (new)")
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Workflow: %s\n", result.WorkflowID)
	if len(result.Outputs) > 0 {
		fmt.Fprintln(out, "Outputs:")
		pretty, err := json.MarshalIndent(result.Outputs, "  ", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %s\n", pretty)
	}
	if result.Report != nil {
		fmt.Fprintln(out, "Report:")
		pretty, err := json.MarshalIndent(result.Report, "  ", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %s\n", pretty)
	}
	return nil
}

// openCatalog resolves the --catalog flag (falling back to the
// configured DSN) to a catalog backend.
func openCatalog(cmd *cobra.Command, cfg config.Config) (catalog.Catalog, func(), error) {
	dsn, _ := cmd.Flags().GetString("catalog")
	if dsn == "" {
		dsn = cfg.CatalogDSN
	}
	if dsn == "memory" {
		return catalog.NewMemory(), func() {}, nil
	}

	sqliteCatalog, err := catalog.NewSQLite(dsn)
	if err != nil {
		return nil, nil, exitError(exitRuntime, "opening catalog %s: %v", dsn, err)
	}
	return sqliteCatalog, func() { _ = sqliteCatalog.Close() }, nil
}
