package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/reflow-labs/reflow/loader"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate intent, node, and workflow files without installing them",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

// fileVerdict is one file's validation outcome.
type fileVerdict struct {
	File  string `json:"file"`
	Kind  string `json:"kind,omitempty"`
	ID    string `json:"id,omitempty"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	verdicts := make([]fileVerdict, 0, len(args))
	failed := false
	for _, path := range args {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", path)
		}
		verdict := validateFile(path)
		if !verdict.Valid {
			failed = true
		}
		verdicts = append(verdicts, verdict)
	}

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(verdicts)
	} else {
		printVerdictsText(out, verdicts)
	}

	if failed {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

func validateFile(path string) fileVerdict {
	doc, err := loader.LoadDocument(path)
	if err != nil {
		return fileVerdict{File: path, Error: err.Error()}
	}

	verdict := fileVerdict{File: path, Kind: string(doc.Kind), Valid: true}
	switch doc.Kind {
	case loader.DocKindIntent:
		verdict.ID = doc.Intent.ID
	case loader.DocKindNode:
		verdict.ID = doc.Node.ID
	case loader.DocKindWorkflow:
		verdict.ID = doc.Workflow.ID
	}
	return verdict
}

func printVerdictsText(w io.Writer, verdicts []fileVerdict) {
	invalid := 0
	for _, v := range verdicts {
		if v.Valid {
			fmt.Fprintf(w, "OK   %s (%s %s)\n", v.File, v.Kind, v.ID)
			continue
		}
		invalid++
		fmt.Fprintf(w, "FAIL %s: %s\n", v.File, v.Error)
	}

	if invalid == 0 {
		fmt.Fprintln(w, "Valid!")
		return
	}
	fmt.Fprintf(w, "\n%d of %d %s invalid\n", invalid, len(verdicts), pluralize("file", len(verdicts)))
}

// pluralize returns the singular or plural form of a word based on count.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
