package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/healwatch/internal/inspect"
	"github.com/psantana5/healwatch/internal/logging"
)

// errInvalidArtifacts makes the command exit non-zero after printing results
var errInvalidArtifacts = errors.New("one or more artifacts are invalid")

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check artifacts with the same inspector the detector uses",
	Long: `Validates each file the way the supervisor does: Go, YAML and JSON are
parsed in process, other extensions run the command configured under
inspector.commands.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

type validateResult struct {
	Path   string          `json:"path"`
	Valid  bool            `json:"valid"`
	Defect *inspect.Defect `json:"defect,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	inspector := inspect.New(cfg.Inspector, logging.Discard())
	results := make([]validateResult, 0, len(args))
	failed := false
	for _, path := range args {
		res := validateResult{Path: path}
		defect, err := inspector.Validate(cmd.Context(), path)
		switch {
		case err != nil:
			res.Error = err.Error()
			failed = true
		case defect != nil:
			res.Defect = defect
			failed = true
		default:
			res.Valid = true
		}
		results = append(results, res)
	}

	if IsJSONOutput() {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("File", "Valid", "Line", "Problem")
		for _, r := range results {
			line, problem := "", r.Error
			if r.Defect != nil {
				problem = r.Defect.Message
				if r.Defect.Line > 0 {
					line = strconv.Itoa(r.Defect.Line)
				}
			}
			table.Append(r.Path, fmt.Sprintf("%t", r.Valid), line, problem)
		}
		table.Render()
	}

	if failed {
		return errInvalidArtifacts
	}
	return nil
}
