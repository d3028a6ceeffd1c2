// Package cli implements pravasictl, the operator tool for inspecting and
// checking workflow definitions without a running server.
package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pitabwire/pravasi/internal/definition"
	"github.com/pitabwire/pravasi/model"
)

// env carries the flags shared by every subcommand.
type env struct {
	dirs    []string
	noColor bool
	now     func() time.Time
}

// RootCmd returns the pravasictl command tree.
func RootCmd(version string) *cobra.Command {
	return newRootCmd(version, time.Now)
}

func newRootCmd(version string, now func() time.Time) *cobra.Command {
	e := &env{now: now}

	root := &cobra.Command{
		Use:     "pravasictl",
		Short:   "Inspect migrant-worker workflow definitions",
		Version: version,
		Long: `pravasictl loads the workflow definition files used by pravasid and
answers questions about them: which stages a machine has, where an entity
may move next, and how far an SLA clock has run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if e.noColor {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().StringSliceVarP(&e.dirs, "definitions", "d", []string{"./definitions"},
		"definition directories (comma separated or repeated)")
	root.PersistentFlags().BoolVar(&e.noColor, "no-color", false, "disable coloured output")

	root.AddCommand(ValidateCmd(e))
	root.AddCommand(MachinesCmd(e))
	root.AddCommand(StagesCmd(e))
	root.AddCommand(NextCmd(e))
	root.AddCommand(CanCmd(e))
	root.AddCommand(PoliciesCmd(e))
	root.AddCommand(AssessCmd(e))
	return root
}

// load reads and validates every definition file. Validation failures are
// returned as a single error listing the first problem and the total count.
func (e *env) load() (*definition.Registry, error) {
	files, err := definition.NewLoader().LoadAll(e.dirs)
	if err != nil {
		return nil, err
	}
	if errs := definition.NewValidator().Validate(files); len(errs) > 0 {
		return nil, fmt.Errorf("definitions invalid (%d problems): %w", len(errs), errs[0])
	}
	return definition.NewRegistry(files), nil
}

func bandLabel(b model.RiskBand) string {
	switch b {
	case model.RiskBreached:
		return color.New(color.FgRed, color.Bold).Sprint(string(b))
	case model.RiskAtRisk:
		return color.New(color.FgYellow).Sprint(string(b))
	default:
		return color.New(color.FgHiGreen).Sprint(string(b))
	}
}

func terminalMarker(terminal bool) string {
	if !terminal {
		return ""
	}
	return color.New(color.FgHiBlack).Sprint("[terminal]")
}
