package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pitabwire/pravasi/internal/definition"
	"github.com/pitabwire/pravasi/internal/transition"
)

// ValidateCmd checks the definition directories and reports every problem.
func ValidateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate definition files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			files, err := definition.NewLoader().LoadAll(e.dirs)
			if err != nil {
				return err
			}

			errs := definition.NewValidator().Validate(files)
			if len(errs) > 0 {
				for _, ve := range errs {
					fmt.Fprintf(out, "%s %s [%s] %s\n",
						color.New(color.FgRed).Sprint("✗"), ve.Path, ve.Code, ve.Message)
				}
				return fmt.Errorf("%d definition problems", len(errs))
			}

			reg := definition.NewRegistry(files)
			fmt.Fprintf(out, "%s %d files, %d machines, %d policies (checksum %s)\n",
				color.New(color.FgGreen).Sprint("✓"),
				len(files), reg.Len(), len(reg.Policies()), reg.Checksum())
			return nil
		},
	}
}

// MachinesCmd lists the loaded machines.
func MachinesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "machines",
		Short: "List workflow machines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := e.load()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MACHINE\tLABEL\tVERSION\tINITIAL\tSTAGES")
			for _, name := range reg.MachineNames() {
				m, err := reg.Machine(name)
				if err != nil {
					return err
				}
				def := m.Definition()
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", name, def.Label, def.Version, m.Initial().ID, len(m.Stages()))
			}
			return w.Flush()
		},
	}
}

// StagesCmd prints a machine's stages in order with their progress.
func StagesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "stages <machine>",
		Short: "List the stages of a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := e.load()
			if err != nil {
				return err
			}
			m, err := reg.Machine(args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ORDER\tSTAGE\tLABEL\tPROGRESS\t")
			for _, s := range m.Stages() {
				p, err := m.Progress(s.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d%%\t%s\n", s.Order, s.ID, s.Label, p, terminalMarker(s.Terminal))
			}
			return w.Flush()
		},
	}
}

// NextCmd prints the stages reachable in one step from a stage.
func NextCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "next <machine> <stage>",
		Short: "Show the valid next stages",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := e.load()
			if err != nil {
				return err
			}
			next, err := transition.NewValidator(reg).ValidNext(args[0], args[1])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(next) == 0 {
				fmt.Fprintf(out, "%s is terminal; no further stages\n", args[1])
				return nil
			}
			for _, s := range next {
				fmt.Fprintf(out, "%s\t%s %s\n", s.ID, s.Label, terminalMarker(s.Terminal))
			}
			return nil
		},
	}
}

// CanCmd answers whether one transition is allowed. A denied transition
// exits non-zero so the command can gate scripts.
func CanCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "can <machine> <from> <to>",
		Short: "Check whether a transition is allowed",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := e.load()
			if err != nil {
				return err
			}
			if err := transition.NewValidator(reg).Check(args[0], args[1], args[2]); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", color.New(color.FgRed).Sprint("denied:"), err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s\n", color.New(color.FgGreen).Sprint("allowed:"), args[1], args[2])
			return nil
		},
	}
}
