package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitabwire/pravasi/internal/compliance"
)

// PoliciesCmd lists the SLA policies.
func PoliciesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List SLA policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := e.load()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tMACHINE\tTHRESHOLD\tAT RISK\tCLOCK STARTS\tACTIVE IN")
			for _, p := range reg.Policies() {
				atRisk := "-"
				if !p.TwoBand() {
					atRisk = fmt.Sprintf("%.0f%%", p.RiskThresholdFraction*100)
				}
				ref := p.ReferenceStage
				if ref == "" {
					ref = "registration"
				}
				active := "any"
				if len(p.ActiveStages) > 0 {
					active = strings.Join(p.ActiveStages, ",")
				}
				fmt.Fprintf(w, "%s\t%s\t%d %s\t%s\t%s\t%s\n",
					p.Key, p.Machine, p.Threshold, p.Unit, atRisk, ref, active)
			}
			return w.Flush()
		},
	}
}

// AssessCmd runs the SLA clock for one policy between two instants.
func AssessCmd(e *env) *cobra.Command {
	var (
		policy string
		since  string
		at     string
	)

	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Classify elapsed time against an SLA policy",
		Long: `Assess reports the risk band of an entity whose clock started at --since,
evaluated at --at (default: now). Times are RFC 3339.`,
		Example: `  pravasictl assess --policy complaint.high --since 2026-03-02T09:00:00Z --at 2026-03-03T04:00:00Z`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reference, err := time.Parse(time.RFC3339, since)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			now := e.now()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}

			reg, err := e.load()
			if err != nil {
				return err
			}
			a, err := compliance.NewEvaluator(reg).AssessPolicy(policy, reference, now)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "policy:   %s\n", a.PolicyKey)
			fmt.Fprintf(out, "elapsed:  %d %s (%s)\n", a.ElapsedUnits, a.Unit, a.Elapsed)
			fmt.Fprintf(out, "due at:   %s\n", a.DueAt.Format(time.RFC3339))
			fmt.Fprintf(out, "band:     %s\n", bandLabel(a.RiskBand))
			return nil
		},
	}

	cmd.Flags().StringVar(&policy, "policy", "", "policy key, e.g. complaint.high")
	cmd.Flags().StringVar(&since, "since", "", "clock reference time (RFC 3339)")
	cmd.Flags().StringVar(&at, "at", "", "evaluation time (RFC 3339, default now)")
	_ = cmd.MarkFlagRequired("policy")
	_ = cmd.MarkFlagRequired("since")
	return cmd
}
