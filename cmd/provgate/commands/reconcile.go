package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/provgate/provgate/pkg/recon"
)

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile target systems against last-committed state",
		Long: `Compare the observed state of target systems with the last state the
orchestrator committed, and record discrepancies.

Reconciliation never mutates a target; every finding carries a
recommended corrective action for an operator to act on.`,
	}

	cmd.AddCommand(newReconcileRunCommand())
	cmd.AddCommand(newReconcileJobsCommand())
	cmd.AddCommand(newReconcileReportCommand())

	return cmd
}

func newReconcileRunCommand() *cobra.Command {
	var (
		target string
		full   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a reconciliation pass",
		Example: `  # Incremental pass over every registered target
  provgate reconcile run

  # Full pass over one target, including orphan detection
  provgate reconcile run --target ldap --full`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			mode := recon.ModeIncremental
			if full {
				mode = recon.ModeFull
			}

			var jobs []*recon.Job
			if target != "" {
				job, err := a.recon.Run(ctx, target, mode)
				if err != nil {
					return err
				}
				jobs = append(jobs, job)
			} else {
				jobs, err = a.recon.RunAll(ctx, mode)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(jobs)
			}
			for _, job := range jobs {
				printJob(job)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "reconcile a single target system")
	cmd.Flags().BoolVar(&full, "full", false, "full pass with orphan detection")
	return cmd
}

func newReconcileJobsCommand() *cobra.Command {
	var (
		target string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List past reconciliation jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			jobs, err := a.store.ListJobs(ctx, target, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(jobs)
			}
			if len(jobs) == 0 {
				fmt.Println("No reconciliation jobs recorded")
				return nil
			}
			for _, job := range jobs {
				printJob(job)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "filter by target system")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to list")
	return cmd
}

func newReconcileReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <job-id>",
		Short: "Show the discrepancies found by a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			discrepancies, err := a.recon.Discrepancies(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(discrepancies)
			}
			if len(discrepancies) == 0 {
				fmt.Println("No discrepancies found")
				return nil
			}
			for _, d := range discrepancies {
				line := fmt.Sprintf("%-20s %-12s %-18s action=%s", d.IdentityKey, d.Target, d.Kind, d.Action)
				if d.Kind == recon.AttributeDrift {
					line += fmt.Sprintf("  %s: %q -> %q", d.Attribute, d.Expected, d.Observed)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	return cmd
}

func printJob(job *recon.Job) {
	fmt.Printf("Job %s  target=%-12s mode=%-12s status=%-9s checked=%d found=%d",
		job.ID, job.Target, job.Mode, job.Status, job.Checked, job.Found)
	if job.LastError != "" {
		fmt.Printf("  last_error=%s", job.LastError)
	}
	fmt.Println()
}
