package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/provgate/provgate/pkg/workflow"
)

func newApproveCommand() *cobra.Command {
	var (
		approver string
		comment  string
		level    int
	)

	cmd := &cobra.Command{
		Use:   "approve <instance-id>",
		Short: "Approve the current level of a pending workflow instance",
		Long: `Record an approval on the current level of a workflow instance.

When the decision completes the final level, the gated request is
dispatched before the command returns.`,
		Args: cobra.ExactArgs(1),
		Example: `  provgate approve 7f3a... --approver alice --comment "budget confirmed"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return decide(cmd, args[0], approver, true, comment, level)
		},
	}

	cmd.Flags().StringVar(&approver, "approver", "", "deciding approver identity")
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	cmd.Flags().IntVar(&level, "level", -1, "level the decision is intended for (guards against races)")
	cmd.MarkFlagRequired("approver")
	return cmd
}

func newRejectCommand() *cobra.Command {
	var (
		approver string
		comment  string
		level    int
	)

	cmd := &cobra.Command{
		Use:   "reject <instance-id>",
		Short: "Reject a pending workflow instance",
		Long: `Record a rejection on the current level of a workflow instance.

A single rejection at any level terminates the instance and rejects the
gated request; no target system is ever touched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decide(cmd, args[0], approver, false, comment, level)
		},
	}

	cmd.Flags().StringVar(&approver, "approver", "", "deciding approver identity")
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	cmd.Flags().IntVar(&level, "level", -1, "level the decision is intended for (guards against races)")
	cmd.MarkFlagRequired("approver")
	return cmd
}

func decide(cmd *cobra.Command, instanceID, approver string, approved bool, comment string, level int) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if level >= 0 {
		current, _, err := a.workflow.Get(ctx, instanceID)
		if err != nil {
			return err
		}
		if current.CurrentLevel != level {
			return fmt.Errorf("instance is at level %d, not %d; refusing stale decision",
				current.CurrentLevel, level)
		}
	}

	inst, err := a.workflow.Decide(ctx, instanceID, approver, approved, comment)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(inst)
	}
	printInstance(inst)
	if inst.Status == workflow.InstanceApproved {
		return printRequestStatus(ctx, a, inst.RequestID)
	}
	return nil
}

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow <instance-id>",
		Short: "Show a workflow instance and its recorded decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			inst, decisions, err := a.workflow.Get(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{"instance": inst, "decisions": decisions})
			}
			printInstance(inst)
			if len(decisions) > 0 {
				fmt.Println("  decisions:")
				for _, d := range decisions {
					verdict := "approved"
					if !d.Approved {
						verdict = "rejected"
					}
					fmt.Printf("    level %d: %s %s at %s", d.Level, d.Approver, verdict,
						d.DecidedAt.Format("2006-01-02 15:04:05"))
					if d.Comment != "" {
						fmt.Printf("  (%s)", d.Comment)
					}
					fmt.Println()
				}
			}
			return nil
		},
	}
	return cmd
}

func printInstance(inst *workflow.Instance) {
	fmt.Printf("Workflow instance %s\n", inst.ID)
	fmt.Printf("  request:  %s\n", inst.RequestID)
	fmt.Printf("  status:   %s\n", inst.Status)
	if inst.Status == workflow.InstancePending {
		level := inst.Levels[inst.CurrentLevel]
		fmt.Printf("  level:    %d/%d (%s, approvers: %v)\n",
			inst.CurrentLevel+1, len(inst.Levels), level.Name, level.Approvers)
		fmt.Printf("  expires:  %s\n", inst.ExpiresAt.Format("2006-01-02 15:04:05"))
	}
	if inst.Reason != "" {
		fmt.Printf("  reason:   %s\n", inst.Reason)
	}
}
