package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show a request and its per-target operations",
		Args:  cobra.ExactArgs(1),
		Example: `  # Human-readable status
  provgate status 2f1c7e9a-...

  # Machine-readable status
  provgate status 2f1c7e9a-... --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			return printRequestStatus(ctx, a, args[0])
		},
	}
	return cmd
}

func printRequestStatus(ctx context.Context, a *app, requestID string) error {
	req, ops, err := a.saga.Status(ctx, requestID)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(map[string]interface{}{"request": req, "operations": ops})
	}

	fmt.Printf("Request %s\n", req.ID)
	fmt.Printf("  identity:  %s (%s)\n", req.IdentityKey, req.IdentityKind)
	fmt.Printf("  kind:      %s\n", req.Kind)
	fmt.Printf("  status:    %s\n", req.Status)
	if req.LastError != "" {
		fmt.Printf("  error:     %s\n", req.LastError)
	}
	fmt.Printf("  requested: %s by %s\n", req.CreatedAt.Format("2006-01-02 15:04:05"), req.RequestedBy)

	if len(ops) > 0 {
		fmt.Println("  operations:")
		for _, op := range ops {
			line := fmt.Sprintf("    %-20s %-12s attempts=%d", op.Target, op.Status, op.Attempts)
			if op.LastError != "" {
				line += "  " + op.LastError
			}
			fmt.Println(line)
		}
	}
	return nil
}
