package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/provgate/provgate/pkg/engine"
)

// requestSpec is the YAML shape of a provisioning request file.
type requestSpec struct {
	IdentityKey  string            `yaml:"identity_key"`
	IdentityKind string            `yaml:"identity_kind"`
	Kind         string            `yaml:"kind"`
	Targets      []string          `yaml:"targets"`
	Attributes   map[string]string `yaml:"attributes"`
	Priority     int               `yaml:"priority"`
	Approvals    []approvalSpec    `yaml:"approvals"`
}

type approvalSpec struct {
	Name      string   `yaml:"name"`
	Approvers []string `yaml:"approvers"`
	AnyOf     bool     `yaml:"any_of"`
}

func (s *requestSpec) toRequest(requestedBy string) *engine.Request {
	req := &engine.Request{
		IdentityKey:  s.IdentityKey,
		IdentityKind: s.IdentityKind,
		Kind:         engine.OperationKind(s.Kind),
		Targets:      s.Targets,
		Attributes:   engine.Attributes(s.Attributes),
		Priority:     s.Priority,
		RequestedBy:  requestedBy,
	}
	for _, lvl := range s.Approvals {
		req.Approvals = append(req.Approvals, engine.ApprovalLevel{
			Name:      lvl.Name,
			Approvers: lvl.Approvers,
			AnyOf:     lvl.AnyOf,
		})
	}
	return req
}

func newSubmitCommand() *cobra.Command {
	var (
		requestFile string
		identityKey string
		identKind   string
		opKind      string
		targets     []string
		attrs       []string
		requestedBy string
		noDispatch  bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a provisioning request",
		Long: `Submit a provisioning request and, unless it requires approval,
dispatch it immediately.

The request is read from a YAML file or assembled from flags. A request
carrying approval levels is parked until the workflow decides; everything
else runs to a terminal state before the command returns.`,
		Example: `  # Submit a request file
  provgate submit -f onboard-e100.yaml

  # Submit from flags
  provgate submit --identity E100 --kind create \
    --target ldap --target hr-db \
    --attr firstname=Ana --attr lastname=Garcia

  # Record the request without dispatching
  provgate submit -f onboard-e100.yaml --no-dispatch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := &requestSpec{}
			if requestFile != "" {
				data, err := os.ReadFile(requestFile)
				if err != nil {
					return fmt.Errorf("reading request file: %w", err)
				}
				if err := yaml.Unmarshal(data, spec); err != nil {
					return fmt.Errorf("parsing request file: %w", err)
				}
			}
			if identityKey != "" {
				spec.IdentityKey = identityKey
			}
			if identKind != "" {
				spec.IdentityKind = identKind
			}
			if opKind != "" {
				spec.Kind = opKind
			}
			if len(targets) > 0 {
				spec.Targets = targets
			}
			for _, kv := range attrs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("attribute %q is not key=value", kv)
				}
				if spec.Attributes == nil {
					spec.Attributes = make(map[string]string)
				}
				spec.Attributes[k] = v
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			req := spec.toRequest(requestedBy)
			if err := a.saga.Submit(ctx, req); err != nil {
				return err
			}

			if req.Status == engine.RequestGated {
				inst, err := a.workflow.GetByRequest(ctx, req.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]interface{}{"request": req, "workflow_instance": inst})
				}
				fmt.Printf("Request %s gated pending approval (workflow instance %s, %d levels)\n",
					req.ID, inst.ID, len(req.Approvals))
				return nil
			}

			if !noDispatch {
				if err := a.saga.Dispatch(ctx, req.ID); err != nil {
					return err
				}
			}
			return printRequestStatus(ctx, a, req.ID)
		},
	}

	cmd.Flags().StringVarP(&requestFile, "file", "f", "", "request file (YAML)")
	cmd.Flags().StringVar(&identityKey, "identity", "", "identity key")
	cmd.Flags().StringVar(&identKind, "identity-kind", "", "identity kind (employee, contractor, service)")
	cmd.Flags().StringVar(&opKind, "kind", "", "operation kind (create, update, delete, enable, disable)")
	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "target systems")
	cmd.Flags().StringSliceVar(&attrs, "attr", nil, "identity attributes as key=value")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "cli", "requesting actor")
	cmd.Flags().BoolVar(&noDispatch, "no-dispatch", false, "record the request without dispatching")

	return cmd
}

func newCancelCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a request that has not started dispatching",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.saga.Cancel(ctx, args[0], reason); err != nil {
				return err
			}
			return printRequestStatus(ctx, a, args[0])
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "cancelled via cli", "cancellation reason")
	return cmd
}
