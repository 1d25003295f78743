package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/provgate/provgate/pkg/engine"
	"github.com/provgate/provgate/pkg/rules"
)

// ruleSpec is the YAML shape of a rule file.
type ruleSpec struct {
	ID           string            `yaml:"id"`
	Target       string            `yaml:"target"`
	IdentityKind string            `yaml:"identity_kind"`
	Attribute    string            `yaml:"attribute"`
	Template     string            `yaml:"template"`
	Priority     int               `yaml:"priority"`
	Conditions   map[string]string `yaml:"conditions"`
}

func (s *ruleSpec) toRule(createdBy string) *rules.Rule {
	return &rules.Rule{
		ID:           s.ID,
		Target:       s.Target,
		IdentityKind: s.IdentityKind,
		Attribute:    s.Attribute,
		Template:     s.Template,
		Priority:     s.Priority,
		Enabled:      true,
		Conditions:   s.Conditions,
		CreatedBy:    createdBy,
	}
}

func newRulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage attribute calculation rules",
		Long: `Manage the versioned rule set that calculates per-target attributes.

Published rule versions are immutable; every change, including
enable/disable, produces a new version.`,
	}

	cmd.AddCommand(newRulesPublishCommand())
	cmd.AddCommand(newRulesListCommand())
	cmd.AddCommand(newRulesShowCommand())
	cmd.AddCommand(newRulesTestCommand())
	cmd.AddCommand(newRulesEnableCommand(true))
	cmd.AddCommand(newRulesEnableCommand(false))

	return cmd
}

func newRulesPublishCommand() *cobra.Command {
	var (
		ruleFile  string
		createdBy string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a new rule version",
		Example: `  # Publish a rule from a file
  provgate rules publish -f ldap-username.yaml --author jdoe`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(ruleFile)
			if err != nil {
				return fmt.Errorf("reading rule file: %w", err)
			}
			spec := &ruleSpec{}
			if err := yaml.Unmarshal(data, spec); err != nil {
				return fmt.Errorf("parsing rule file: %w", err)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			rule := spec.toRule(createdBy)
			if err := a.store.PublishRule(ctx, rule); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(rule)
			}
			fmt.Printf("Published rule %s version %d (target %s, attribute %s)\n",
				rule.ID, rule.Version, rule.Target, rule.Attribute)
			return nil
		},
	}

	cmd.Flags().StringVarP(&ruleFile, "file", "f", "", "rule file (YAML)")
	cmd.Flags().StringVar(&createdBy, "author", "cli", "publishing actor")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newRulesListCommand() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the latest version of every rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			ruleSet, err := a.store.ListRules(ctx, target)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(ruleSet)
			}
			if len(ruleSet) == 0 {
				fmt.Println("No rules published")
				return nil
			}
			for _, r := range ruleSet {
				state := "enabled"
				if !r.Enabled {
					state = "disabled"
				}
				fmt.Printf("%-24s v%-3d %-12s %-16s prio=%-4d %-8s %s\n",
					r.ID, r.Version, r.Target, r.Attribute, r.Priority, state, r.Template)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "filter by target system")
	return cmd
}

func newRulesShowCommand() *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "show <rule-id>",
		Short: "Show one rule version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			rule, err := a.store.GetRule(ctx, args[0], version)
			if err != nil {
				return err
			}
			return printJSON(rule)
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "rule version (0 = latest)")
	return cmd
}

func newRulesTestCommand() *cobra.Command {
	var (
		ruleFile string
		version  int
		attrs    []string
	)

	cmd := &cobra.Command{
		Use:   "test [rule-id]",
		Short: "Render a rule against sample attributes without publishing",
		Args:  cobra.MaximumNArgs(1),
		Example: `  # Test an unpublished rule from a file
  provgate rules test -f ldap-username.yaml \
    --attr firstname=José --attr lastname=García

  # Test the latest published version of a rule
  provgate rules test ldap-username --attr firstname=José --attr lastname=García`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (ruleFile == "") {
				return fmt.Errorf("provide either a rule id or -f, not both")
			}

			sample := make(engine.Attributes)
			for _, kv := range attrs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("attribute %q is not key=value", kv)
				}
				sample[k] = v
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			var rule *rules.Rule
			if len(args) == 1 {
				rule, err = a.store.GetRule(ctx, args[0], version)
				if err != nil {
					return err
				}
			} else {
				data, err := os.ReadFile(ruleFile)
				if err != nil {
					return fmt.Errorf("reading rule file: %w", err)
				}
				spec := &ruleSpec{}
				if err := yaml.Unmarshal(data, spec); err != nil {
					return fmt.Errorf("parsing rule file: %w", err)
				}
				rule = spec.toRule("test")
			}

			value, err := a.rules.TestRule(rule, sample)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]string{rule.Attribute: value})
			}
			fmt.Printf("%s = %s\n", rule.Attribute, value)
			return nil
		},
	}

	cmd.Flags().StringVarP(&ruleFile, "file", "f", "", "rule file (YAML)")
	cmd.Flags().IntVar(&version, "version", 0, "rule version (0 means latest)")
	cmd.Flags().StringSliceVar(&attrs, "attr", nil, "sample attributes as key=value")
	return cmd
}

func newRulesEnableCommand(enable bool) *cobra.Command {
	use, short := "enable <rule-id>", "Enable a rule (publishes a new version)"
	if !enable {
		use, short = "disable <rule-id>", "Disable a rule (publishes a new version)"
	}
	var actor string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.SetRuleEnabled(ctx, args[0], enable, actor); err != nil {
				return err
			}
			rule, err := a.store.GetRule(ctx, args[0], 0)
			if err != nil {
				return err
			}
			fmt.Printf("Rule %s is now version %d (enabled=%v)\n", rule.ID, rule.Version, rule.Enabled)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "author", "cli", "publishing actor")
	return cmd
}
