package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/liamcoop/pricerules/pricing"
	"github.com/liamcoop/pricerules/rules"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func (c *cli) rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage price adjustment rules",
		Long: `List, add, update, reorder and remove the rules of a workspace.

Rules are evaluated in list order; the first active rule whose product type
and price condition match decides the new price. Rule arguments accept a full
id or any unique id prefix.`,
	}

	cmd.AddCommand(c.listRulesCmd())
	cmd.AddCommand(c.addRuleCmd())
	cmd.AddCommand(c.updateRuleCmd())
	cmd.AddCommand(c.setActiveCmd("enable", true))
	cmd.AddCommand(c.setActiveCmd("disable", false))
	cmd.AddCommand(c.removeRuleCmd())
	cmd.AddCommand(c.moveRuleCmd())
	cmd.AddCommand(c.exportRulesCmd())
	cmd.AddCommand(c.importRulesCmd())

	return cmd
}

func (c *cli) listRulesCmd() *cobra.Command {
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			ruleList, err := s.ws.Store.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(ruleList) == 0 {
				fmt.Fprintln(out, subtleStyle.Render("No rules yet. Use 'pricectl rules add' to create one."))
				return nil
			}

			fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Rules in workspace %s", s.ws.ID)))
			fmt.Fprintln(out, renderRules(ruleList, activeOnly))
			return nil
		},
	}

	cmd.Flags().BoolVar(&activeOnly, "active", false, "only show active rules")
	return cmd
}

// ruleFlags are shared by add and update
type ruleFlags struct {
	name       string
	typ        string
	condition  string
	reference  string
	adjust     string
	exception  int
	expression string
	inactive   bool
}

func (f *ruleFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.name, "name", "", "display name (derived from type, condition and reference when empty)")
	fs.StringVar(&f.typ, "type", "", "product type matched against product name or group, case-insensitive")
	fs.StringVar(&f.condition, "condition", "", "price condition: >, >=, <, <=, =, != (or gt, ge, lt, le, eq, ne)")
	fs.StringVar(&f.reference, "reference", "", "reference price the condition compares against")
	fs.StringVar(&f.adjust, "adjust", "", "adjustment percentage, e.g. 7 or -12.5")
	fs.IntVar(&f.exception, "exception", 0, "stock quantity exempted from the rule (0 disables)")
	fs.StringVar(&f.expression, "expr", "", "optional CEL filter over the product, e.g. 'Product.Stock > 10'")
	fs.BoolVar(&f.inactive, "inactive", false, "create the rule disabled")
}

func (f *ruleFlags) toRule() (rules.Rule, error) {
	condition, err := rules.ParseCondition(f.condition)
	if err != nil {
		return rules.Rule{}, err
	}
	reference, err := pricing.ParseAmount(f.reference)
	if err != nil {
		return rules.Rule{}, fmt.Errorf("--reference: %w", err)
	}
	adjust, err := pricing.ParseAmount(f.adjust)
	if err != nil {
		return rules.Rule{}, fmt.Errorf("--adjust: %w", err)
	}

	return rules.Rule{
		Name:                 strings.TrimSpace(f.name),
		ProductType:          strings.TrimSpace(f.typ),
		ReferencePrice:       reference,
		Condition:            condition,
		AdjustmentPercentage: adjust,
		ExceptionQuantity:    f.exception,
		Active:               !f.inactive,
		Expression:           strings.TrimSpace(f.expression),
	}, nil
}

// toPatch only carries the flags the user actually set
func (f *ruleFlags) toPatch(fs *pflag.FlagSet) (rules.RulePatch, error) {
	var patch rules.RulePatch

	if fs.Changed("name") {
		name := strings.TrimSpace(f.name)
		patch.Name = &name
	}
	if fs.Changed("type") {
		typ := strings.TrimSpace(f.typ)
		patch.ProductType = &typ
	}
	if fs.Changed("condition") {
		condition, err := rules.ParseCondition(f.condition)
		if err != nil {
			return patch, err
		}
		patch.Condition = &condition
	}
	if fs.Changed("reference") {
		reference, err := pricing.ParseAmount(f.reference)
		if err != nil {
			return patch, fmt.Errorf("--reference: %w", err)
		}
		patch.ReferencePrice = &reference
	}
	if fs.Changed("adjust") {
		adjust, err := pricing.ParseAmount(f.adjust)
		if err != nil {
			return patch, fmt.Errorf("--adjust: %w", err)
		}
		patch.AdjustmentPercentage = &adjust
	}
	if fs.Changed("exception") {
		exception := f.exception
		patch.ExceptionQuantity = &exception
	}
	if fs.Changed("expr") {
		expression := strings.TrimSpace(f.expression)
		patch.Expression = &expression
	}
	if fs.Changed("inactive") {
		active := !f.inactive
		patch.Active = &active
	}
	return patch, nil
}

func (c *cli) addRuleCmd() *cobra.Command {
	var flags ruleFlags
	var position int

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a rule, optionally at a given position",
		Example: `  pricectl rules add --type pet --condition ">" --reference 50 --adjust 7
  pricectl rules add --type farm --condition "<=" --reference 20 --adjust -5 --exception 12 --position 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rule, err := flags.toRule()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := c.openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			created, err := s.ws.Store.Add(ctx, rule)
			if err != nil {
				return fmt.Errorf("failed to add rule: %w", err)
			}

			if position > 0 {
				last := s.ws.Store.Len() - 1
				if err := s.ws.Store.Reorder(ctx, last, position-1); err != nil {
					return fmt.Errorf("rule %s was added last but could not be moved: %w", shortID(created.ID), err)
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), formatSuccess(fmt.Sprintf("Added rule %s (%s)", shortID(created.ID), created.Name)))
			return nil
		},
	}

	flags.register(cmd.Flags())
	cmd.Flags().IntVar(&position, "position", 0, "1-based position to insert at (default: last)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("condition")
	_ = cmd.MarkFlagRequired("reference")
	_ = cmd.MarkFlagRequired("adjust")
	return cmd
}

func (c *cli) updateRuleCmd() *cobra.Command {
	var flags ruleFlags

	cmd := &cobra.Command{
		Use:   "update <rule>",
		Short: "Change fields of a rule in place",
		Long:  `Only the flags given are changed; the rule keeps its position.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := flags.toPatch(cmd.Flags())
			if err != nil {
				return err
			}
			if patch.IsEmpty() {
				return fmt.Errorf("nothing to update: pass at least one field flag")
			}

			ctx := cmd.Context()
			s, err := c.openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := resolveRuleID(ctx, s.ws.Store, args[0])
			if err != nil {
				return err
			}
			updated, err := s.ws.Store.Update(ctx, id, patch)
			if err != nil {
				return fmt.Errorf("failed to update rule: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), formatSuccess(fmt.Sprintf("Updated rule %s (%s)", shortID(updated.ID), updated.Name)))
			return nil
		},
	}

	flags.register(cmd.Flags())
	return cmd
}

func (c *cli) setActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <rule>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := resolveRuleID(ctx, s.ws.Store, args[0])
			if err != nil {
				return err
			}
			updated, err := s.ws.Store.Update(ctx, id, rules.RulePatch{Active: &active})
			if err != nil {
				return fmt.Errorf("failed to %s rule: %w", use, err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), formatSuccess(fmt.Sprintf("Rule %s (%s) is now %s", shortID(updated.ID), updated.Name, activeLabel(active))))
			return nil
		},
	}
}

func (c *cli) removeRuleCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <rule>",
		Aliases: []string{"rm", "delete"},
		Short:   "Remove a rule",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := resolveRuleID(ctx, s.ws.Store, args[0])
			if err != nil {
				return err
			}
			if err := s.ws.Store.Remove(ctx, id); err != nil {
				return fmt.Errorf("failed to remove rule: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), formatSuccess(fmt.Sprintf("Removed rule %s", shortID(id))))
			return nil
		},
	}
}

func (c *cli) moveRuleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <from> <to>",
		Short: "Move a rule to another position",
		Long:  `Positions are 1-based, as shown in the # column of 'pricectl rules list'.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parsePosition(args[0])
			if err != nil {
				return err
			}
			to, err := parsePosition(args[1])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := c.openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.ws.Store.Reorder(ctx, from-1, to-1); err != nil {
				return fmt.Errorf("failed to move rule: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), formatSuccess(fmt.Sprintf("Moved rule #%d to #%d", from, to)))
			return nil
		},
	}
}

func (c *cli) exportRulesCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the rules as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := c.openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			ruleList, err := s.ws.Store.List(ctx)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}

			if err := rules.EncodeYAML(w, ruleList); err != nil {
				return err
			}
			if output != "" && output != "-" {
				fmt.Fprintln(cmd.ErrOrStderr(), formatSuccess(fmt.Sprintf("Exported %d rules to %s", len(ruleList), output)))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write (default: stdout)")
	return cmd
}

func (c *cli) importRulesCmd() *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Append rules from a YAML rule set",
		Long: `Rules are appended in file order. With --replace the current rules are
removed first. Every rule is validated before anything is changed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()

			incoming, err := rules.DecodeYAML(f)
			if err != nil {
				return err
			}
			if err := validateImport(incoming); err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := c.openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			added, err := importRules(ctx, s.ws.Store, incoming, replace)
			if err != nil {
				return fmt.Errorf("import failed, stored rules unchanged: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), formatSuccess(fmt.Sprintf("Imported %d rules into workspace %s", added, s.ws.ID)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&replace, "replace", false, "remove the existing rules first")
	return cmd
}

func validateImport(incoming []rules.Rule) error {
	seen := make(map[string]bool, len(incoming))
	for i, r := range incoming {
		if r.Name == "" {
			r.Name = r.DefaultName()
		}
		if err := rules.ValidateRule(r); err != nil {
			return fmt.Errorf("rule %d: %w", i+1, err)
		}
		if r.ID == "" {
			continue
		}
		if seen[r.ID] {
			return fmt.Errorf("rule %d: %s: %w", i+1, r.ID, rules.ErrDuplicateID)
		}
		seen[r.ID] = true
	}
	return nil
}

func importRules(ctx context.Context, store *rules.OrderedRuleStore, incoming []rules.Rule, replace bool) (int, error) {
	next := incoming
	if !replace {
		existing, err := store.List(ctx)
		if err != nil {
			return 0, err
		}
		next = append(existing, incoming...)
	}

	// one save, so a failed import leaves the stored rules untouched
	if _, err := store.Replace(ctx, next); err != nil {
		return 0, err
	}
	return len(incoming), nil
}

// resolveRuleID accepts a full id or a unique prefix of one
func resolveRuleID(ctx context.Context, store *rules.OrderedRuleStore, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty rule id: %w", rules.ErrNotFound)
	}
	if _, err := store.Get(ctx, ref); err == nil {
		return ref, nil
	}

	ruleList, err := store.List(ctx)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, r := range ruleList {
		if strings.HasPrefix(r.ID, ref) {
			matches = append(matches, r.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("rule %s: %w", ref, rules.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("rule id prefix %q matches %d rules", ref, len(matches))
	}
}

func parsePosition(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(s), "#"))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid position %q: positions start at 1", s)
	}
	return n, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func activeLabel(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

// renderRules draws the rule list; positions stay the store's even when filtered
func renderRules(ruleList []rules.Rule, activeOnly bool) string {
	rows := make([][]string, 0, len(ruleList))
	var inactive []bool
	for i, r := range ruleList {
		if activeOnly && !r.Active {
			continue
		}
		exception := "-"
		if r.ExceptionQuantity > 0 {
			exception = strconv.Itoa(r.ExceptionQuantity)
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			shortID(r.ID),
			r.Name,
			r.ProductType,
			fmt.Sprintf("%s %s", r.Condition, r.ReferencePrice.String()),
			formatPercent(r.AdjustmentPercentage.String()),
			exception,
			activeLabel(r.Active),
		})
		inactive = append(inactive, !r.Active)
	}

	headers := []string{"#", "ID", "Name", "Type", "Condition", "Adjust", "Exception", "Status"}
	return newTable(headers, rows, func(row int) lipgloss.Style {
		if row >= 0 && row < len(inactive) && inactive[row] {
			return subtleStyle
		}
		return lipgloss.NewStyle()
	}).String()
}

func formatPercent(v string) string {
	if !strings.HasPrefix(v, "-") && v != "0" {
		v = "+" + v
	}
	return v + "%"
}
