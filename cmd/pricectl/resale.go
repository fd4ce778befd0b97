package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/liamcoop/pricerules/catalog"
	"github.com/liamcoop/pricerules/pricing"
	"github.com/liamcoop/pricerules/simulation"
	"github.com/spf13/cobra"
)

func (c *cli) resaleCmd() *cobra.Command {
	var (
		markup   string
		group    string
		rounding string
	)

	cmd := &cobra.Command{
		Use:   "resale",
		Short: "Quote resale prices for a markup without touching the ERP",
		Example: `  pricectl resale --markup 30
  pricectl resale --markup 12.5 --group Pet --rounding 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pct, err := pricing.ParseAmount(markup)
			if err != nil {
				return fmt.Errorf("--markup: %w", err)
			}
			policy := c.cfg.Pricing.ResaleRounding
			if cmd.Flags().Changed("rounding") {
				if policy, err = pricing.ParsePolicy(rounding); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			s, err := c.openSession(ctx, true)
			if err != nil {
				return err
			}
			defer s.Close()

			products, err := fetchProducts(ctx, s.catalog, catalog.Filter{}, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			report := simulation.QuoteResale(products, group, pct, policy)
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Resale prices at %s markup (rounding %s)", formatPercent(report.Markup.String()), report.Rounding)))
			fmt.Fprintln(out, renderResale(report))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&markup, "markup", "", "markup percentage applied to the sell price")
	flags.StringVar(&group, "group", "", "only products whose group id or name matches")
	flags.StringVar(&rounding, "rounding", "", "rounding policy: none, 0.10, 1 or any positive step (default from config)")
	_ = cmd.MarkFlagRequired("markup")
	return cmd
}

func renderResale(report simulation.ResaleReport) string {
	if len(report.Quotes) == 0 {
		return subtleStyle.Render("No products matched.")
	}

	rows := make([][]string, 0, len(report.Quotes))
	for _, q := range report.Quotes {
		resale := q.ResalePrice.StringFixed(2)
		if q.Error != "" {
			resale = q.Error
		}
		rows = append(rows, []string{q.Product.ID, q.Product.Name, q.Product.GroupName, q.SellPrice.StringFixed(2), resale})
	}

	out := newTable([]string{"ID", "Product", "Group", "Sell", "Resale"}, rows, func(row int) lipgloss.Style {
		if row >= 0 && row < len(report.Quotes) && report.Quotes[row].Error != "" {
			return errorStyle
		}
		return lipgloss.NewStyle()
	}).String()

	if report.Skipped > 0 {
		out += "\n" + formatWarning(fmt.Sprintf("%d products skipped with invalid prices", report.Skipped))
	}
	return out
}

func (c *cli) groupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List the ERP product groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := c.openSession(ctx, true)
			if err != nil {
				return err
			}
			defer s.Close()

			groups, err := s.catalog.FetchGroups(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch groups: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderGroups(groups))
			return nil
		},
	}
}

func renderGroups(groups []catalog.Group) string {
	if len(groups) == 0 {
		return subtleStyle.Render("No product groups found.")
	}
	rows := make([][]string, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, []string{g.ID, g.Name})
	}
	return newTable([]string{"ID", "Group"}, rows, nil).String()
}
