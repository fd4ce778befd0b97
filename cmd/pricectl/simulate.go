package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/liamcoop/pricerules/catalog"
	"github.com/liamcoop/pricerules/internal/logger"
	"github.com/liamcoop/pricerules/simulation"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func (c *cli) simulateCmd() *cobra.Command {
	var (
		filter  catalog.Filter
		apply   bool
		yes     bool
		showAll bool
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Preview rule changes against the ERP catalog and optionally apply them",
		Long: `Fetches every product (optionally filtered by group or name), runs the
workspace rules over them and shows which prices would change. Nothing is
written unless --apply is given and the change count is confirmed.

Updates are sent one at a time. A failed update does not stop the others and
nothing is rolled back; the summary lists every failure.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := c.openSession(ctx, true)
			if err != nil {
				return err
			}
			defer s.Close()

			if s.ws.Store.Len() == 0 {
				return simulation.ErrNoRulesConfigured
			}

			products, err := fetchProducts(ctx, s.catalog, filter, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			preview, err := s.ws.Simulate(ctx, products)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, titleStyle.Render("Simulation preview"))
			fmt.Fprintln(out, renderPreview(preview.Results, showAll, limit))
			fmt.Fprintln(out, renderSummary(preview.Summary))

			if !apply {
				if preview.Summary.Changed > 0 {
					fmt.Fprintln(out, subtleStyle.Render("Run again with --apply to write these prices to the ERP."))
				}
				return nil
			}
			if preview.Summary.Changed == 0 {
				fmt.Fprintln(out, formatSuccess("Nothing to apply"))
				return nil
			}

			confirm := simulation.Confirmer(simulation.Confirmed)
			if !yes {
				confirm = promptConfirm(cmd.InOrStdin(), out)
			}

			bar := newProgressBar(preview.Summary.Changed, cmd.ErrOrStderr())
			c.progress = func(done, _ int) {
				if err := bar.Set(done); err != nil {
					logger.Debug("Failed to update progress bar", "error", err)
				}
			}
			defer func() { c.progress = nil }()

			report, err := s.ws.Workflow.ApplyPreview(ctx, confirm)
			if errors.Is(err, simulation.ErrNotConfirmed) {
				fmt.Fprintln(out, formatWarning("Apply cancelled; no prices were changed"))
				return nil
			}

			fmt.Fprintln(out, renderReport(report))
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&filter.GroupID, "group", "", "only products of this ERP group id")
	flags.StringVar(&filter.Name, "name", "", "only products whose name contains this text")
	flags.BoolVar(&apply, "apply", false, "write the changed prices to the ERP after confirmation")
	flags.BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	flags.BoolVar(&showAll, "all", false, "also list unchanged products")
	flags.IntVar(&limit, "limit", 50, "maximum rows to print (0 for no limit)")
	return cmd
}

// promptConfirm asks on out and accepts y or yes from in
func promptConfirm(in io.Reader, out io.Writer) simulation.Confirmer {
	return func(pending int) bool {
		fmt.Fprint(out, promptStyle.Render(fmt.Sprintf("Apply %d price changes to the ERP? [y/N] ", pending)))
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(out)
			return false
		}
		return isYes(line)
	}
}

func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func newProgressBar(total int, w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("[cyan][bold]Updating prices...[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)
}

// renderPreview lists changed products first in preview order, then the rest when showAll
func renderPreview(results []simulation.Result, showAll bool, limit int) string {
	shown := make([]simulation.Result, 0, len(results))
	for _, r := range results {
		if r.Changed() {
			shown = append(shown, r)
		}
	}
	if showAll {
		for _, r := range results {
			if !r.Changed() {
				shown = append(shown, r)
			}
		}
	}
	if len(shown) == 0 {
		return subtleStyle.Render("No product prices would change.")
	}

	hidden := 0
	if limit > 0 && len(shown) > limit {
		hidden = len(shown) - limit
		shown = shown[:limit]
	}

	rows := make([][]string, 0, len(shown))
	for _, r := range shown {
		rule := "-"
		if r.MatchedRule != nil {
			rule = *r.MatchedRule
		}
		rows = append(rows, []string{
			r.Product.ID,
			r.Product.Name,
			r.Product.GroupName,
			r.OldPrice.StringFixed(2),
			r.NewPrice.StringFixed(2),
			formatPercent(r.DiffPercent.StringFixed(2)),
			rule,
			r.Reason,
		})
	}

	headers := []string{"ID", "Product", "Group", "Old", "New", "Diff", "Rule", "Reason"}
	table := newTable(headers, rows, func(row int) lipgloss.Style {
		switch {
		case row < 0 || row >= len(shown):
			return lipgloss.NewStyle()
		case shown[row].Flagged:
			return errorStyle
		case shown[row].Changed():
			return lipgloss.NewStyle()
		default:
			return subtleStyle
		}
	}).String()

	if hidden > 0 {
		table += "\n" + subtleStyle.Render(fmt.Sprintf("... %d more rows (use --limit 0 to show all)", hidden))
	}
	return table
}

func renderSummary(s simulation.Summary) string {
	line := fmt.Sprintf("%d products: %d would change, %d unchanged", s.Total, s.Changed, s.Unchanged)
	if s.Flagged > 0 {
		return formatWarning(fmt.Sprintf("%s, %d flagged with invalid data", line, s.Flagged))
	}
	return line
}

func renderReport(r simulation.ApplyReport) string {
	var b strings.Builder

	summary := fmt.Sprintf("Updated %d of %d prices", r.Succeeded, r.Total)
	switch {
	case r.Cancelled:
		b.WriteString(formatWarning(fmt.Sprintf("%s (interrupted after %d attempts)", summary, r.Attempted)))
	case r.Complete():
		b.WriteString(formatSuccess(summary))
	default:
		b.WriteString(formatWarning(summary))
	}

	if len(r.Failures) > 0 {
		rows := make([][]string, 0, len(r.Failures))
		for _, f := range r.Failures {
			rows = append(rows, []string{f.ProductID, f.Price.StringFixed(2), f.Message})
		}
		b.WriteString("\n")
		b.WriteString(newTable([]string{"ID", "Price", "Error"}, rows, func(int) lipgloss.Style {
			return errorStyle
		}).String())
	}
	return b.String()
}
