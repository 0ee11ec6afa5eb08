package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wudi/pdfbudget/estimate"
	"github.com/wudi/pdfbudget/ir"
	"github.com/wudi/pdfbudget/pagetree"
	"github.com/wudi/pdfbudget/partition"
	"github.com/wudi/pdfbudget/report"
)

var inspectFlags struct {
	budget   int64
	password string
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [--budget N] <input.pdf>",
	Short: "Show how a document would be split without writing anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("budget") {
			cfg.SizeBudgetBytes = inspectFlags.budget
		}
		if cmd.Flags().Changed("password") {
			cfg.Password = inspectFlags.password
		}
		logger := newLogger(cfg)

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		loader := ir.NewLoader(ir.Options{Password: cfg.Password, Strict: cfg.Strict, Logger: logger})
		doc, err := loader.LoadBytes(cmd.Context(), data)
		if err != nil {
			return err
		}
		est, err := estimate.New(doc)
		if err != nil {
			return err
		}
		whole, err := est.EstimateDocument()
		if err != nil {
			return err
		}
		part, err := partition.New(partition.Config{Budget: cfg.SizeBudgetBytes, Logger: logger})
		if err != nil {
			return err
		}
		groups, err := part.Partition(cmd.Context(), est, doc.Pages)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "file:      %s (%s)\n", args[0], report.Bytes(int64(len(data))))
		fmt.Fprintf(out, "version:   %s\n", doc.Version)
		fmt.Fprintf(out, "pages:     %d\n", len(doc.Pages))
		fmt.Fprintf(out, "objects:   %d\n", len(doc.Objects))
		fmt.Fprintf(out, "encrypted: %v\n", doc.Encrypted)
		fmt.Fprintf(out, "repaired:  %v\n", doc.Repaired)
		fmt.Fprintf(out, "scanned:   %v\n", pagetree.IsScanned(doc))
		fmt.Fprintf(out, "estimate:  %s\n", report.Bytes(whole))
		fmt.Fprintf(out, "budget:    %s\n\n", report.Bytes(cfg.SizeBudgetBytes))

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PART\tPAGES\tESTIMATE\t")
		for _, g := range groups {
			flag := ""
			if g.OverBudget {
				flag = "over budget"
			}
			fmt.Fprintf(tw, "%d\t%d-%d\t%s\t%s\n", g.Index+1, g.First+1, g.Last()+1, report.Bytes(g.Estimate), flag)
		}
		return tw.Flush()
	},
}

func init() {
	inspectCmd.Flags().Int64Var(&inspectFlags.budget, "budget", 0, "size budget per output in bytes")
	inspectCmd.Flags().StringVar(&inspectFlags.password, "password", "", "password for encrypted inputs")
	rootCmd.AddCommand(inspectCmd)
}
