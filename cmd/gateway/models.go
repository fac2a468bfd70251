package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/elvis3770/webai-gateway/internal/gateway/routing"
	"github.com/elvis3770/webai-gateway/internal/shared/config"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Show the task routing table and model pricing",
	RunE:  runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func runModels(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	router, pricing := newRouting(cfg)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "TASK TYPE\tMODEL\n")
	table := router.Table()
	taskTypes := make([]string, 0, len(table))
	for taskType := range table {
		taskTypes = append(taskTypes, taskType)
	}
	sort.Strings(taskTypes)
	for _, taskType := range taskTypes {
		fmt.Fprintf(tw, "%s\t%s\n", taskType, table[taskType])
	}
	fmt.Fprintf(tw, "(default)\t%s\n\n", router.DefaultModel())

	fmt.Fprintf(tw, "GOAL\tMODEL\n")
	for _, goal := range []string{"speed", "quality", "cost", "reasoning"} {
		fmt.Fprintf(tw, "%s\t%s\n", goal, routing.Recommendations[goal])
	}
	fmt.Fprintln(tw)

	fmt.Fprintf(tw, "MODEL\tINPUT $/MTOK\tOUTPUT $/MTOK\n")
	prices := pricing.Models()
	names := make([]string, 0, len(prices))
	for name := range prices {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := prices[name]
		fmt.Fprintf(tw, "%s\t%.3f\t%.3f\n", name, p.InputPerMTok, p.OutputPerMTok)
	}
	return nil
}
