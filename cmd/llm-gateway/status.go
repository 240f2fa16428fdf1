package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/h-lu/llmGateway-sub000/internal/router"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show provider health of a running gateway",
	Long: `Query the /status endpoint of a running gateway and print the health of
every pool provider.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	base, err := adminBaseURL()
	if err != nil {
		return err
	}
	return printStatus(cmd.Context(), cmd.OutOrStdout(), base)
}

func printStatus(ctx context.Context, out io.Writer, base string) error {
	var st router.Status
	if _, err := getJSON(ctx, base+"/status", &st); err != nil {
		fmt.Fprintf(out, "✗ llm-gateway is not reachable (%s)\n", base)
		return fmt.Errorf("status check failed: %w", err)
	}

	mark := "✓"
	if st.Healthy == 0 {
		mark = "✗"
	}
	fmt.Fprintf(out, "%s llm-gateway is running (%s): %d/%d providers healthy\n", mark, base, st.Healthy, st.Total)
	for _, p := range st.Providers {
		state := "healthy"
		if !p.Healthy {
			state = "unhealthy"
		}
		fmt.Fprintf(out, "  %-10s %-20s %s\n", p.Pool, p.Name, state)
	}
	if st.Healthy == 0 {
		return fmt.Errorf("no healthy providers")
	}
	return nil
}
