package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/h-lu/llmGateway-sub000/internal/server"
)

var quotaCmd = &cobra.Command{
	Use:   "quota <caller>",
	Short: "Show the remaining quota of a caller",
	Long:  `Query a running gateway for a caller's limit and remaining tokens in the current period.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runQuota,
}

func init() {
	rootCmd.AddCommand(quotaCmd)
}

func runQuota(cmd *cobra.Command, args []string) error {
	base, err := adminBaseURL()
	if err != nil {
		return err
	}
	return printQuota(cmd.Context(), cmd.OutOrStdout(), base, args[0])
}

func printQuota(ctx context.Context, out io.Writer, base, caller string) error {
	var q server.QuotaResponse
	code, err := getJSON(ctx, base+"/quota/"+url.PathEscape(caller), &q)
	if err != nil {
		if code == http.StatusServiceUnavailable {
			fmt.Fprintf(out, "✗ quota store unavailable for %s\n", caller)
		}
		return fmt.Errorf("quota lookup failed: %w", err)
	}
	fmt.Fprintf(out, "%s: %d of %d tokens remaining (period %d)\n", q.CallerID, q.Remaining, q.Limit, q.Period)
	return nil
}
