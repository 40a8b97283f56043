package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/healwatch/internal/api"
	"github.com/psantana5/healwatch/internal/history"
	"github.com/psantana5/healwatch/internal/supervisor"
	"github.com/psantana5/healwatch/pkg/models"
)

const requestTimeout = 15 * time.Second

var historyLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running supervisor",
	Long:  `Shows workers, queued faults, the remediation in progress and any held abandonment.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var proposalCmd = &cobra.Command{
	Use:   "proposal",
	Short: "Show the proposal awaiting approval",
	Args:  cobra.NoArgs,
	RunE:  runProposal,
}

var approveCmd = &cobra.Command{
	Use:   "approve [reason]",
	Short: "Approve the pending proposal",
	Args:  cobra.ArbitraryArgs,
	RunE:  runApprove,
}

var rejectCmd = &cobra.Command{
	Use:   "reject <feedback>",
	Short: "Reject the pending proposal with feedback for the next one",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runReject,
}

var abandonCmd = &cobra.Command{
	Use:   "abandon [reason]",
	Short: "Abandon the remediation in progress",
	Long: `Abandons the remediation in progress, restoring the backup if a fix was
already applied. Abandoning a critical or high fault holds the supervisor
until it is acknowledged.`,
	Args: cobra.ArbitraryArgs,
	RunE: runAbandon,
}

var ackCmd = &cobra.Command{
	Use:   "ack",
	Short: "Acknowledge a held abandonment and let the supervisor continue",
	Args:  cobra.NoArgs,
	RunE:  runAck,
}

var stopCmd = &cobra.Command{
	Use:   "stop <worker>",
	Short: "Terminate a worker and keep it stopped",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent faults and their dispositions",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(proposalCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(abandonCmd)
	rootCmd.AddCommand(ackCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of faults to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}

	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(st)
	}
	return supervisor.RenderStatus(os.Stdout, st)
}

func runProposal(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}

	p, err := client.Proposal(ctx)
	if err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			fmt.Println("No proposal awaiting approval")
			return nil
		}
		return fmt.Errorf("failed to get proposal: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(p)
	}

	fmt.Printf("Fault:    %s %s (%s)\n", p.Fault.Severity, p.Fault.Kind, p.Fault.ID)
	fmt.Printf("Origin:   %s\n", p.Fault.Origin)
	fmt.Printf("Message:  %s\n", p.Fault.Message)
	fmt.Printf("Attempt:  %d\n\n", p.Attempt)
	fmt.Println(p.Diff)
	return nil
}

func runApprove(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}

	if err := client.Approve(ctx, strings.Join(args, " ")); err != nil {
		return fmt.Errorf("failed to approve: %w", err)
	}
	fmt.Println("Proposal approved")
	return nil
}

func runReject(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}

	if err := client.Reject(ctx, strings.Join(args, " ")); err != nil {
		return fmt.Errorf("failed to reject: %w", err)
	}
	fmt.Println("Proposal rejected, a new one will be generated")
	return nil
}

func runAbandon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}

	reason := strings.Join(args, " ")
	if reason == "" {
		reason = "abandoned by operator"
	}
	if err := client.Abandon(ctx, reason); err != nil {
		return fmt.Errorf("failed to abandon: %w", err)
	}
	fmt.Println("Remediation abandoned")
	return nil
}

func runAck(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}

	if err := client.Ack(ctx); err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			fmt.Println("Nothing is held")
			return nil
		}
		return fmt.Errorf("failed to acknowledge: %w", err)
	}
	fmt.Println("Acknowledged, supervisor continuing")
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}

	if err := client.StopWorker(ctx, args[0]); err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("no worker named %q", args[0])
		}
		return fmt.Errorf("failed to stop %s: %w", args[0], err)
	}
	fmt.Printf("Worker %s stopped\n", args[0])
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}

	records, err := client.History(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to get history: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("No faults recorded")
		return nil
	}
	renderHistory(records)
	return nil
}

func renderHistory(records []history.Record) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Detected", "Severity", "Kind", "Origin", "Outcome", "Attempts", "Reason")
	for _, r := range records {
		outcome := string(r.Outcome)
		if outcome == "" {
			outcome = "open"
		} else if r.Outcome == models.StateAbandoned && !r.Acknowledged {
			outcome += " (unacked)"
		}
		table.Append(
			r.Fault.DetectedAt.Local().Format("2006-01-02 15:04:05"),
			r.Fault.Severity.String(),
			string(r.Fault.Kind),
			r.Fault.Origin,
			outcome,
			fmt.Sprintf("%d", r.Attempts),
			r.Reason,
		)
	}
	table.Render()
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
