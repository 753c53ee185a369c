package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-orchestrator/internal/orchestrator"
	"github.com/adverant/nexus/ocr-orchestrator/internal/queue"
)

var enqueueUser string

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Operate on OCR jobs",
}

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue JOB_ID...",
	Short: "Queue existing jobs for a run",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobsEnqueue,
}

func init() {
	RootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsEnqueueCmd)
	jobsEnqueueCmd.Flags().StringVar(&enqueueUser, "user", "", "User recorded in the audit trail")
}

func runJobsEnqueue(cmd *cobra.Command, args []string) error {
	if cfg.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	enqueuer, err := queue.NewEnqueuer(cfg.RedisURL, cfg.QueueName, cfg.ProcessingTimeout)
	if err != nil {
		return err
	}
	defer enqueuer.Close()

	client := orchestrator.ClientInfo{UserID: enqueueUser, UserAgent: "ocrctl"}
	for _, id := range args {
		if err := enqueuer.Schedule(cmd.Context(), id, client); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s on %s\n", id, cfg.QueueName)
	}
	return nil
}
