package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dcbickfo/embedpipe"
	"github.com/dcbickfo/embedpipe/internal/config"
	"github.com/dcbickfo/embedpipe/internal/httpapi"
	"github.com/dcbickfo/embedpipe/queue"
)

func submitCmd(configPath *string) *cobra.Command {
	var (
		id       string
		caller   string
		recordID string
		priority int
		delay    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit TEXT",
		Short: "Enqueue one embedding job and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if id == "" {
				id = httpapi.TextJobID(args[0])
			}
			job, created, err := a.pipeline.SubmitJob(cmd.Context(), id,
				embedpipe.EmbedRequest{Text: args[0], RecordID: recordID},
				queue.SubmitOptions{Priority: priority, Delay: delay, Caller: caller})
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(os.Stderr, "job %s is already pending\n", job.ID)
			}
			return printJSON(job)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "idempotency key (default derived from the text)")
	cmd.Flags().StringVar(&caller, "caller", "", "rate limit identity")
	cmd.Flags().StringVar(&recordID, "record", "", "record to persist the vector to")
	cmd.Flags().IntVar(&priority, "priority", 0, fmt.Sprintf("0 (first) to %d (last)", queue.MaxPriority))
	cmd.Flags().DurationVar(&delay, "delay", 0, "wait before the job becomes runnable")
	return cmd
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [JOB_ID]",
		Short: "Print a job, or the pipeline stats and health when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if len(args) == 1 {
				job, err := a.pipeline.Job(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(job)
			}
			stats, err := a.pipeline.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(struct {
				Health embedpipe.Health `json:"health"`
				Stats  embedpipe.Stats  `json:"stats"`
			}{a.pipeline.Health(cmd.Context()), stats})
		},
	}
}

func invalidateCmd(configPath *string) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "invalidate [TAG]",
		Short: "Drop every cached vector written under a tag or model",
		Args: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (model != "") {
				return errors.New("give exactly one of TAG or --model")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			tag := config.ModelTag(model)
			if len(args) == 1 {
				tag = args[0]
			}
			n, err := a.pipeline.InvalidateTag(cmd.Context(), tag)
			if err != nil {
				return err
			}
			return printJSON(httpapi.InvalidateResponse{Tag: tag, Removed: n})
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "invalidate the vectors of this embedding model")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
