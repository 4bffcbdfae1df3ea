package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/trainpulse/trainpulse/internal/jobservice"
)

func newJobsCommand(a *app) *cobra.Command {
	c := &cobra.Command{
		Use:   "jobs",
		Short: "List and control jobs on the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runJobsList(cmd.Context(), cmd.OutOrStdout())
		},
	}
	for _, action := range []string{"start", "pause", "resume", "stop"} {
		c.AddCommand(newJobActionCommand(a, action))
	}
	return c
}

func newJobActionCommand(a *app, action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " JOB_ID",
		Short: fmt.Sprintf("Ask the backend to %s a job", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.jobClient()
			if err != nil {
				return err
			}
			if err := svc.Control(cmd.Context(), args[0], action); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s requested\n", args[0], action)
			return nil
		},
	}
}

func (a *app) jobClient() (*jobservice.Client, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	return jobservice.NewClient(cfg.HTTPBase(), cfg.Client.Token), nil
}

func (a *app) runJobsList(ctx context.Context, out io.Writer) error {
	svc, err := a.jobClient()
	if err != nil {
		return err
	}
	jobs, err := svc.ListJobs(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tEPOCH\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			j.ID, j.Name, j.Status, j.CurrentEpoch, j.TotalEpochs, j.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
