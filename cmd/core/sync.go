package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hamzamalik22/gaza-health-records-app/internal/app"
	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/remote"
)

func newStatusCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "status",
		GroupID: "sync",
		Short:   "Show connectivity, last sync and upload progress",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context(), true, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			status := a.Engine.Status()
			stats, err := a.Engine.Stats()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, map[string]interface{}{
					"device_id": a.DeviceID,
					"status":    status,
					"stats":     stats,
				})
			}

			last := "never"
			if status.LastSyncTime != nil {
				last = time.UnixMilli(*status.LastSyncTime).Format(time.RFC3339)
			}
			fmt.Fprintf(out, "Device:     %s\n", a.DeviceID)
			fmt.Fprintf(out, "Remote:     %s\n", c.cfg.Remote.Driver)
			fmt.Fprintf(out, "Online:     %v\n", status.IsConnected)
			fmt.Fprintf(out, "Last sync:  %s\n", last)
			fmt.Fprintf(out, "Patients:   %d (%d synced, %d pending, %d%%)\n",
				stats.TotalPatients, stats.SyncedPatients, stats.PendingPatients, stats.SyncPercentage)
			fmt.Fprintf(out, "Queue:      %d\n", stats.QueueLength)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSyncCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "sync",
		GroupID: "sync",
		Short:   "Upload pending records and drain the queue",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context(), true, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Engine.ManualSync(cmd.Context())
			if err != nil {
				if apperrors.Is(err, apperrors.ErrSyncNothingPending) {
					fmt.Fprintln(cmd.OutOrStdout(), apperrors.MessageOf(err))
					return nil
				}
				return fmt.Errorf("%s", apperrors.MessageOf(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d of %d pending (%d failed) in %s\n",
				result.Synced, result.Pending, result.Failed, result.Duration.Round(time.Millisecond))
			if n := result.Queue.Total(); n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Queue: %d delivered, %d retried, %d dropped\n",
					result.Queue.Delivered, result.Queue.Retried, result.Queue.Dropped)
			}
			return nil
		},
	}
}

func newQueueCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "queue",
		GroupID: "sync",
		Short:   "List queued remote operations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context(), false, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.Repo.ListQueue()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "Queue is empty")
				return nil
			}
			for _, it := range items {
				fmt.Fprintf(out, "%s  %-6s  %s  retries=%d\n",
					time.UnixMilli(it.Timestamp).Format(time.RFC3339), it.Operation, it.PatientID, it.RetryCount)
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Deliver queued operations now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context(), true, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Engine.ProcessCloudSyncQueue(cmd.Context())
			if err != nil {
				return fmt.Errorf("%s", apperrors.MessageOf(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d delivered, %d retried, %d dropped\n",
				result.Delivered, result.Retried, result.Dropped)
			return nil
		},
	})
	return cmd
}

func newLogsCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "logs",
		GroupID: "sync",
		Short:   "Show recent sync log entries",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context(), false, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			logs, err := a.Repo.ListLogs(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, l := range logs {
				line := fmt.Sprintf("%s  %-12s %-7s %s",
					time.UnixMilli(l.Timestamp).Format(time.RFC3339), l.Action, l.Status, l.Patient())
				if l.ErrorMessage != nil {
					line += "  " + *l.ErrorMessage
				}
				fmt.Fprintln(out, strings.TrimRight(line, " "))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "entries to show, 0 for all")

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every sync log entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context(), false, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Repo.ClearLogs(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Sync logs cleared")
			return nil
		},
	})
	return cmd
}

// newPushCmd uploads every local record regardless of status, for
// re-seeding an empty remote.
func newPushCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "push",
		GroupID: "sync",
		Short:   "Upload all local records to the remote directory",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context(), false, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Remote == nil {
				return fmt.Errorf("%s", apperrors.MessageOf(remote.ErrNotConfigured))
			}

			recs, err := a.Repo.ListPatients()
			if err != nil {
				return err
			}
			ok, failed := 0, 0
			for _, r := range remote.UpsertAll(cmd.Context(), a.Remote, recs) {
				if r.Err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", r.UniqueID, r.Err)
					continue
				}
				ok++
				if err := a.Repo.SetCloudSyncStatus(r.UniqueID, models.CloudSyncSynced); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pushed %d records, %d failed\n", ok, failed)
			return nil
		},
	}
}

func newRemoteCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remote",
		GroupID: "sync",
		Short:   "Inspect the remote directory",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check the remote directory is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context(), false, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Remote == nil {
				return fmt.Errorf("%s", apperrors.MessageOf(remote.ErrNotConfigured))
			}
			if err := a.Remote.Ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	})

	var f remote.Filter
	list := &cobra.Command{
		Use:   "list",
		Short: "List records stored remotely",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context(), false, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Remote == nil {
				return fmt.Errorf("%s", apperrors.MessageOf(remote.ErrNotConfigured))
			}
			recs, err := a.Remote.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if recs == nil {
				recs = []*models.PatientRecord{}
			}
			return printJSON(cmd.OutOrStdout(), recs)
		},
	}
	list.Flags().StringVar(&f.AreaCode, "area", "", "only this area_code")
	list.Flags().StringSliceVar(&f.UniqueIDs, "id", nil, "only these unique ids")
	list.Flags().IntVar(&f.Limit, "limit", 0, "maximum records, 0 for all")
	cmd.AddCommand(list)
	return cmd
}
