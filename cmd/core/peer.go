package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hamzamalik22/gaza-health-records-app/internal/app"
	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/export"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/transfer"
)

func newPatientsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patients",
		Short: "List or add local patient records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context(), false, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			recs, err := a.Repo.ListPatients()
			if err != nil {
				return err
			}
			if recs == nil {
				recs = []*models.PatientRecord{}
			}
			return printJSON(cmd.OutOrStdout(), recs)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "add field=value...",
		Short:   "Register a patient",
		Example: "  healthsync patients add name=Amal age=34 area_code=GZ-01",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := make(map[string]string, len(args))
			for _, arg := range args {
				k, v, ok := strings.Cut(arg, "=")
				if !ok || k == "" {
					return fmt.Errorf("expected field=value, got %q", arg)
				}
				fields[k] = v
			}

			a, err := c.open(cmd.Context(), false, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.Engine.CreatePatient(&models.PatientRecord{Fields: fields})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.UniqueID)
			return nil
		},
	})
	return cmd
}

func newPeerCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "peer",
		GroupID: "peer",
		Short:   "Exchange records with another device over the transfer broker",
	}

	var target string
	send := &cobra.Command{
		Use:   "send",
		Short: "Send every local record to a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context(), false, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			ch, err := a.PeerChannel(target)
			if err != nil {
				return err
			}
			defer ch.Close()

			out := cmd.ErrOrStderr()
			err = a.Peer.SendPatients(cmd.Context(), ch, func(pct int) {
				fmt.Fprintf(out, "\rSending... %3d%%", pct)
			})
			fmt.Fprintln(out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s\n", ch.Subject())
			return nil
		},
	}
	send.Flags().StringVar(&target, "to", "", "receiving device id")
	_ = send.MarkFlagRequired("to")
	cmd.AddCommand(send)

	var (
		timeout  time.Duration
		once     bool
		strategy string
	)
	receive := &cobra.Command{
		Use:   "receive",
		Short: "Merge records sent to this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			strat, err := transfer.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			a, err := c.open(cmd.Context(), false, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			ch, err := a.PeerChannel(a.DeviceID)
			if err != nil {
				return err
			}
			defer ch.Close()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			peer := transfer.NewPeer(a.Repo, transfer.PeerOptions{
				DeviceID: a.DeviceID,
				Strategy: strat,
				Events:   a.Bus,
			})
			results := make(chan error, 1)
			out := cmd.OutOrStdout()
			stop, err := peer.Receive(ch, func(r transfer.ImportResult, err error) {
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Transfer failed: %v\n", err)
				} else {
					fmt.Fprintf(out, "Received: %d inserted, %d updated, %d skipped\n", r.Inserted, r.Updated, r.Skipped)
				}
				select {
				case results <- err:
				default:
				}
			})
			if err != nil {
				return err
			}
			defer stop()

			fmt.Fprintf(cmd.ErrOrStderr(), "Listening on %s\n", ch.Subject())
			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-results:
					if once {
						return err
					}
				}
			}
		},
	}
	receive.Flags().DurationVar(&timeout, "timeout", 0, "stop listening after this long, 0 waits for a signal")
	receive.Flags().BoolVar(&once, "once", false, "exit after the first transfer")
	receive.Flags().StringVar(&strategy, "strategy", "", "merge strategy: fww (default) or lww")
	cmd.AddCommand(receive)
	return cmd
}

func newImportCmd(c *cli) *cobra.Command {
	var strategy, password string
	cmd := &cobra.Command{
		Use:     "import FILE",
		GroupID: "peer",
		Short:   "Merge records from a bundle or JSON file, - for stdin",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strat, err := transfer.ParseStrategy(strategy)
			if err != nil {
				return err
			}

			var data []byte
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			a, err := c.open(cmd.Context(), false, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			result, manifest, err := export.NewService(a.Repo, a.DeviceID).Import(data, password, strat)
			if err != nil {
				return fmt.Errorf("%s", apperrors.MessageOf(err))
			}
			if manifest != nil && manifest.DeviceID != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Bundle from %s, %d patients\n", manifest.DeviceID, manifest.PatientCount)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported: %d inserted, %d updated, %d skipped\n",
				result.Inserted, result.Updated, result.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "merge strategy: fww (default) or lww")
	cmd.Flags().StringVar(&password, "password", "", "password of an encrypted bundle")
	return cmd
}

func newExportCmd(c *cli) *cobra.Command {
	var (
		password string
		status   string
	)
	cmd := &cobra.Command{
		Use:     "export FILE",
		GroupID: "peer",
		Short:   "Write local records to a bundle file, - for stdout",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := export.Config{Password: password}
			if status != "" {
				cfg.Status = models.CloudSyncStatus(status)
				if !cfg.Status.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
			}

			a, err := c.open(cmd.Context(), false, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if args[0] != "-" {
				f, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			result, err := export.NewService(a.Repo, a.DeviceID).Export(out, cfg)
			if err != nil {
				return fmt.Errorf("%s", apperrors.MessageOf(err))
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d patients (%d bytes, encrypted=%v)\n",
				result.Manifest.PatientCount, result.SizeBytes, result.Encrypted)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "encrypt the bundle with this password")
	cmd.Flags().StringVar(&status, "status", "", "only records with this cloud sync status (pending or synced)")
	return cmd
}
