package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"awg-keeper/pkg/app"
	"awg-keeper/pkg/reconciler"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation pass, or keep running with --watch",
	RunE: func(cmd *cobra.Command, _ []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		return withApp(cmd, func(a *app.App, log zerolog.Logger) error {
			if !watch {
				rep := a.Sync(cmd.Context())
				printReport(cmd.OutOrStdout(), rep)
				if rep.Skipped != "" {
					return fmt.Errorf("pass skipped: %s", rep.Skipped)
				}
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a.Reconciler.Options.OnReport = func(r reconciler.Report) { printReport(cmd.OutOrStdout(), r) }
			log.Info().Dur("interval", a.Settings.Sync.Interval).Msg("watching, Ctrl+C to stop")
			a.Reconciler.Run(ctx)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Compare the server config, the client list and the records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app.App, _ zerolog.Logger) error {
			st, err := a.Admin.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server config: %d peer(s)\n", len(st.DaemonPeers))
			for _, p := range st.DaemonPeers {
				fmt.Fprintf(out, "  %s  %-18s recorded=%t\n", shortKey(p.PublicKey), p.Address, p.Recorded)
			}
			fmt.Fprintf(out, "\nClient list: %d entr(ies)\n", len(st.Metadata))
			for _, m := range st.Metadata {
				mark := "live"
				if !m.Live {
					mark = "dead"
				}
				fmt.Fprintf(out, "  [%s] %s\n", mark, m.ClientName)
			}
			fmt.Fprintf(out, "\nRecords: %d config(s)\n", len(st.Records))
			for _, r := range st.Records {
				fmt.Fprintf(out, "  %s (%s)\n", r.ConfigFileName(), r.Address)
			}
			fmt.Fprintf(out, "\nDead client list entries: %d\nServer peers without a record: %d\n", st.DeadMetadata, st.Unrecorded)
			return nil
		})
	},
}

var cleanupMetadataCmd = &cobra.Command{
	Use:   "cleanup-metadata",
	Short: "Drop client list entries whose peer is not in the server config",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app.App, _ zerolog.Logger) error {
			removed, err := a.Admin.CleanupMetadata(cmd.Context(), "cli")
			if err != nil {
				return err
			}
			for _, e := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", e.ClientName)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d dead entr(ies) removed\n", len(removed))
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Record server peers that were created outside awg-keeper",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app.App, _ zerolog.Logger) error {
			res, err := a.Admin.Import(cmd.Context(), "cli")
			if err != nil {
				return err
			}
			for _, e := range res.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", e)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d, skipped %d\n", res.Adopted, res.Skipped)
			return nil
		})
	},
}

func init() {
	syncCmd.Flags().BoolP("watch", "w", false, "keep reconciling every sync interval")
}

func printReport(w io.Writer, r reconciler.Report) {
	if r.Skipped != "" {
		fmt.Fprintf(w, "pass %s skipped: %s\n", r.ID, r.Skipped)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "pass\t%s\n", r.ID)
	fmt.Fprintf(tw, "runtime / metadata / records\t%d / %d / %d\n", r.Runtime, r.Metadata, r.Records)
	fmt.Fprintf(tw, "consistent\t%d\n", r.Consistent)
	fmt.Fprintf(tw, "metadata lag\t%d\n", r.MetadataLag)
	fmt.Fprintf(tw, "restored\t%d\n", r.Restored)
	fmt.Fprintf(tw, "records deleted\t%d\n", r.Deleted)
	fmt.Fprintf(tw, "owners removed\t%d\n", r.OwnersRemoved)
	fmt.Fprintf(tw, "client list entries removed\t%d\n", r.MetadataRemoved)
	fmt.Fprintf(tw, "adopted\t%d\n", r.Adopted)
	fmt.Fprintf(tw, "failed\t%d\n", r.Failed)
	fmt.Fprintf(tw, "took\t%s\n", r.Duration)
	_ = tw.Flush()
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}

func shortKey(k string) string {
	if len(k) > 20 {
		return k[:20] + "..."
	}
	return k
}
