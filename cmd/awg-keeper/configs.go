package main

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"awg-keeper/pkg/app"
	"awg-keeper/pkg/model"
	"awg-keeper/pkg/provision"
)

var configsCmd = &cobra.Command{
	Use:   "configs",
	Short: "List and delete issued configs",
}

var configsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued configs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app.App, _ zerolog.Logger) error {
			rows, err := a.Admin.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no configs")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tOWNER\tDEVICE\tADDRESS\tFILE\tKEY")
			for _, r := range rows {
				owner := r.OwnerUsername
				if owner == "" {
					owner = r.OwnerExternalID
				}
				key := "yes"
				if !r.HasPrivateKey() {
					key = "imported"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, owner, r.Device, r.Address, r.ConfigFileName(), key)
			}
			return tw.Flush()
		})
	},
}

var configsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one config and remove its peer from the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(a *app.App, _ zerolog.Logger) error {
			if err := a.Admin.DeleteByID(cmd.Context(), id, "cli"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config %d deleted\n", id)
			return nil
		})
	},
}

var configsDeleteOwnerCmd = &cobra.Command{
	Use:   "delete-owner <owner-id>",
	Short: "Delete every config of an owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(a *app.App, _ zerolog.Logger) error {
			n, err := a.Admin.DeleteByOwner(cmd.Context(), id, "cli")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d config(s) deleted\n", n)
			return nil
		})
	},
}

var configsDeleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Delete every config",
	RunE: func(cmd *cobra.Command, _ []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		return withApp(cmd, func(a *app.App, _ zerolog.Logger) error {
			rows, err := a.Admin.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no configs")
				return nil
			}
			if !yes && !confirm(cmd, len(rows)) {
				fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
				return nil
			}
			n, err := a.Admin.DeleteAll(cmd.Context(), "cli")
			if err != nil {
				return fmt.Errorf("deleted %d before failing: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d config(s) deleted\n", n)
			return nil
		})
	},
}

// confirm asks for the literal word YES.
func confirm(cmd *cobra.Command, n int) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "This deletes ALL %d configs. Type YES to continue: ", n)
	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	return strings.TrimSpace(line) == "YES"
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Issue (or fetch) a client config and write it to the output directory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		username, _ := cmd.Flags().GetString("username")
		device, _ := cmd.Flags().GetString("device")
		outDir, _ := cmd.Flags().GetString("out")
		return withApp(cmd, func(a *app.App, _ zerolog.Logger) error {
			cfg, err := a.Provisioner.Provision(cmd.Context(), provision.Request{
				ExternalID: owner,
				Username:   username,
				Device:     model.DeviceClass(device),
			})
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = a.Settings.Clients.OutputDir
			}
			path, err := provision.WriteFile(outDir, cfg)
			if err != nil {
				return err
			}
			state := "existing"
			if cfg.Created {
				state = "new"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s config %s (%s) written to %s\n", state, cfg.FileName, cfg.Peer.Address, path)
			return nil
		})
	},
}

func init() {
	configsCmd.AddCommand(configsListCmd)
	configsCmd.AddCommand(configsDeleteCmd)
	configsCmd.AddCommand(configsDeleteOwnerCmd)
	configsCmd.AddCommand(configsDeleteAllCmd)
	configsDeleteAllCmd.Flags().Bool("yes", false, "skip the confirmation prompt")

	provisionCmd.Flags().String("owner", "", "owner external id")
	provisionCmd.Flags().String("username", "", "owner username")
	provisionCmd.Flags().String("device", "phone", "device class")
	provisionCmd.Flags().String("out", "", "output directory (defaults to clients.output_dir)")
	_ = provisionCmd.MarkFlagRequired("owner")
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(id), nil
}
