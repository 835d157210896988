package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"awg-keeper/pkg/api"
	applog "awg-keeper/pkg/log"
	"awg-keeper/pkg/reconciler"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow reconcile reports from a running server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, closer, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()
		server, _ := cmd.Flags().GetString("server")
		if server == "" {
			server = "http://" + localAddr(s.API.Addr)
			if s.API.TLSCert != "" {
				server = "https://" + localAddr(s.API.Addr)
			}
		}
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			token = s.API.Token
		}
		c, err := api.NewEventsClient(server, token)
		if err != nil {
			return err
		}
		c.Log = applog.WithComponent("events")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		err = c.Watch(ctx, func(m api.WSMessage) {
			if m.Type != "reconcile_report" {
				return
			}
			raw, ok := m.Payload.(json.RawMessage)
			if !ok {
				return
			}
			var rep reconciler.Report
			if err := json.Unmarshal(raw, &rep); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "bad report: %v\n", err)
				return
			}
			printReport(cmd.OutOrStdout(), rep)
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

// localAddr turns a listen address like ":8080" into a dialable one.
func localAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	return listen
}

func init() {
	eventsCmd.Flags().String("server", "", "server base URL (defaults to api.addr)")
	eventsCmd.Flags().String("token", "", "API token (defaults to api.token)")
}
