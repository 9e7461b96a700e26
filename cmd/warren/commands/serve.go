package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve sessions over HTTP with server-sent events",
		Long: `Start the HTTP surface:

  GET    /healthz
  POST   /v1/sessions/{session}/messages   {"user_id", "input" | "resume"}
  GET    /v1/sessions/{session}?user_id=
  DELETE /v1/sessions/{session}?user_id=`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, st, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			warnEphemeral(a.cfg)
			printer.Step("Serving on %s (store: %s, namespace: %s)\n", addr, a.cfg.Store.Backend, a.cfg.Namespace)
			if err := server.New(eng, st, addr).Run(ctx); err != nil {
				return printer.Error("server failed", err.Error(), nil)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from warren.yml, :8080)")
	return cmd
}
