package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/flowwatch/internal/batch"
	"github.com/lucasnoah/flowwatch/internal/history"
	"github.com/lucasnoah/flowwatch/internal/tracker"
	"github.com/lucasnoah/flowwatch/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Attach to the engine and serve tracked state over HTTP",
	Long: `Attach to the engine and serve a read-only JSON view of tracked pipelines,
batches and history, plus a Server-Sent Events stream of changes at /api/stream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		hub := web.NewHub(0)
		var relay *web.Relay
		a, cleanup, err := newApp(cmd, appOptions{
			history:      true,
			reconnect:    true,
			onChange:     func(st tracker.ExecutionState) { relay.Pipeline(st) },
			onBatch:      func(e batch.Execution) { relay.Batch(e) },
			onDisconnect: func() { relay.Engine(web.EngineStatus{Connected: false}) },
			onReconnect: func(r *tracker.RestoreReport) {
				relay.Engine(web.EngineStatus{Connected: true, Restored: r.Restored})
			},
		})
		if err != nil {
			return err
		}
		defer cleanup()
		relay = web.NewRelay(hub, a.log.Named("web"))

		report, err := a.attach(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), infoMsg("attached to %s, restored %d pipeline(s); serving on http://%s",
			a.cfg.Engine.URL, len(report.Restored), addr))

		var store history.Store
		if a.history != nil {
			store = a.history
		}
		srv := web.NewServer(web.Options{
			Addr:      addr,
			Pipelines: a.tracker,
			Batches:   a.batches,
			History:   store,
			Hub:       hub,
			Logger:    a.log.Named("web"),
		})
		return srv.ListenAndServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:7401", "Address to listen on")
}
