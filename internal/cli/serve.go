package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rescale/rest-dispatch/internal/constants"
	"github.com/rescale/rest-dispatch/internal/logging"
	"github.com/rescale/rest-dispatch/internal/metrics"
	"github.com/rescale/rest-dispatch/internal/server"
)

// newServeCmd creates the 'serve' command.
func newServeCmd() *cobra.Command {
	var (
		listen    string
		noMetrics bool
		jsonLogs  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local rate limiting proxy",
		Long: `Run an HTTP proxy that forwards /api/v{version}/... to the remote API
through one dispatcher, so every process talking to it shares the same
bucket and global limits.

Endpoints:
  /api/v{version}/...  - proxied API calls
  /healthz             - queue statistics
  /metrics             - Prometheus metrics (disable with --no-metrics)

Requests carrying their own Authorization header are forwarded with it;
all others use the configured token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonLogs {
				logger = logging.NewJSONLogger(os.Stderr)
			}
			log := GetLogger()

			client, cfg, err := getAPIClient()
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.Server.Listen
			}

			ctx := GetContext(cmd)
			d := client.Dispatcher()
			d.StartSweepers(ctx)
			go log.Follow(ctx, d.Events())

			var m *metrics.Metrics
			if !noMetrics {
				m = metrics.New(d.Stats)
				defer m.Attach(d.Events())()
			}

			if d.Token() == "" {
				log.Warn().Msg("No token configured; only requests with their own Authorization header will authenticate")
			}

			return server.New(d, cfg.API.Version, m, log.Child("server")).ListenAndServe(ctx, listen)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default from config, "+constants.DefaultListenAddr+")")
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "Do not serve /metrics")
	cmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "Log one JSON object per line")

	return cmd
}
