package cli

import (
	"fmt"
	ossignal "os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/healfactory/internal/db"
	"github.com/lucasnoah/healfactory/internal/pipeline"
	"github.com/lucasnoah/healfactory/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only web UI over runs and the event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		cfg, err := loadConfigOrDefaults()
		if err != nil {
			return err
		}

		var database *db.DB
		if d, err := openEventLog(cfg); err != nil {
			logger.Warn("event log unavailable, serving run state only", zap.Error(err))
		} else {
			database = d
			defer d.Close()
		}

		ctx, stop := ossignal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := web.NewServer(pipeline.NewStore(cfg.Pipeline.OutputDir), database, fmt.Sprintf(":%d", port))
		srv.SetLogger(logger)
		fmt.Fprintf(cmd.OutOrStdout(), "healer UI: http://localhost:%d\n", port)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
}
