package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ziadkadry99/partychat/internal/server"
	"github.com/ziadkadry99/partychat/internal/transport/ws"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the answer server",
	Long:  `Starts the HTTP server. Clients open a websocket at /ws to ask questions and receive streamed, cited answers; /api/parties lists the configured parties.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := setup(ctx)
		if err != nil {
			return err
		}
		defer p.logger.Sync()
		defer p.Close()

		port := p.cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		allowAll := p.cfg.Server.AllowAllOrigins

		srv := server.New(server.Config{
			Port:     port,
			AllowAll: allowAll,
		}, p.parties, ws.NewHandler(p.orch, p.logger.Named("ws"), allowAll), p.journal, p.logger.Named("http"))

		go func() {
			<-ctx.Done()
			p.logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				p.logger.Warn("server shutdown", zap.Error(err))
			}
		}()

		p.logger.Info("partychat server starting",
			zap.String("version", Version),
			zap.Int("port", port),
			zap.String("database", p.db.Path()),
			zap.Strings("indexed_parties", p.indexes.PartyIDs()))

		if err := srv.Start(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "port to listen on (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}
