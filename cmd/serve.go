package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/clientbook/internal/api"
	"github.com/sells-group/clientbook/internal/importer"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the upload API and background import workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runner := importer.NewRunner(env.Orchestrator, env.Ledger, cfg.Import.Workers, cfg.Import.QueueSize)
		runner.Start(ctx)

		if _, _, err := runner.Recover(ctx); err != nil {
			zap.L().Error("job recovery failed", zap.Error(err))
		}

		handler := api.New(api.Deps{
			Ledger:     env.Ledger,
			Runner:     runner,
			Duplicates: env.Duplicates,
			Branches:   env.Store,
			Ping:       env.ping,
		}, api.Options{
			MaxUploadBytes: cfg.Import.MaxUploadBytes,
			UploadRPS:      cfg.Server.UploadRPS,
			UploadBurst:    cfg.Server.UploadBurst,
			CORSOrigins:    cfg.Server.CORSOrigins,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			stop()
			_ = runner.Wait()
			return eris.Wrap(err, "server listen")
		}

		// Workers stop with ctx; a job cut off mid-run is failed by the orchestrator.
		return runner.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
