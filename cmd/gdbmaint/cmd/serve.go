package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sde-tools/gdbmaint/pkg/api"
	"github.com/sde-tools/gdbmaint/pkg/shutdown"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API and Prometheus metrics",
	Long: `Run an HTTP server exposing run history under /api/v1 and Prometheus
metrics under /metrics, so dashboards can watch maintenance without database
access.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default from config, :9090)")
}

func runServe(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Close()

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}

	listen := serveListen
	if listen == "" {
		listen = viper.GetString("listen")
	}

	handler := api.NewHandler(store, log)
	srv := &http.Server{
		Addr:         listen,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	mgr := shutdown.New(10 * time.Second)
	mgr.Register(shutdown.CloseResource(store, "history store"))
	mgr.Register(shutdown.StopHTTPServer(srv, "status server"))

	ctx, cancel := shutdown.NotifyContext(cmd.Context())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		log.Info("Status server listening on " + listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		mgr.Shutdown()
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
		log.Info("Shutting down status server")
		mgr.Shutdown()
		return nil
	}
}
