package cli

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var serveOpts options

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the settlement scheduler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveOpts.fakeChain, "fake-chain", false, "Use the in-memory escrow instead of the JSON-RPC relay")
	serveCmd.Flags().StringVar(&serveOpts.invoicesPath, "invoices", "", "JSON file of invoices to serve instead of the Postgres catalog")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(serveOpts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, serveOpts)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Settlement.Enabled {
		go a.settlement.Run(ctx, cfg.Settlement.Interval)
	}

	apiServer := a.server()
	errc := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Printf("voltsettle: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}
