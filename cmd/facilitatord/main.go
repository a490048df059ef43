// facilitatord serves the x402 exact Lightning facilitator over HTTP.
//
// Configuration comes from the environment (a .env file is loaded when
// present):
//
//	X402_LISTEN_ADDR     listen address (default ":8402")
//	X402_NETWORK         btc-lightning-{mainnet,testnet,signet,regtest}
//	X402_BACKEND         lnd | lnbits | mock
//	X402_BACKEND_URL     backend base URL (lnd/lnbits)
//	X402_LND_MACAROON    hex invoice macaroon (lnd)
//	X402_LNBITS_API_KEY  wallet invoice key (lnbits)
//	X402_REPLAY_STORE    memory | sqlite
//	X402_SQLITE_PATH     settlements db path (sqlite store)
//	X402_LOG_LEVEL       logrus level (default "info")
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	x402 "github.com/x402-foundation/x402-lightning"
	x402http "github.com/x402-foundation/x402-lightning/http"
	"github.com/x402-foundation/x402-lightning/mechanisms/lightning"
)

func main() {
	root := &cobra.Command{
		Use:          "facilitatord",
		Short:        "x402 exact Lightning facilitator",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the facilitator HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(envOr("X402_LOG_LEVEL", "info")); err == nil {
		log.SetLevel(level)
	}

	network := x402.Network(envOr("X402_NETWORK", string(lightning.NetworkMainnet)))
	if _, err := lightning.InvoiceNetworkFor(network); err != nil {
		return fmt.Errorf("X402_NETWORK: %w", err)
	}

	backend, err := buildBackend(log)
	if err != nil {
		return err
	}

	guard, closeGuard, err := buildReplayGuard()
	if err != nil {
		return err
	}
	defer closeGuard()

	mechanism := lightning.NewExactLightningFacilitator(backend, guard, lightning.WithLogger(log))
	facilitator := x402.NewFacilitator().Register(network, mechanism)
	server := x402http.NewServer(facilitator, x402http.WithServerLogger(log))

	addr := envOr("X402_LISTEN_ADDR", ":8402")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": addr, "network": network}).Info("facilitator listening")
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

func buildBackend(log *logrus.Logger) (lightning.BackendClient, error) {
	client := &http.Client{Timeout: 30 * time.Second}

	switch kind := envOr("X402_BACKEND", "mock"); kind {
	case "lnd":
		url := os.Getenv("X402_BACKEND_URL")
		macaroon := os.Getenv("X402_LND_MACAROON")
		if url == "" || macaroon == "" {
			return nil, fmt.Errorf("lnd backend requires X402_BACKEND_URL and X402_LND_MACAROON")
		}
		return lightning.NewLNDBackend(url, macaroon, client, log), nil
	case "lnbits":
		url := os.Getenv("X402_BACKEND_URL")
		apiKey := os.Getenv("X402_LNBITS_API_KEY")
		if url == "" || apiKey == "" {
			return nil, fmt.Errorf("lnbits backend requires X402_BACKEND_URL and X402_LNBITS_API_KEY")
		}
		return lightning.NewLNbitsBackend(url, apiKey, client, log), nil
	case "mock":
		log.Warn("using mock lightning backend; no real payments are checked")
		return lightning.NewMockBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

func buildReplayGuard() (lightning.ReplayGuard, func(), error) {
	switch kind := envOr("X402_REPLAY_STORE", "memory"); kind {
	case "memory":
		return lightning.NewMemoryReplayGuard(), func() {}, nil
	case "sqlite":
		path := envOr("X402_SQLITE_PATH", "settlements.db")
		guard, err := lightning.OpenSQLiteReplayGuard(path)
		if err != nil {
			return nil, nil, err
		}
		return guard, func() { guard.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown replay store %q", kind)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
