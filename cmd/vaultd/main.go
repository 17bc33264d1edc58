package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/volatilevault/vault/internal/config"
	"github.com/volatilevault/vault/internal/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("VAULT_CONFIG"), "path to the YAML configuration file")
	checkOnly := flag.Bool("check", false, "validate the configuration and exit")
	printDefaults := flag.Bool("print-defaults", false, "write the default configuration to stdout and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("vaultd", version)
		return
	}
	if *printDefaults {
		if err := config.NewDefault().Write(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "vaultd: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaultd: config error: %v\n", err)
		os.Exit(1)
	}
	if *checkOnly {
		fmt.Println("configuration ok")
		return
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaultd: logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	log := logger.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server.Version = version
	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		log.Error("startup failed", map[string]interface{}{"error": err})
		logger.Close()
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-stop:
		log.Info("received signal, shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			log.Error("server stopped", map[string]interface{}{"error": err})
			exitCode = 1
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Global.ShutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		exitCode = 1
	}
	cancel()

	log.Info("shutdown complete", nil)
	if exitCode != 0 {
		logger.Close()
		os.Exit(exitCode)
	}
}
