package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/httpscope/httpscope/internal/config"
	"github.com/httpscope/httpscope/pkg/cert"
	"github.com/httpscope/httpscope/pkg/dns"
	"github.com/httpscope/httpscope/pkg/logger"
	"github.com/httpscope/httpscope/pkg/policy"
	"github.com/httpscope/httpscope/pkg/proxy"
)

const version = "0.1.0"

// Exit codes promised to wrappers and supervisors.
const (
	exitOK     = 0
	exitConfig = 1
	exitBind   = 2
	exitCA     = 3
)

var (
	configPath string
	logLevel   string
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "httpscope",
		Short: "HTTPScope - intercepting HTTPS proxy for development",
		Long: `HTTPScope is a developer-facing intercepting HTTPS proxy. Clients use it
as their HTTP proxy; for allow-listed domains it terminates TLS with a
certificate minted by a local CA, forwards the request to the real origin,
and records every request/response pair to per-domain log files. All other
CONNECT targets are tunnelled opaquely.

Examples:
  # Run with the default config.json
  httpscope

  # Run with an explicit configuration file
  httpscope --config proxy.json

  # Raise the program log level without touching the config
  httpscope --config proxy.json --log-level debug`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runProxy,
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.json", "Configuration file path")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level (error, warn, info, debug, trace)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code := exitConfig
		if ee, ok := err.(*exitError); ok {
			code = ee.code
		}
		os.Exit(code)
	}
	os.Exit(exitOK)
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return &exitError{code: exitConfig, err: err}
		}
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Output, cfg.Logging.LogDir, cfg.Logging.ProgramLog)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	defer log.Close()

	log.Info("starting httpscope v%s", version)

	ca, err := cert.NewCA(cfg.Certificates.CACert, cfg.Certificates.CAKey)
	if err != nil {
		return &exitError{code: exitCA, err: err}
	}
	// The certificate path is all an external installer needs to add the CA
	// to the OS trust store.
	log.Info("CA certificate at %s", ca.CertPath())

	issuer := cert.NewIssuer(ca)
	rules := policy.New(cfg.Target.Domains, cfg.Target.Ports)
	resolver := dns.NewResolver(cfg.Upstream.DNSServer)

	domains := logger.NewDomain(cfg.Logging, log)
	defer domains.Close()

	server := proxy.NewServer(cfg, issuer, rules, resolver, log, domains)
	if err := server.Start(); err != nil {
		return &exitError{code: exitBind, err: err}
	}
	log.Info("proxy address %s", server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received %v, shutting down", sig)

	server.Shutdown()
	return nil
}
