/* Main program for the Elmer packet BBS gateway. */
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	elmer "github.com/elmerbbs/elmer/src"
)

func main() {
	var configPath = pflag.StringP("config", "c", "", "Config file (default $CONFIG_PATH or config/config.yaml).")

	var telnetOnly = pflag.Bool("telnet-only", false, "Serve telnet connections only; do not attach to the TNC.")

	var kissOnly = pflag.Bool("kiss-only", false, "Serve the radio side only; do not start the telnet listener.")

	var telnetHost = pflag.String("telnet-host", "", "Override the telnet listen host.")

	var telnetPort = pflag.Int("telnet-port", 0, "Override the telnet listen port.")

	var direwolfHost = pflag.String("direwolf-host", "", "Override the Direwolf KISS host.")

	var direwolfPort = pflag.Int("direwolf-port", 0, "Override the Direwolf KISS port.")

	var showVersion = pflag.BoolP("version", "V", false, "Print version and exit.")

	var help = pflag.Bool("help", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - Claude AI gateway for AX.25 packet radio and telnet\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Set ANTHROPIC_API_KEY in the environment.  QRZ_USERNAME/QRZ_PASSWORD\n")
		fmt.Fprintf(os.Stderr, "or QRZ_API_KEY enable callsign lookups.\n")
		fmt.Fprintf(os.Stderr, "\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	if *showVersion {
		elmer.PrintVersion(false)
		os.Exit(0)
	}

	if *telnetOnly && *kissOnly {
		fmt.Fprintf(os.Stderr, "--telnet-only and --kiss-only are mutually exclusive\n")
		os.Exit(1)
	}

	var cfg, cfgErr = elmer.LoadConfig(*configPath)
	if cfgErr != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %s\n", cfgErr)
		os.Exit(1)
	}

	/* Command line overrides beat the file. */

	if *telnetHost != "" {
		cfg.Telnet.Host = *telnetHost
	}

	if *telnetPort != 0 {
		cfg.Telnet.Port = *telnetPort
	}

	if *direwolfHost != "" {
		cfg.Direwolf.Host = *direwolfHost
	}

	if *direwolfPort != 0 {
		cfg.Direwolf.Port = *direwolfPort
	}

	if *telnetOnly {
		cfg.Telnet.Enabled = true
	}

	var opts = elmer.AppOptions{
		EnableAX25:   !*telnetOnly,
		EnableTelnet: !*kissOnly && cfg.Telnet.Enabled,
	}

	var logger = elmer.NewLogger(cfg.Logging)

	var app, appErr = elmer.NewApp(cfg, opts, logger)
	if appErr != nil {
		logger.Error("startup failed", "error", appErr)
		os.Exit(1)
	}

	if startErr := app.Start(); startErr != nil {
		logger.Error("startup failed", "error", startErr)
		app.Stop()
		os.Exit(1)
	}

	var sigCh = make(chan os.Signal, 1)

	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var sig = <-sigCh

	logger.Info("shutting down", "signal", sig.String())

	app.Stop()
}
