// Package main provides the cwlink station CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ryandielhenn/cwlink/internal/config"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

var configPath string

var (
	runCall      string
	runChannel   int
	runMode      string
	runWPM       float64
	runTransport string
	runBroker    string
	runHTTPAddr  string
	runLogLevel  string
	runNoQSO     bool
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "cwlink",
		Short:         "Morse key-event station",
		Version:       fmt.Sprintf("%s (%s)", version, gitSHA),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          runStationCmd,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "config file")
	addRunFlags(rootCmd)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a station (default)",
		Args:  cobra.NoArgs,
		RunE:  runStationCmd,
	}
	addRunFlags(runCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newStationsCmd())
	rootCmd.AddCommand(newQSOCmd())
	return rootCmd
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&runCall, "call", "", "station call sign")
	f.IntVar(&runChannel, "channel", 0, "channel to tune")
	f.StringVar(&runMode, "mode", "", "straight, single_paddle, iambic_a or iambic_b")
	f.Float64Var(&runWPM, "wpm", 0, "derive timing from words per minute")
	f.StringVar(&runTransport, "transport", "", "memory, mqtt or etcd")
	f.StringVar(&runBroker, "broker", "", "MQTT broker address")
	f.StringVar(&runHTTPAddr, "http", "", "control surface listen address")
	f.StringVar(&runLogLevel, "log-level", "", "debug, info, warn or error")
	f.BoolVar(&runNoQSO, "no-qso", false, "disable the QSO log")
}

// loadConfig resolves defaults, file, environment and then the flags that
// were set on cmd.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Lookup("call") != nil {
		applyFlag(cmd, "call", &cfg.Station.Call, runCall)
		applyFlag(cmd, "channel", &cfg.Station.Channel, runChannel)
		applyFlag(cmd, "mode", &cfg.Station.Mode, runMode)
		applyFlag(cmd, "transport", &cfg.Transport.Kind, runTransport)
		applyFlag(cmd, "broker", &cfg.Transport.Broker, runBroker)
		applyFlag(cmd, "http", &cfg.HTTP.Addr, runHTTPAddr)
		applyFlag(cmd, "log-level", &cfg.Log.Level, runLogLevel)
		if flags.Changed("wpm") && runWPM > 0 {
			cfg.ApplyWPM(runWPM)
		}
		if runNoQSO {
			cfg.QSO.Enabled = false
		}
	}
	return cfg, nil
}

func applyFlag[T any](cmd *cobra.Command, name string, target *T, value T) {
	if cmd.Flags().Changed(name) {
		*target = value
	}
}

func logErrf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format, args...)
}
