// Package cmd implements the chppctl CLI commands.
package cmd

import (
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chpp-org/gochpp/pkg/link"
	"github.com/chpp-org/gochpp/pkg/logging"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	// Global flags
	addr         string
	network      string
	serialDevice string
	serialBaud   int
	mtu          int
	opTimeout    time.Duration
	logLevel     string
)

// Result formatters shared by the subcommands.
var (
	okFmt  = color.New(color.FgGreen, color.Bold).SprintFunc()
	errFmt = color.New(color.FgRed, color.Bold).SprintFunc()
	dimFmt = color.New(color.Faint).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "chppctl",
	Short: "Exercise a CHPP endpoint",
	Long: `chppctl dials a CHPP endpoint over TCP, a unix socket, or a UART,
performs the transport reset handshake, and exercises the peer: service
discovery, loopback, time synchronization, and the echo vendor service.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Init(&logging.Config{Level: logLevel, Format: "console"})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "localhost:2477", "Endpoint address (host:port, or socket path with --network unix)")
	rootCmd.PersistentFlags().StringVar(&network, "network", "tcp", "Socket network: tcp or unix")
	rootCmd.PersistentFlags().StringVar(&serialDevice, "serial", "", "Serial device (e.g. /dev/ttyUSB0); overrides --addr")
	rootCmd.PersistentFlags().IntVar(&serialBaud, "baud", 115200, "Serial baud rate")
	rootCmd.PersistentFlags().IntVar(&mtu, "mtu", link.DefaultMTU, "Link-layer MTU")
	rootCmd.PersistentFlags().DurationVar(&opTimeout, "timeout", 5*time.Second, "Timeout per protocol operation")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
