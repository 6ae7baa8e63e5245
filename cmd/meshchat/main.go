// Command meshchat connects to an external framing server and runs one
// node of the multi-hop chat mesh.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"meshchat/config"
	"meshchat/console"
	"meshchat/metrics"
	"meshchat/node"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var mediumAddr string
	var frequencyHz uint32
	var syslogEnabled bool

	c := &cobra.Command{
		Use:   "meshchat",
		Short: "Run one node of the multi-hop mesh chat protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if mediumAddr != "" {
				cfg.Medium = mediumAddr
			}
			if frequencyHz != 0 {
				cfg.FrequencyHz = frequencyHz
			}
			if syslogEnabled {
				cfg.Syslog = true
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := c.Flags()
	flags.StringVar(&configPath, "config", "", "Path to a TOML configuration file.")
	flags.StringVar(&mediumAddr, "medium", "", "Address of the external framing server (overrides config).")
	flags.Uint32Var(&frequencyHz, "frequency_hz", 0, "24-bit channel frequency in Hz (overrides config).")
	flags.BoolVar(&syslogEnabled, "syslog", false, "Also log to syslog.")

	return c
}

func run(ctx context.Context, cfg config.Config) error {
	log := logrus.StandardLogger()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("meshchat: %w", err)
	}
	log.SetLevel(level)

	if cfg.Syslog {
		writer, err := console.NewSyslogWriter(console.DefaultPriority, 0)
		if err != nil {
			log.WithError(err).Warn("meshchat: syslog unavailable, continuing without it")
		} else {
			log.SetOutput(io.MultiWriter(os.Stderr, writer.Writer()))
		}
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := net.Dial("tcp", cfg.Medium)
	if err != nil {
		return fmt.Errorf("meshchat: dialing medium: %w", err)
	}
	defer conn.Close()

	m := metrics.New()
	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsAddr, m); err != nil {
			log.WithError(err).Warn("meshchat: metrics server exited")
		}
	}()

	printer := console.New(os.Stdout)
	n := node.New(conn, cfg.FrequencyHz, printer, m, log)

	if err := n.Run(ctx, os.Stdin); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}
