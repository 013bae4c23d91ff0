// mtrping repeatedly probes a single host and reports each reply, a
// minimal ping built on the mtrpacket session API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lydakis/mtrpacket"
	"github.com/lydakis/mtrpacket/internal/config"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/common/version"
)

const binName = "mtrping"

var (
	configFilePath *string
	count          *int
	interval       *time.Duration
	ttl            *int
	protocol       *string
	port           *int
	ipVersion      *int
	timeout        *time.Duration
	packetSize     *int
	logger         *slog.Logger
	logLevel       *string
	slogLevel      *slog.LevelVar = new(slog.LevelVar)

	host string
)

// Print program usage
func printUsage(fs ff.Flags) {
	fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <hostname>\n", binName)
	os.Exit(1)
}

// Print program version
func printVersion() {
	fmt.Printf("%s v%s built on %s\n", binName, version.Version, version.BuildDate)
	os.Exit(0)
}

func init() {
	fs := ff.NewFlagSet(binName)
	displayVersion := fs.BoolLong("version", "Print version")
	configFilePath = fs.StringLong(
		"config-file",
		"",
		"Path to probe defaults file",
	)
	count = fs.IntLong("count", 4, "Number of probes to send, 0 for unlimited")
	interval = fs.DurationLong("interval", time.Second, "Delay between probes")
	ttl = fs.IntLong("ttl", 0, "Time-to-live for probe packets")
	protocol = fs.StringLong("protocol", "", "Probe protocol: icmp, udp, tcp, sctp")
	port = fs.IntLong("port", 0, "Destination port for non-ICMP probes")
	ipVersion = fs.IntLong("ip-version", 0, "Force IP version 4 or 6")
	timeout = fs.DurationLong("timeout", 0, "Per-probe timeout passed to mtr-packet")
	packetSize = fs.IntLong("packet-size", 0, "Probe packet size in bytes")
	logLevel = fs.StringEnumLong(
		"log-level",
		"Log level: debug, info, warn, error",
		"info",
		"debug",
		"error",
		"warn",
	)

	err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix(strings.ToUpper(binName)),
	)
	if err != nil {
		printUsage(fs)
	}

	if *displayVersion {
		printVersion()
	}

	args := fs.GetArgs()
	if len(args) != 1 {
		printUsage(fs)
	}
	host = args[0]

	switch *logLevel {
	case "debug":
		slogLevel.Set(slog.LevelDebug)
	case "info":
		slogLevel.Set(slog.LevelInfo)
	case "warn":
		slogLevel.Set(slog.LevelWarn)
	case "error":
		slogLevel.Set(slog.LevelError)
	}

	logger = slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slogLevel,
		}),
	)
	slog.SetDefault(logger)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configFilePath)
	if err != nil {
		logger.Error("Unable to load config", "error", err)
		os.Exit(1)
	}

	sessionOpts := []mtrpacket.Option{mtrpacket.WithLogger(logger)}
	if cfg.Executable != "" {
		sessionOpts = append(sessionOpts, mtrpacket.WithExecutable(cfg.Executable))
	}
	if len(cfg.CommandPrefix) > 0 {
		sessionOpts = append(sessionOpts, mtrpacket.WithCommandPrefix(cfg.CommandPrefix...))
	}

	mtr := mtrpacket.New(sessionOpts...)
	if err := mtr.Open(ctx); err != nil {
		logger.Error("Unable to start mtr-packet", "error", err)
		os.Exit(1)
	}
	defer mtr.Close() //nolint:errcheck

	opts := probeOptions(cfg)
	for sent := 0; *count == 0 || sent < *count; sent++ {
		if sent > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(*interval):
			}
		}

		result, err := mtr.Probe(ctx, host, opts...)
		if err != nil {
			var resolveErr *mtrpacket.HostResolveError
			if errors.As(err, &resolveErr) {
				logger.Error("Can't resolve host", "host", host)
				os.Exit(1)
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error("Probe failed", "host", host, "error", err)
			os.Exit(1)
		}

		if result.Success {
			fmt.Printf("reply from %s in %.3f ms\n", result.Responder, *result.TimeMs)
		} else {
			fmt.Printf("no reply (%s)\n", result.Result)
		}
	}
}

// probeOptions merges config-file defaults with flags; flags win.
func probeOptions(cfg *config.Config) []mtrpacket.ProbeOption {
	var opts []mtrpacket.ProbeOption

	if v := pick(*ipVersion, cfg.IPVersion); v != 0 {
		opts = append(opts, mtrpacket.WithIPVersion(v))
	}
	if v := pick(*ttl, cfg.TTL); v != 0 {
		opts = append(opts, mtrpacket.WithTTL(v))
	}
	proto := *protocol
	if proto == "" {
		proto = cfg.Protocol
	}
	if proto != "" {
		opts = append(opts, mtrpacket.WithProtocol(proto))
	}
	if *port != 0 {
		opts = append(opts, mtrpacket.WithPort(*port))
	}
	if v := pick(*packetSize, cfg.PacketSize); v != 0 {
		opts = append(opts, mtrpacket.WithPacketSize(v))
	}
	if cfg.TOS != 0 {
		opts = append(opts, mtrpacket.WithTOS(cfg.TOS))
	}

	d := *timeout
	if d == 0 {
		// Validated at load time.
		d, _ = cfg.ParsedTimeout()
	}
	if d > 0 {
		opts = append(opts, mtrpacket.WithTimeout(d))
	}
	return opts
}

func pick(flag, fallback int) int {
	if flag != 0 {
		return flag
	}
	return fallback
}
