// mtrtrace traces the route to a host by probing every hop distance
// concurrently over one mtr-packet session, then prints the path with
// per-probe round-trip times.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lydakis/mtrpacket"
	"github.com/lydakis/mtrpacket/internal/config"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/common/version"
)

const binName = "mtrtrace"

// launchStagger spaces out per-hop probe tasks so the trace does not
// flood the interface and perturb its own measurements.
const launchStagger = 50 * time.Millisecond

var (
	configFilePath *string
	maxHops        *int
	probesPerHop   *int
	probeInterval  *time.Duration
	timeout        *time.Duration
	ipVersion      *int
	protocol       *string
	logger         *slog.Logger
	logLevel       *string
	slogLevel      *slog.LevelVar = new(slog.LevelVar)

	host string
)

// hopRecord accumulates responder addresses and round-trip times for one
// hop distance. Several addresses may answer at a single distance when
// routes are balanced.
type hopRecord struct {
	ttl     int
	success bool
	addrs   []string
	times   []*float64
}

func (r *hopRecord) record(result *mtrpacket.ProbeResult) {
	if result.Success {
		r.success = true
	}
	r.times = append(r.times, result.TimeMs)

	if addr := result.Responder; addr != "" {
		for _, known := range r.addrs {
			if known == addr {
				return
			}
		}
		r.addrs = append(r.addrs, addr)
	}
}

func (r *hopRecord) print() {
	first := "  ???"
	if len(r.addrs) > 0 {
		first = r.addrs[0]
	}
	line := fmt.Sprintf("%2d. %-42s", r.ttl, first)
	for _, t := range r.times {
		if t == nil {
			line += "          *"
		} else {
			line += fmt.Sprintf("  %7.3fms", *t)
		}
	}
	fmt.Println(line)

	for _, addr := range r.addrs[1:] {
		fmt.Println("    " + addr)
	}
}

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
	maxHops = fs.IntLong("max-hops", 30, "Highest hop distance to probe")
	probesPerHop = fs.IntLong("probes-per-hop", 3, "Probes to send at each hop distance")
	probeInterval = fs.DurationLong("probe-interval", 100*time.Millisecond, "Delay between probes to the same hop")
	timeout = fs.DurationLong("timeout", time.Second, "Per-probe timeout passed to mtr-packet")
	ipVersion = fs.IntLong("ip-version", 0, "Force IP version 4 or 6")
	protocol = fs.StringLong("protocol", "", "Probe protocol: icmp, udp, tcp, sctp")
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

	records := make([]*hopRecord, *maxHops)
	var wg sync.WaitGroup
	for i := range records {
		records[i] = &hopRecord{ttl: i + 1}

		wg.Add(1)
		go func(rec *hopRecord) {
			defer wg.Done()
			traceHop(ctx, mtr, rec)
		}(records[i])

		select {
		case <-ctx.Done():
		case <-time.After(launchStagger):
		}
	}
	wg.Wait()

	for _, rec := range records {
		rec.print()
		// Probes past the hop that reached the target tell us nothing
		// about the path.
		if rec.success {
			break
		}
	}
}

func traceHop(ctx context.Context, mtr *mtrpacket.MtrPacket, rec *hopRecord) {
	opts := []mtrpacket.ProbeOption{
		mtrpacket.WithTTL(rec.ttl),
		mtrpacket.WithTimeout(*timeout),
	}
	if *ipVersion != 0 {
		opts = append(opts, mtrpacket.WithIPVersion(*ipVersion))
	}
	if *protocol != "" {
		opts = append(opts, mtrpacket.WithProtocol(*protocol))
	}

	for i := 0; i < *probesPerHop; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(*probeInterval):
			}
		}

		result, err := mtr.Probe(ctx, host, opts...)
		if err != nil {
			var resolveErr *mtrpacket.HostResolveError
			if errors.As(err, &resolveErr) {
				logger.Error("Can't resolve host", "host", host)
			} else if ctx.Err() == nil {
				logger.Error("Probe failed", "ttl", rec.ttl, "error", err)
			}
			return
		}
		rec.record(result)
	}
}
