// Package mtrpacket probes network hosts for reachability and latency
// using the mtr-packet utility, the probe backend of the mtr network
// diagnostic tool.
//
// A session owns one long-lived mtr-packet subprocess and multiplexes
// any number of concurrent probes over its stdin/stdout, matching each
// asynchronous reply to its caller by correlation token. The subprocess
// performs all packet construction and transmission; this package never
// touches raw sockets, so it runs unprivileged wherever mtr-packet is
// installed setuid or with capabilities.
//
//	mtr := mtrpacket.New()
//	if err := mtr.Open(ctx); err != nil { ... }
//	defer mtr.Close()
//	result, err := mtr.Probe(ctx, "example.net", mtrpacket.WithTTL(8))
package mtrpacket

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/lydakis/mtrpacket/internal/dispatch"
	"github.com/lydakis/mtrpacket/internal/proc"
	"github.com/lydakis/mtrpacket/internal/resolve"
	"github.com/lydakis/mtrpacket/internal/wire"
)

// The capability every session requires from the subprocess.
const featureSendProbe = "send-probe"

// MtrPacket is a session with one mtr-packet subprocess. Create it with
// New, start it with Open, and release it with Close. Any number of
// goroutines may probe concurrently over a single open session; writes
// to the subprocess are serialized internally.
type MtrPacket struct {
	executable string
	prefix     []string
	log        *slog.Logger

	cache *resolve.Cache
	d     *dispatch.Dispatcher

	// startChannel launches the subprocess; swapped in tests.
	startChannel func() (dispatch.Channel, error)
}

// Option configures a session before Open.
type Option func(*MtrPacket)

// WithExecutable overrides the probe executable path. It takes
// precedence over the MTR_PACKET environment variable.
func WithExecutable(path string) Option {
	return func(m *MtrPacket) { m.executable = path }
}

// WithCommandPrefix runs the subprocess under a wrapper argv, for
// example "ip", "netns", "exec", "myns" to probe from inside a VRF or
// network namespace.
func WithCommandPrefix(argv ...string) Option {
	return func(m *MtrPacket) { m.prefix = argv }
}

// WithLogger directs the session's debug logging. The default discards
// everything.
func WithLogger(log *slog.Logger) Option {
	return func(m *MtrPacket) { m.log = log }
}

// New creates a session in the closed state.
func New(opts ...Option) *MtrPacket {
	m := &MtrPacket{
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		cache: resolve.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.d = dispatch.New(m.log)
	m.startChannel = func() (dispatch.Channel, error) {
		return proc.Start(proc.ResolveExecutable(m.executable), m.prefix, m.log)
	}
	return m
}

// Open launches the subprocess and verifies it supports probing. It
// fails with ProcessError if the executable cannot be launched or the
// capability check is refused, and with StateError if the session is
// already open.
func (m *MtrPacket) Open(ctx context.Context) error {
	switch m.d.State() {
	case dispatch.Open:
		return &StateError{Err: dispatch.ErrAlreadyOpen}
	case dispatch.Faulted:
		return &StateError{Err: dispatch.ErrFaulted}
	}

	ch, err := m.startChannel()
	if err != nil {
		return &ProcessError{Reason: "launching probe process", Err: err}
	}
	if err := m.d.Open(ch); err != nil {
		_ = ch.Stop()
		return translate(err)
	}

	ok, err := m.CheckSupport(ctx, featureSendProbe)
	if err != nil {
		_ = m.d.Close()
		return err
	}
	if !ok {
		_ = m.d.Close()
		return &ProcessError{Reason: "probe process does not support " + featureSendProbe}
	}
	return nil
}

// Close terminates the subprocess and discards all session state,
// failing any probe still outstanding. Idempotent; a closed session may
// be opened again as a fresh session.
func (m *MtrPacket) Close() error {
	return translate(m.d.Close())
}

// Probe sends one probe toward host and reports the outcome. The host
// is resolved through the session's cache; resolution failures are local
// to this call and leave the session open. Cancelling ctx abandons the
// probe without disturbing other callers.
func (m *MtrPacket) Probe(ctx context.Context, host string, opts ...ProbeOption) (*ProbeResult, error) {
	var spec probeSpec
	for _, opt := range opts {
		opt(&spec)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}

	addr, version, err := m.cache.Resolve(ctx, host, spec.ipVersion)
	if err != nil {
		return nil, &HostResolveError{Host: host, Err: err}
	}

	reply, err := m.d.Submit(ctx, spec.command(addr, version))
	if err != nil {
		return nil, translate(err)
	}
	return resultFromReply(reply)
}

// CheckSupport asks the subprocess whether it supports a named optional
// feature, such as a transport protocol.
func (m *MtrPacket) CheckSupport(ctx context.Context, feature string) (bool, error) {
	reply, err := m.d.Submit(ctx, wire.Command{
		Verb: "check-support",
		Args: []wire.Arg{{Name: "feature", Value: feature}},
	})
	if err != nil {
		return false, translate(err)
	}
	if reply.Keyword != "feature-support" {
		return false, &ProcessError{Reason: fmt.Sprintf("unexpected %s reply to check-support", reply.Keyword)}
	}
	support, _ := reply.Get("support")
	return support == "ok", nil
}

// ClearDNSCache discards every cached hostname resolution. Probes
// already past resolution are unaffected; subsequent probes re-resolve.
func (m *MtrPacket) ClearDNSCache() {
	m.cache.Clear()
}
