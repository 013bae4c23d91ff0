package mtrpacket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lydakis/mtrpacket/internal/dispatch"
	"github.com/lydakis/mtrpacket/internal/resolve"
)

// scriptedChannel plays the role of the mtr-packet subprocess: it
// answers check-support affirmatively and every other command with the
// next canned reply body, echoing the command's token. The shape follows
// the scripted responder in the original mtr-packet test harness.
type scriptedChannel struct {
	mu           sync.Mutex
	commands     []scriptedCommand
	replies      []string
	supportReply string

	inbound  chan string
	stopOnce sync.Once
}

type scriptedCommand struct {
	verb string
	args map[string]string
}

func newScriptedChannel(replies ...string) *scriptedChannel {
	return &scriptedChannel{
		replies:      replies,
		supportReply: "feature-support support=ok",
		inbound:      make(chan string, 64),
	}
}

func (c *scriptedChannel) WriteLine(line string) error {
	atoms := strings.Fields(line)
	token, verb := atoms[0], atoms[1]
	args := make(map[string]string)
	for _, atom := range atoms[2:] {
		name, value, _ := strings.Cut(atom, "=")
		args[name] = value
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if verb == "check-support" {
		c.inbound <- token + " " + c.supportReply
		return nil
	}

	c.commands = append(c.commands, scriptedCommand{verb: verb, args: args})
	if len(c.replies) == 0 {
		// Leave the request pending; the test decides what happens.
		return nil
	}
	body := c.replies[0]
	c.replies = c.replies[1:]
	c.inbound <- token + " " + body
	return nil
}

func (c *scriptedChannel) ReadLine() (string, error) {
	line, ok := <-c.inbound
	if !ok {
		return "", io.EOF
	}
	return line, nil
}

func (c *scriptedChannel) Stop() error {
	c.exit()
	return nil
}

func (c *scriptedChannel) exit() {
	c.stopOnce.Do(func() { close(c.inbound) })
}

func (c *scriptedChannel) sentCommands() []scriptedCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]scriptedCommand(nil), c.commands...)
}

// newTestSession wires a session to a scripted channel and a static
// resolver instead of a real subprocess and DNS.
func newTestSession(t *testing.T, ch *scriptedChannel, hosts map[string]netip.Addr) *MtrPacket {
	t.Helper()

	m := New()
	m.startChannel = func() (dispatch.Channel, error) { return ch, nil }
	m.cache = resolve.NewWithLookup(func(ctx context.Context, network, host string) ([]netip.Addr, error) {
		addr, ok := hosts[network+"/"+host]
		if !ok {
			return nil, errors.New("no such host")
		}
		return []netip.Addr{addr}, nil
	})

	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestProbeLoopbackDefaults(t *testing.T) {
	ch := newScriptedChannel("reply ip-4=127.0.0.1 round-trip-time=1000")
	m := newTestSession(t, ch, nil)

	result, err := m.Probe(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !result.Success {
		t.Fatal("Success = false, want true")
	}
	if result.Result != "reply" {
		t.Fatalf("Result = %q, want %q", result.Result, "reply")
	}
	if result.Responder != "127.0.0.1" {
		t.Fatalf("Responder = %q, want %q", result.Responder, "127.0.0.1")
	}
	if result.TimeMs == nil || *result.TimeMs != 1.0 {
		t.Fatalf("TimeMs = %v, want 1.0", result.TimeMs)
	}
	if len(result.Mpls) != 0 {
		t.Fatalf("Mpls = %v, want empty", result.Mpls)
	}

	cmds := ch.sentCommands()
	if len(cmds) != 1 || cmds[0].verb != "send-probe" {
		t.Fatalf("sent commands = %+v, want one send-probe", cmds)
	}
	if cmds[0].args["ip-4"] != "127.0.0.1" {
		t.Fatalf("ip-4 = %q, want 127.0.0.1", cmds[0].args["ip-4"])
	}
}

func TestProbeTTLExpiredCarriesMplsInOrder(t *testing.T) {
	ch := newScriptedChannel("ttl-expired ip-4=8.0.0.1 round-trip-time=500 mpls=1,2,0,3,4,5,1,6,7,8,0,9")
	m := newTestSession(t, ch, nil)

	result, err := m.Probe(context.Background(), "8.8.9.9", WithTTL(4))
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if result.Success {
		t.Fatal("Success = true, want false for ttl-expired")
	}
	if result.Result != "ttl-expired" {
		t.Fatalf("Result = %q, want ttl-expired", result.Result)
	}
	if result.Responder != "8.0.0.1" {
		t.Fatalf("Responder = %q, want 8.0.0.1", result.Responder)
	}
	if result.TimeMs == nil || *result.TimeMs != 0.5 {
		t.Fatalf("TimeMs = %v, want 0.5", result.TimeMs)
	}

	want := []MplsLabel{
		{Label: 1, TrafficClass: 2, BottomOfStack: false, TTL: 3},
		{Label: 4, TrafficClass: 5, BottomOfStack: true, TTL: 6},
		{Label: 7, TrafficClass: 8, BottomOfStack: false, TTL: 9},
	}
	if len(result.Mpls) != len(want) {
		t.Fatalf("len(Mpls) = %d, want %d", len(result.Mpls), len(want))
	}
	for i := range want {
		if result.Mpls[i] != want[i] {
			t.Fatalf("Mpls[%d] = %+v, want %+v", i, result.Mpls[i], want[i])
		}
	}

	cmds := ch.sentCommands()
	if cmds[0].args["ttl"] != "4" {
		t.Fatalf("ttl = %q, want 4", cmds[0].args["ttl"])
	}
}

func TestProbeNoReplyHasNoTimeOrResponder(t *testing.T) {
	ch := newScriptedChannel("no-reply")
	m := newTestSession(t, ch, nil)

	result, err := m.Probe(context.Background(), "127.255.255.255")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if result.Success {
		t.Fatal("Success = true, want false")
	}
	if result.Result != "no-reply" {
		t.Fatalf("Result = %q, want no-reply", result.Result)
	}
	if result.TimeMs != nil {
		t.Fatalf("TimeMs = %v, want nil for no-reply", *result.TimeMs)
	}
	if result.Responder != "" {
		t.Fatalf("Responder = %q, want empty for no-reply", result.Responder)
	}
}

func TestProbeResolvesHostnamePerVersion(t *testing.T) {
	ch := newScriptedChannel(
		"reply ip-4=127.0.0.1 round-trip-time=1000",
		"reply ip-6=::1 round-trip-time=1000",
	)
	m := newTestSession(t, ch, map[string]netip.Addr{
		"ip4/localhost":     netip.MustParseAddr("127.0.0.1"),
		"ip6/ip6-localhost": netip.MustParseAddr("::1"),
	})

	result, err := m.Probe(context.Background(), "localhost", WithIPVersion(4))
	if err != nil {
		t.Fatalf("Probe(v4) error = %v", err)
	}
	if result.Responder != "127.0.0.1" {
		t.Fatalf("Responder = %q, want 127.0.0.1", result.Responder)
	}

	result, err = m.Probe(context.Background(), "ip6-localhost", WithIPVersion(6))
	if err != nil {
		t.Fatalf("Probe(v6) error = %v", err)
	}
	if result.Responder != "::1" {
		t.Fatalf("Responder = %q, want ::1", result.Responder)
	}

	cmds := ch.sentCommands()
	if _, ok := cmds[0].args["ip-4"]; !ok {
		t.Fatalf("first command args = %v, want ip-4", cmds[0].args)
	}
	if _, ok := cmds[1].args["ip-6"]; !ok {
		t.Fatalf("second command args = %v, want ip-6", cmds[1].args)
	}
}

func TestProbeUnresolvableHostSkipsSubprocess(t *testing.T) {
	ch := newScriptedChannel("reply ip-4=127.0.0.1 round-trip-time=1000")
	m := newTestSession(t, ch, nil)

	_, err := m.Probe(context.Background(), "unresolvable.test")
	var resolveErr *HostResolveError
	if !errors.As(err, &resolveErr) {
		t.Fatalf("Probe() error = %v, want HostResolveError", err)
	}
	if resolveErr.Host != "unresolvable.test" {
		t.Fatalf("Host = %q, want unresolvable.test", resolveErr.Host)
	}
	if got := len(ch.sentCommands()); got != 0 {
		t.Fatalf("subprocess saw %d probe commands, want 0", got)
	}

	// Resolution failure is local to the call; the session stays open.
	if _, err := m.Probe(context.Background(), "127.0.0.1"); err != nil {
		t.Fatalf("Probe() after resolve failure error = %v", err)
	}
}

func TestProbeOptionArguments(t *testing.T) {
	ch := newScriptedChannel("no-reply")
	m := newTestSession(t, ch, nil)

	_, err := m.Probe(context.Background(), "127.0.0.1",
		WithProtocol(ProtocolUDP),
		WithPort(33434),
		WithLocalAddr("127.0.0.2"),
		WithTimeout(2*time.Second),
		WithPacketSize(64),
		WithBitPattern(42),
		WithTOS(16),
		WithMark(7),
	)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}

	args := ch.sentCommands()[0].args
	want := map[string]string{
		"ip-4":        "127.0.0.1",
		"protocol":    "udp",
		"port":        "33434",
		"local-ip-4":  "127.0.0.2",
		"timeout":     "2",
		"size":        "64",
		"bit-pattern": "42",
		"tos":         "16",
		"mark":        "7",
	}
	for name, value := range want {
		if args[name] != value {
			t.Fatalf("arg %s = %q, want %q", name, args[name], value)
		}
	}
}

func TestProbeRejectsPortWithICMP(t *testing.T) {
	ch := newScriptedChannel()
	m := newTestSession(t, ch, nil)

	if _, err := m.Probe(context.Background(), "127.0.0.1", WithPort(80)); err == nil {
		t.Fatal("Probe() error = nil, want port/protocol validation failure")
	}
	if got := len(ch.sentCommands()); got != 0 {
		t.Fatalf("subprocess saw %d commands, want 0 for invalid options", got)
	}
}

func TestProbeFailsWhenProcessExits(t *testing.T) {
	ch := newScriptedChannel() // no canned replies: the probe stays pending
	m := newTestSession(t, ch, nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.Probe(context.Background(), "127.0.0.1")
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(ch.sentCommands()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the probe command")
		}
		time.Sleep(time.Millisecond)
	}
	ch.exit()

	err := <-done
	var procErr *ProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("Probe() error = %v, want ProcessError", err)
	}

	// The session is faulted; further probes are a state error until the
	// session is closed and reopened.
	_, err = m.Probe(context.Background(), "127.0.0.1")
	var stateErr *StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Probe() after fault error = %v, want StateError", err)
	}
}

func TestProbeCancellation(t *testing.T) {
	ch := newScriptedChannel() // leave the probe pending
	m := newTestSession(t, ch, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Probe(ctx, "127.255.255.255")
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(ch.sentCommands()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the probe command")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Probe() error = %v, want context.Canceled", err)
	}
}

func TestCheckSupport(t *testing.T) {
	ch := newScriptedChannel()
	m := newTestSession(t, ch, nil)

	ok, err := m.CheckSupport(context.Background(), "udp")
	if err != nil {
		t.Fatalf("CheckSupport() error = %v", err)
	}
	if !ok {
		t.Fatal("CheckSupport() = false, want true")
	}

	ch.mu.Lock()
	ch.supportReply = "feature-support support=no"
	ch.mu.Unlock()

	ok, err = m.CheckSupport(context.Background(), "sctp")
	if err != nil {
		t.Fatalf("CheckSupport() error = %v", err)
	}
	if ok {
		t.Fatal("CheckSupport() = true, want false")
	}
}

func TestOpenFailsWhenCapabilityRefused(t *testing.T) {
	ch := newScriptedChannel()
	ch.supportReply = "feature-support support=no"

	m := New()
	m.startChannel = func() (dispatch.Channel, error) { return ch, nil }

	err := m.Open(context.Background())
	var procErr *ProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("Open() error = %v, want ProcessError", err)
	}
}

func TestOpenFailsWhenProcessMissing(t *testing.T) {
	m := New(WithExecutable("/nonexistent/mtr-packet-missing"))

	err := m.Open(context.Background())
	var procErr *ProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("Open() error = %v, want ProcessError", err)
	}
}

func TestOpenTwiceIsStateError(t *testing.T) {
	ch := newScriptedChannel()
	m := newTestSession(t, ch, nil)

	err := m.Open(context.Background())
	var stateErr *StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("second Open() error = %v, want StateError", err)
	}
}

func TestProbeBeforeOpenIsStateError(t *testing.T) {
	m := New()

	_, err := m.Probe(context.Background(), "127.0.0.1")
	var stateErr *StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Probe() before Open error = %v, want StateError", err)
	}
}

func TestConcurrentProbesResolveIndependently(t *testing.T) {
	// Each probe's reply carries a distinct responder; with replies
	// served in submission order but awaited concurrently, every caller
	// must still get its own.
	const n = 6
	replies := make([]string, n)
	for i := 0; i < n; i++ {
		replies[i] = fmt.Sprintf("reply ip-4=10.0.0.%d round-trip-time=1000", i+1)
	}
	ch := newScriptedChannel(replies...)
	m := newTestSession(t, ch, nil)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := m.Probe(context.Background(), "127.0.0.1")
			if err != nil {
				t.Errorf("Probe() error = %v", err)
				return
			}
			if !result.Success {
				t.Error("Success = false, want true")
			}
		}()
	}
	wg.Wait()
}
