package mtrpacket

import (
	"net/netip"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/lydakis/mtrpacket/internal/wire"
)

// Transport protocols accepted by WithProtocol.
const (
	ProtocolICMP = "icmp"
	ProtocolUDP  = "udp"
	ProtocolTCP  = "tcp"
	ProtocolSCTP = "sctp"
)

// ProbeOption sets one optional probe parameter, mirroring a keyword
// argument of the send-probe command.
type ProbeOption func(*probeSpec)

type probeSpec struct {
	ipVersion int

	ttl        int
	hasTTL     bool
	protocol   string
	port       int
	hasPort    bool
	localAddr  string
	localPort  int
	hasLocal   bool
	timeout    time.Duration
	hasTimeout bool
	size       int
	hasSize    bool
	bitPattern int
	hasPattern bool
	tos        int
	hasTOS     bool
	mark       int
	hasMark    bool
}

// WithIPVersion forces resolution and probing over IPv4 or IPv6.
func WithIPVersion(version int) ProbeOption {
	return func(s *probeSpec) { s.ipVersion = version }
}

// WithTTL limits the probe's hop count.
func WithTTL(ttl int) ProbeOption {
	return func(s *probeSpec) { s.ttl, s.hasTTL = ttl, true }
}

// WithProtocol selects the probe transport: icmp (default), udp, tcp,
// or sctp.
func WithProtocol(protocol string) ProbeOption {
	return func(s *probeSpec) { s.protocol = protocol }
}

// WithPort sets the destination port. Meaningful only for non-ICMP
// protocols.
func WithPort(port int) ProbeOption {
	return func(s *probeSpec) { s.port, s.hasPort = port, true }
}

// WithLocalAddr sets the source address for the probe.
func WithLocalAddr(addr string) ProbeOption {
	return func(s *probeSpec) { s.localAddr = addr }
}

// WithLocalPort sets the source port. Meaningful only for non-ICMP
// protocols.
func WithLocalPort(port int) ProbeOption {
	return func(s *probeSpec) { s.localPort, s.hasLocal = port, true }
}

// WithTimeout tells the subprocess how long to wait for a response
// before reporting no-reply. Sub-second values round up to one second.
func WithTimeout(d time.Duration) ProbeOption {
	return func(s *probeSpec) { s.timeout, s.hasTimeout = d, true }
}

// WithPacketSize sets the probe packet size in bytes.
func WithPacketSize(bytes int) ProbeOption {
	return func(s *probeSpec) { s.size, s.hasSize = bytes, true }
}

// WithBitPattern fills the probe payload with the given byte value.
func WithBitPattern(pattern int) ProbeOption {
	return func(s *probeSpec) { s.bitPattern, s.hasPattern = pattern, true }
}

// WithTOS sets the type-of-service (IPv4) or traffic-class (IPv6) byte.
func WithTOS(tos int) ProbeOption {
	return func(s *probeSpec) { s.tos, s.hasTOS = tos, true }
}

// WithMark sets the routing mark on the probe socket.
func WithMark(mark int) ProbeOption {
	return func(s *probeSpec) { s.mark, s.hasMark = mark, true }
}

func (s *probeSpec) validate() error {
	if s.ipVersion != 0 && s.ipVersion != 4 && s.ipVersion != 6 {
		return errors.Errorf("ip version must be 4 or 6, got %d", s.ipVersion)
	}
	switch s.protocol {
	case "", ProtocolICMP, ProtocolUDP, ProtocolTCP, ProtocolSCTP:
	default:
		return errors.Errorf("unknown protocol %q", s.protocol)
	}
	usesPorts := s.protocol != "" && s.protocol != ProtocolICMP
	if s.hasPort && !usesPorts {
		return errors.New("port requires a non-ICMP protocol")
	}
	if s.hasLocal && !usesPorts {
		return errors.New("local port requires a non-ICMP protocol")
	}
	if s.hasTTL && (s.ttl < 1 || s.ttl > 255) {
		return errors.Errorf("ttl must be between 1 and 255, got %d", s.ttl)
	}
	if s.hasTOS && (s.tos < 0 || s.tos > 255) {
		return errors.Errorf("tos must be between 0 and 255, got %d", s.tos)
	}
	if s.hasSize && s.size < 1 {
		return errors.Errorf("packet size must be positive, got %d", s.size)
	}
	if s.hasTimeout && s.timeout <= 0 {
		return errors.Errorf("timeout must be positive, got %s", s.timeout)
	}
	return nil
}

// command builds the send-probe command for a resolved target address.
func (s *probeSpec) command(addr netip.Addr, version int) wire.Command {
	addrArg := "ip-4"
	localArg := "local-ip-4"
	if version == 6 {
		addrArg = "ip-6"
		localArg = "local-ip-6"
	}

	args := []wire.Arg{{Name: addrArg, Value: addr.String()}}
	if s.protocol != "" {
		args = append(args, wire.Arg{Name: "protocol", Value: s.protocol})
	}
	if s.hasPort {
		args = append(args, wire.Arg{Name: "port", Value: strconv.Itoa(s.port)})
	}
	if s.localAddr != "" {
		args = append(args, wire.Arg{Name: localArg, Value: s.localAddr})
	}
	if s.hasLocal {
		args = append(args, wire.Arg{Name: "local-port", Value: strconv.Itoa(s.localPort)})
	}
	if s.hasTTL {
		args = append(args, wire.Arg{Name: "ttl", Value: strconv.Itoa(s.ttl)})
	}
	if s.hasTimeout {
		seconds := int((s.timeout + time.Second - 1) / time.Second)
		args = append(args, wire.Arg{Name: "timeout", Value: strconv.Itoa(seconds)})
	}
	if s.hasSize {
		args = append(args, wire.Arg{Name: "size", Value: strconv.Itoa(s.size)})
	}
	if s.hasPattern {
		args = append(args, wire.Arg{Name: "bit-pattern", Value: strconv.Itoa(s.bitPattern)})
	}
	if s.hasTOS {
		args = append(args, wire.Arg{Name: "tos", Value: strconv.Itoa(s.tos)})
	}
	if s.hasMark {
		args = append(args, wire.Arg{Name: "mark", Value: strconv.Itoa(s.mark)})
	}
	return wire.Command{Verb: "send-probe", Args: args}
}
