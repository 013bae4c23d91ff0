package mtrpacket

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lydakis/mtrpacket/internal/wire"
)

// Reply keywords that carry a round-trip time and responder address.
const (
	resultReply      = "reply"
	resultTTLExpired = "ttl-expired"
)

// MplsLabel is one entry of an MPLS label stack, as echoed back by a
// router in a ttl-expired notification.
type MplsLabel struct {
	Label         int
	TrafficClass  int
	BottomOfStack bool
	TTL           int
}

// ProbeResult is the outcome of one probe.
//
// TimeMs and Responder are populated only when Result is "reply" or
// "ttl-expired"; for every other outcome TimeMs is nil and Responder is
// empty. Mpls preserves label-stack order as reported.
type ProbeResult struct {
	// Success is true iff the probe arrived at its target.
	Success bool
	// Result is the raw reply keyword: "reply", "ttl-expired",
	// "no-reply", or one of the protocol's error outcomes.
	Result string
	// TimeMs is the round-trip time in milliseconds.
	TimeMs *float64
	// Responder is the address that answered the probe.
	Responder string
	// Mpls is the MPLS label stack echoed with the reply, if any.
	Mpls []MplsLabel
}

func resultFromReply(reply wire.Reply) (*ProbeResult, error) {
	res := &ProbeResult{
		Result:  reply.Keyword,
		Success: reply.Keyword == resultReply,
	}
	if reply.Keyword != resultReply && reply.Keyword != resultTTLExpired {
		return res, nil
	}

	if v, ok := reply.Get("ip-4"); ok {
		res.Responder = v
	} else if v, ok := reply.Get("ip-6"); ok {
		res.Responder = v
	}

	if v, ok := reply.Get("round-trip-time"); ok {
		// The wire reports microseconds.
		us, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, &ProcessError{Reason: fmt.Sprintf("unparseable round-trip-time %q", v)}
		}
		ms := us / 1000.0
		res.TimeMs = &ms
	}

	for _, f := range reply.Fields {
		if f.Name != "mpls" {
			continue
		}
		labels, err := parseMplsStack(f.Value)
		if err != nil {
			return nil, &ProcessError{Reason: fmt.Sprintf("unparseable mpls field %q", f.Value), Err: err}
		}
		res.Mpls = append(res.Mpls, labels...)
	}
	return res, nil
}

// parseMplsStack splits a flat comma-separated list of
// label,traffic-class,bottom-of-stack,ttl quadruples, preserving stack
// order.
func parseMplsStack(v string) ([]MplsLabel, error) {
	parts := strings.Split(v, ",")
	if len(parts)%4 != 0 {
		return nil, fmt.Errorf("%d values, want a multiple of 4", len(parts))
	}

	labels := make([]MplsLabel, 0, len(parts)/4)
	for i := 0; i < len(parts); i += 4 {
		values := make([]int, 4)
		for j := 0; j < 4; j++ {
			n, err := strconv.Atoi(parts[i+j])
			if err != nil {
				return nil, fmt.Errorf("value %q is not an integer", parts[i+j])
			}
			values[j] = n
		}
		labels = append(labels, MplsLabel{
			Label:         values[0],
			TrafficClass:  values[1],
			BottomOfStack: values[2] != 0,
			TTL:           values[3],
		})
	}
	return labels, nil
}
