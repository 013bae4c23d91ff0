// Package dispatch multiplexes concurrent request/response exchanges
// over a single line channel. Each submitted command is assigned a
// strictly increasing token; a dedicated reader goroutine decodes reply
// lines and routes each one to the pending request holding its token.
// Losing the channel (process exit or broken framing) faults the whole
// session and fails every outstanding request exactly once.
package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/lydakis/mtrpacket/internal/wire"
)

// Channel is the duplex line transport the dispatcher multiplexes over.
type Channel interface {
	WriteLine(line string) error
	ReadLine() (string, error)
	Stop() error
}

// State is the session lifecycle state.
type State int

const (
	Closed State = iota
	Open
	Faulted
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

var (
	// ErrNotOpen is returned by Submit outside the Open state.
	ErrNotOpen = errors.New("session is not open")
	// ErrAlreadyOpen is returned by Open on an Open session.
	ErrAlreadyOpen = errors.New("session is already open")
	// ErrFaulted is returned by Open on a faulted session that has not
	// been closed yet.
	ErrFaulted = errors.New("session is faulted and must be closed before reopening")
	// ErrClosed fails requests still outstanding when Close is called.
	ErrClosed = errors.New("session closed")
	// ErrProcessExited faults the session when the channel reaches EOF.
	ErrProcessExited = errors.New("probe process exited")
)

type outcome struct {
	reply wire.Reply
	err   error
}

// Dispatcher owns the token counter and the token→pending-request table.
// Any number of goroutines may call Submit concurrently; the reader
// goroutine started by Open is the only router of replies.
type Dispatcher struct {
	log *slog.Logger

	// writeMu serializes command lines onto the channel so concurrent
	// submissions never interleave partial lines.
	writeMu sync.Mutex

	mu       sync.Mutex
	state    State
	ch       Channel
	next     int64
	pending  map[int64]chan outcome
	faultErr error
}

// New returns a dispatcher in the Closed state.
func New(log *slog.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

// State reports the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Open attaches a started channel and begins reading replies. Valid only
// in the Closed state; a faulted session must be closed first.
func (d *Dispatcher) Open(ch Channel) error {
	d.mu.Lock()
	switch d.state {
	case Open:
		d.mu.Unlock()
		return ErrAlreadyOpen
	case Faulted:
		d.mu.Unlock()
		return ErrFaulted
	}
	d.state = Open
	d.ch = ch
	d.next = 1
	d.pending = make(map[int64]chan outcome)
	d.faultErr = nil
	d.mu.Unlock()

	go d.readLoop(ch)
	return nil
}

// Submit assigns the next token to the command, writes it, and blocks
// until the reply bearing that token is routed back, the session fails,
// or ctx is done. On cancellation the pending token is abandoned and any
// late reply for it is discarded harmlessly.
func (d *Dispatcher) Submit(ctx context.Context, cmd wire.Command) (wire.Reply, error) {
	d.mu.Lock()
	if d.state != Open {
		d.mu.Unlock()
		return wire.Reply{}, ErrNotOpen
	}
	token := d.next
	d.next++
	slot := make(chan outcome, 1)
	d.pending[token] = slot
	ch := d.ch
	d.mu.Unlock()

	cmd.Token = token
	line := wire.EncodeCommand(cmd)
	d.log.Debug("sending command", "line", line)

	d.writeMu.Lock()
	err := ch.WriteLine(line)
	d.writeMu.Unlock()
	if err != nil {
		// The write side broke; the reader will usually notice too, but
		// fault directly so no waiter depends on that.
		d.fault(ch, errors.Wrap(err, "writing to probe process"))
	}

	select {
	case out := <-slot:
		return out.reply, out.err
	case <-ctx.Done():
		d.abandon(token)
		return wire.Reply{}, ctx.Err()
	}
}

// Close stops the channel and discards all session state, failing any
// request still outstanding. Idempotent; valid from any state.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.state == Closed {
		d.mu.Unlock()
		return nil
	}
	ch := d.ch
	pending := d.pending
	d.state = Closed
	d.ch = nil
	d.pending = nil
	d.faultErr = nil
	d.mu.Unlock()

	for _, slot := range pending {
		slot <- outcome{err: ErrClosed}
	}
	if ch != nil {
		return ch.Stop()
	}
	return nil
}

func (d *Dispatcher) readLoop(ch Channel) {
	for {
		line, err := ch.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrProcessExited
			}
			d.fault(ch, err)
			return
		}
		d.log.Debug("received reply", "line", line)

		reply, err := wire.DecodeReply(line)
		if err != nil {
			// Framing cannot be resynchronized mid-stream.
			d.fault(ch, err)
			return
		}
		d.route(reply)
	}
}

func (d *Dispatcher) route(reply wire.Reply) {
	d.mu.Lock()
	slot, ok := d.pending[reply.Token]
	if ok {
		delete(d.pending, reply.Token)
	}
	d.mu.Unlock()

	if !ok {
		// Likely a reply for a request whose caller already gave up.
		d.log.Debug("discarding reply for unknown token", "token", reply.Token)
		return
	}
	slot <- outcome{reply: reply}
}

func (d *Dispatcher) abandon(token int64) {
	d.mu.Lock()
	delete(d.pending, token)
	d.mu.Unlock()
}

// fault moves an Open session to Faulted and fails every pending request
// with err, exactly once each. A stale reader whose channel has been
// replaced, or one racing with Close, is a no-op.
func (d *Dispatcher) fault(ch Channel, err error) {
	d.mu.Lock()
	if d.state != Open || d.ch != ch {
		d.mu.Unlock()
		return
	}
	d.state = Faulted
	d.faultErr = err
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	d.log.Warn("session faulted", "error", err, "outstanding", len(pending))
	for _, slot := range pending {
		slot <- outcome{err: err}
	}
}
