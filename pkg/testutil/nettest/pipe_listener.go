/*
Package nettest provides an in-memory net.Listener for exercising servers
without opening sockets.
*/
package nettest

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/warptools/warpstore/wsapi"
)

const DefaultTimeout = 5 * time.Second

// PipeListener hands out one end of a net.Pipe per Dial to its Accept loop.
type PipeListener struct {
	// Timeout bounds Dial and sets the deadline of every dialed connection,
	// so a blocked test fails instead of hanging.
	Timeout time.Duration

	ctx       context.Context
	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func NewPipeListener(ctx context.Context) *PipeListener {
	return &PipeListener{
		Timeout: DefaultTimeout,
		ctx:     ctx,
		conns:   make(chan net.Conn),
		done:    make(chan struct{}),
	}
}

// Close unblocks Accept. It may be called more than once.
func (p *PipeListener) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// Accept
//
// Errors:
//
//   - warpstore-error-connection -- when the listener is closed or its context ends
func (p *PipeListener) Accept() (net.Conn, error) {
	select {
	case <-p.done:
		return nil, wsapi.ErrorConnection("accept", io.EOF)
	case <-p.ctx.Done():
		return nil, wsapi.ErrorConnection("accept", p.ctx.Err())
	case conn := <-p.conns:
		return conn, nil
	}
}

func (p *PipeListener) Addr() net.Addr { return pipeAddr{} }

// Dial returns the client end of a new pipe once Accept has taken the server end.
//
// Errors:
//
//   - warpstore-error-connection -- when ctx ends, the listener closes, or nothing accepts in time
func (p *PipeListener) Dial(ctx context.Context) (net.Conn, error) {
	server, client := net.Pipe()
	client.SetDeadline(time.Now().Add(p.Timeout))
	timer := time.NewTimer(p.Timeout)
	defer timer.Stop()
	select {
	case p.conns <- server:
		return client, nil
	case <-ctx.Done():
		return nil, wsapi.ErrorConnection("dial pipe", ctx.Err())
	case <-p.done:
		return nil, wsapi.ErrorConnection("dial pipe", io.EOF)
	case <-timer.C:
		return nil, wsapi.ErrorConnection("dial pipe", context.DeadlineExceeded)
	}
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
