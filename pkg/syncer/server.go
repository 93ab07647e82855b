package syncer

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warptools/warpstore/pkg/logging"
	"github.com/warptools/warpstore/pkg/tracing"
	"github.com/warptools/warpstore/wsapi"
)

const LOG_TAG_SERVE = "│  serve"

// ParseAddress splits a sync address into a network and an address for net.Dial.
// "unix:<path>" names a unix socket; anything else is a TCP host:port.
//
// Errors:
//
//   - warpstore-error-invalid -- when the address is empty
func ParseAddress(addr string) (network, address string, err error) {
	switch {
	case addr == "":
		return "", "", wsapi.ErrorInvalid("empty sync address")
	case strings.HasPrefix(addr, "unix:"):
		return "unix", strings.TrimPrefix(addr, "unix:"), nil
	default:
		return "tcp", addr, nil
	}
}

// Dial connects to a sync server.
//
// Errors:
//
//   - warpstore-error-invalid -- when the address is empty
//   - warpstore-error-connection -- when the server can't be reached
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	network, address, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, wsapi.ErrorConnection("dial "+addr, err)
	}
	return conn, nil
}

// Server answers sync connections for a peer.
type Server struct {
	Peer Peer
}

// Serve accepts connections from l until ctx ends or l fails, handling each
// on its own goroutine. It waits for open connections before returning.
// A failing connection is logged and doesn't stop the server.
//
// Errors:
//
//   - warpstore-error-connection -- when accepting fails for a reason other than shutdown
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	log := logging.Ctx(ctx)
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept() // blocks, doesn't accept a context.
		if err != nil {
			if ctx.Err() != nil {
				log.Info(LOG_TAG_SERVE, "no longer accepting connections")
				return nil
			}
			return wsapi.ErrorConnection("accept", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Info(LOG_TAG_SERVE, "connection handler panic: %s", r)
				}
			}()
			if err := s.handle(ctx, conn); err != nil {
				log.Info(LOG_TAG_SERVE, "connection from %s: %s", remoteName(conn), err)
			}
		}()
	}
}

func remoteName(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return "pipe"
}

func (s *Server) handle(ctx context.Context, conn net.Conn) (err error) {
	ctx, span := tracing.Start(ctx, "syncer.ServeConn",
		trace.WithAttributes(attribute.String(tracing.AttrKeyWarpstoreRemote, remoteName(conn))))
	defer func() { tracing.EndWithStatus(span, err) }()
	return s.Peer.ServeConn(ctx, conn)
}

// ListenAndServe listens on addr (see ParseAddress) and serves until ctx ends.
// A stale unix socket left behind by a dead server is removed first.
//
// Errors:
//
//   - warpstore-error-invalid -- when the address is empty
//   - warpstore-error-connection -- when listening or accepting fails
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	log := logging.Ctx(ctx)
	network, address, err := ParseAddress(addr)
	if err != nil {
		return err
	}
	if network == "unix" {
		if err := rmUnixSocket(address); err != nil {
			log.Info(LOG_TAG_SERVE, "removing socket %q: %s", address, err)
		}
	}
	cfg := net.ListenConfig{}
	l, err := cfg.Listen(ctx, network, address)
	if err != nil {
		return wsapi.ErrorConnection("listen on "+addr, err)
	}
	log.Info(LOG_TAG_SERVE, "listening on %s", addr)
	return s.Serve(ctx, l)
}

func isSocket(m fs.FileMode) bool {
	return m&fs.ModeSocket != 0
}

// rmUnixSocket removes the socket at path unless something still answers on it.
// The check is racy; two servers starting at once may both win.
func rmUnixSocket(path string) error {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if fi == nil {
		return fmt.Errorf("file info could not be read: %w", err)
	}
	if !isSocket(fi.Mode()) {
		return fmt.Errorf("file at path is not a socket")
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		return os.Remove(path)
	}
	conn.Close()
	return fmt.Errorf("socket is in use")
}
