// Package transport carries one HTTP exchange between a caller and an engine
// over a private AF_UNIX socket pair.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Pair creates a connected pair of stream sockets. The first end is for the
// caller, the second for the engine.
func Pair() (client, server net.Conn, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	client, err = fileConn(fds[0], "kiln-client")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	server, err = fileConn(fds[1], "kiln-server")
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, server, nil
}

// fileConn wraps fd in a net.Conn. net.FileConn dups the descriptor, so the
// os.File is closed once the conn exists.
func fileConn(fd int, name string) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrap socket %s: %w", name, err)
	}
	return c, nil
}

// Conn is the caller side of one request stream. Each Conn is used by a
// single goroutine for exactly one RoundTrip.
type Conn struct {
	conn net.Conn
	once sync.Once
}

// Open creates a socket pair and delivers its server side to l. On failure
// both ends are closed.
func Open(l *Listener) (*Conn, error) {
	client, server, err := Pair()
	if err != nil {
		return nil, err
	}
	if err := l.Deliver(server); err != nil {
		client.Close()
		server.Close()
		return nil, fmt.Errorf("deliver stream: %w", err)
	}
	return &Conn{conn: client}, nil
}

// RoundTrip writes req to the stream and reads back one response. The
// response body reads from the stream; closing it closes the Conn. When
// ctx is cancelled before the response arrives the stream is closed and the
// context error is returned.
func (c *Conn) RoundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	stop := context.AfterFunc(ctx, func() { c.Close() })

	if err := req.Write(c.conn); err != nil {
		stop()
		c.Close()
		return nil, c.ctxErr(ctx, fmt.Errorf("write request: %w", err))
	}

	resp, err := http.ReadResponse(bufio.NewReader(c.conn), req)
	if err != nil {
		stop()
		c.Close()
		return nil, c.ctxErr(ctx, fmt.Errorf("read response: %w", err))
	}
	resp.Body = &body{ReadCloser: resp.Body, conn: c, stop: stop}
	return resp, nil
}

func (c *Conn) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(ctxErr, err)
	}
	return err
}

// Close closes the stream. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}

// body ties the lifetime of the stream to the response body.
type body struct {
	io.ReadCloser
	conn *Conn
	stop func() bool
}

func (b *body) Close() error {
	b.stop()
	err := b.ReadCloser.Close()
	if cerr := b.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
