package transport

import (
	"fmt"
	"net"
)

// Listener accepts inbound connections and wraps each one in a Stream.
type Listener struct {
	ln   net.Listener
	opts []StreamOption
}

// Listen announces on the local address. opts apply to every accepted Stream.
func Listen(network, addr string, opts ...StreamOption) (*Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, opts: opts}, nil
}

func (l *Listener) Accept() (*Stream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewStream(conn, l.opts...), nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}
