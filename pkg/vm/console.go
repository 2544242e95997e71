package vm

import (
	"bufio"
	"io"
	"net"
)

// RemoteConsole exposes a Universal Machine's in/out opcodes over a TCP
// connection instead of the host process's own stdin/stdout. Adapted
// from SerialTTY in this module's teacher's pkg/vm/tty.go: that type
// polled a memory-mapped status register to drive RiSC-32's
// interrupt-driven console. The Universal Machine's in and out
// opcodes simply block until a byte is available or written, so this
// keeps only the teacher's "accept one controlling connection" shape
// and drops the interrupt/status-register machinery entirely.
type RemoteConsole struct {
	conn net.Conn
}

// ListenAndAccept listens on addr (e.g. "127.0.0.1:0" to pick a free
// port) and blocks until a single controlling connection attaches.
// onListening, if non-nil, is called with the bound address before the
// accept blocks, so a caller can print where to connect.
func ListenAndAccept(addr string, onListening func(net.Addr)) (*RemoteConsole, error) {
	nl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if onListening != nil {
		onListening(nl.Addr())
	}
	conn, err := nl.Accept()
	nl.Close()
	if err != nil {
		return nil, err
	}
	return &RemoteConsole{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *RemoteConsole) Close() error {
	return c.conn.Close()
}

// Reader returns a buffered reader suitable for IO.In. The caller must
// reuse the same *bufio.Reader for the whole run, per IO's own
// contract.
func (c *RemoteConsole) Reader() *bufio.Reader {
	return bufio.NewReader(c.conn)
}

// Writer returns the writer suitable for IO.Out.
func (c *RemoteConsole) Writer() io.Writer {
	return c.conn
}
