package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// processConn joins a child's stdout and stdin into one ReadWriteCloser.
type processConn struct {
	stdout io.ReadCloser
	stdin  io.WriteCloser
	cmd    *exec.Cmd
}

func (c *processConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *processConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

// Close closes the child's stdin and reaps it. A well behaved child exits on EOF.
func (c *processConn) Close() error {
	err := c.stdin.Close()
	if werr := c.cmd.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

// Spawn starts name as a child process and returns a Stream over its stdin and stdout.
// The child's stderr is passed through. Cancelling ctx kills the child.
func Spawn(ctx context.Context, name string, args []string, opts ...StreamOption) (*Stream, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", name, err)
	}

	return NewStream(&processConn{stdout: stdout, stdin: stdin, cmd: cmd}, opts...), nil
}

type stdioConn struct {
	in  io.ReadCloser
	out io.WriteCloser
}

func (c stdioConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c stdioConn) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c stdioConn) Close() error                { return c.out.Close() }

// Stdio returns the child side of Spawn: a Stream over the current process's stdin and stdout.
// Nothing else may write to stdout once it is in use.
func Stdio(opts ...StreamOption) *Stream {
	return NewStream(stdioConn{in: os.Stdin, out: os.Stdout}, opts...)
}
