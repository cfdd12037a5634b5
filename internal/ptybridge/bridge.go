// Package ptybridge attaches a command to a pseudo-terminal and relays bytes
// and control messages between it and a network transport.
package ptybridge

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

const (
	// MaxInputMessageSize caps a single inbound input frame. Larger frames
	// are dropped.
	MaxInputMessageSize = 64 * 1024

	// MaxCols and MaxRows bound resize requests.
	MaxCols = 500
	MaxRows = 200

	// readBufSize is the PTY read chunk size.
	readBufSize = 32 * 1024

	// outboundQueueFrames bounds the frames buffered toward the transport.
	// When the queue is full the PTY read loop blocks, pausing the shell's
	// output until the client drains, so a stalled connection cannot grow
	// memory without bound.
	outboundQueueFrames = 64

	// messageRate and messageBurst rate-limit inbound frames per connection.
	// Excess frames are dropped.
	messageRate  = 200
	messageBurst = 200
)

// Transport is the outbound half of the network connection the bridge
// writes terminal output to.
type Transport interface {
	WriteBinary(p []byte) error
}

// Options configures a bridge.
type Options struct {
	Cols uint16
	Rows uint16
	// OnExit is invoked exactly once with the process exit code, from any
	// exit path including Kill.
	OnExit func(exitCode int)
}

type controlMsg struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// Bridge relays between one PTY-attached process and one transport.
type Bridge struct {
	cmd  *exec.Cmd
	ptmx *os.File

	limiter  *tokenBucket
	outbound chan []byte
	done     chan struct{}

	mu       sync.Mutex
	closed   bool
	exitOnce sync.Once
}

// New spawns command under a pseudo-terminal sized to opts and starts the
// output pump toward transport.
func New(transport Transport, command string, args []string, opts Options) (*Bridge, error) {
	cols, rows := clampSize(opts.Cols, opts.Rows)

	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		cmd:      cmd,
		ptmx:     ptmx,
		limiter:  newTokenBucket(messageBurst, messageRate),
		outbound: make(chan []byte, outboundQueueFrames),
		done:     make(chan struct{}),
	}

	// PTY -> outbound queue. A full queue blocks this loop, which is the
	// backpressure mechanism.
	go func() {
		buf := make([]byte, readBufSize)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				frame := make([]byte, n)
				copy(frame, buf[:n])
				select {
				case b.outbound <- frame:
				case <-b.done:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Outbound queue -> transport.
	go func() {
		for {
			select {
			case frame := <-b.outbound:
				if err := transport.WriteBinary(frame); err != nil {
					b.Kill()
					return
				}
			case <-b.done:
				return
			}
		}
	}()

	// Reap the process and report its exit exactly once.
	go func() {
		err := cmd.Wait()
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		b.exitOnce.Do(func() {
			close(b.done)
			if opts.OnExit != nil {
				opts.OnExit(code)
			}
		})
	}()

	return b, nil
}

// HandleMessage routes one inbound transport frame: binary frames are raw
// keystrokes written verbatim to the PTY, text frames are JSON control
// messages. Oversized and flood frames are dropped.
func (b *Bridge) HandleMessage(binary bool, data []byte) error {
	if !b.limiter.allow() {
		return nil
	}

	if binary {
		if len(data) > MaxInputMessageSize {
			return nil
		}
		_, err := b.write(data)
		return err
	}

	var msg controlMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil // malformed control frames are ignored
	}
	if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
		return b.Resize(msg.Cols, msg.Rows)
	}
	return nil
}

func (b *Bridge) write(data []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	f := b.ptmx
	b.mu.Unlock()
	return f.Write(data)
}

// Resize updates the PTY dimensions, clamped to safe bounds.
func (b *Bridge) Resize(cols, rows uint16) error {
	cols, rows = clampSize(cols, rows)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return io.ErrClosedPipe
	}
	return pty.Setsize(b.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill forcibly terminates the PTY process. Safe to call repeatedly and
// after the process has already exited.
func (b *Bridge) Kill() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	if b.cmd.Process != nil {
		b.cmd.Process.Kill()
	}
	b.ptmx.Close()
}

// Done is closed when the PTY process has exited.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

func clampSize(cols, rows uint16) (uint16, uint16) {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return cols, rows
}
