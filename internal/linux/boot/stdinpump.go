package boot

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/term"
)

// StdinPump drains the host's stdin on its own goroutine into an in-memory
// queue, so a polled consumer (the emulated 16550 UART) can read guest
// keystrokes without ever blocking on the host read syscall. When stdin is
// a terminal it is switched to raw mode first, so control characters (^C,
// ^D, arrow keys) reach the guest instead of being consumed by the host
// shell's line discipline.
type StdinPump struct {
	mu      sync.Mutex
	queue   []byte
	closed  bool
	restore func()
}

// NewStdinPump starts pumping os.Stdin. Raw mode is only enabled when stdin
// is attached to a terminal; redirected/piped input is pumped as-is.
func NewStdinPump() (*StdinPump, error) {
	p := &StdinPump{}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return nil, fmt.Errorf("enable raw mode on stdin: %w", err)
		}
		p.restore = func() { _ = term.Restore(fd, oldState) }
	}

	go p.run(os.Stdin)

	return p, nil
}

func (p *StdinPump) run(f *os.File) {
	buf := make([]byte, 256)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			p.mu.Lock()
			if !p.closed {
				p.queue = append(p.queue, buf[:n]...)
			}
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Read implements io.Reader. It never blocks: with nothing queued it
// returns (0, nil), which is exactly what Serial16550.Poll expects from an
// input source it samples on every tick.
func (p *StdinPump) Read(out []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return 0, nil
	}
	n := copy(out, p.queue)
	p.queue = p.queue[n:]
	return n, nil
}

// Close restores the host terminal's original mode, if it was changed.
func (p *StdinPump) Close() error {
	p.mu.Lock()
	p.closed = true
	restore := p.restore
	p.mu.Unlock()

	if restore != nil {
		restore()
	}
	return nil
}
