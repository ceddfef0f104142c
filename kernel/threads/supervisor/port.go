package supervisor

import (
	"context"
	"errors"
	"sync"
)

// ErrPortClosed is returned when posting to or receiving from a closed port.
var ErrPortClosed = errors.New("control port closed")

// Port is one direction of the control channel: an unbounded FIFO of
// encoded frames. Post never blocks; delivery is asynchronous.
type Port struct {
	mu     sync.Mutex
	frames [][]byte
	notify chan struct{}
	closed bool
}

// NewPort creates an open, empty port.
func NewPort() *Port {
	return &Port{notify: make(chan struct{}, 1)}
}

// Link is the bidirectional control channel between the two threads.
type Link struct {
	Commands *Port
	Events   *Port
}

// NewLink creates both directions.
func NewLink() Link {
	return Link{Commands: NewPort(), Events: NewPort()}
}

// Close closes both directions.
func (l Link) Close() {
	l.Commands.Close()
	l.Events.Close()
}

// Post encodes m and queues it.
func (p *Port) Post(m Message) error {
	frame := Marshal(m)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPortClosed
	}
	p.frames = append(p.frames, frame)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// TryReceive returns the next message without blocking. ok is false when
// the port is empty.
func (p *Port) TryReceive() (m Message, ok bool, err error) {
	frame, ok, err := p.next()
	if !ok || err != nil {
		return nil, ok, err
	}
	m, err = Unmarshal(frame)
	return m, true, err
}

// Receive blocks until a message arrives, the port is closed and drained,
// or ctx is done.
func (p *Port) Receive(ctx context.Context) (Message, error) {
	for {
		m, ok, err := p.TryReceive()
		if ok || err != nil {
			return m, err
		}
		select {
		case <-p.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Drain returns every queued message without blocking.
func (p *Port) Drain() ([]Message, error) {
	var out []Message
	for {
		m, ok, err := p.TryReceive()
		if err != nil {
			if errors.Is(err, ErrPortClosed) {
				return out, nil
			}
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, m)
	}
}

// Len is the number of queued frames.
func (p *Port) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// Close stops further posts. Queued frames can still be received.
func (p *Port) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.notify)
}

func (p *Port) next() ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		if p.closed {
			return nil, false, ErrPortClosed
		}
		return nil, false, nil
	}
	frame := p.frames[0]
	p.frames[0] = nil
	p.frames = p.frames[1:]
	return frame, true, nil
}
