package transport

import (
	"sync"
)

// Local is an in-process transport backed by a buffered channel. It lets the
// relay run without a network, e.g. in tests or embedded deployments.
type Local struct {
	mu       sync.Mutex
	messages chan []byte
	closed   bool
	closeErr error
	failWith error
}

func NewLocal(buffer int) *Local {
	if buffer <= 0 {
		buffer = 256
	}
	return &Local{messages: make(chan []byte, buffer)}
}

func (l *Local) Send(message []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.failWith != nil {
		return l.failWith
	}
	select {
	case l.messages <- message:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (l *Local) Close(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	l.closeErr = err
}

// FailWith makes every following Send return err. A nil err restores normal delivery.
func (l *Local) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failWith = err
}

// Messages exposes the delivered frames in enqueue order.
func (l *Local) Messages() <-chan []byte {
	return l.messages
}

// Drain returns every frame currently buffered without blocking.
func (l *Local) Drain() [][]byte {
	var out [][]byte
	for {
		select {
		case msg := <-l.messages:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func (l *Local) Closed() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed, l.closeErr
}
