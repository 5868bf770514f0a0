package supervisor

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrInterrupted is returned from a pump read that was unblocked by
// Interrupt. The underlying connection is still usable afterward.
var ErrInterrupted = errors.New("client read interrupted")

type pumpResult struct {
	messageType int
	data        []byte
	err         error
}

// ClientPump adapts one gorilla websocket connection into a ClientLink
// that survives relay-session teardown. A single reader goroutine owns the
// connection's read side and feeds frames through a channel, so a session
// can stop consuming (Interrupt) without poisoning the connection, and the
// next attempt picks up where it left off (Reset).
type ClientPump struct {
	conn     *websocket.Conn
	frames   chan pumpResult
	stop     chan struct{}
	stopOnce sync.Once
	writeMu  sync.Mutex

	mu       sync.Mutex
	detached bool
	detach   chan struct{}
	readErr  error
}

func NewClientPump(conn *websocket.Conn) *ClientPump {
	p := &ClientPump{
		conn:   conn,
		frames: make(chan pumpResult),
		stop:   make(chan struct{}),
		detach: make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *ClientPump) readLoop() {
	for {
		messageType, data, err := p.conn.ReadMessage()
		select {
		case p.frames <- pumpResult{messageType: messageType, data: data, err: err}:
		case <-p.stop:
			return
		}
		if err != nil {
			close(p.frames)
			return
		}
	}
}

// Stop releases the reader goroutine once the owner is done with the
// connection. Call after the supervisor returns.
func (p *ClientPump) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *ClientPump) ReadMessage() (int, []byte, error) {
	p.mu.Lock()
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, nil, err
	}
	detach := p.detach
	p.mu.Unlock()

	select {
	case r, ok := <-p.frames:
		if !ok {
			return 0, nil, p.terminalErr()
		}
		if r.err != nil {
			p.mu.Lock()
			p.readErr = r.err
			p.mu.Unlock()
		}
		return r.messageType, r.data, r.err
	case <-detach:
		return 0, nil, ErrInterrupted
	}
}

func (p *ClientPump) terminalErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr == nil {
		p.readErr = errors.New("client connection closed")
	}
	return p.readErr
}

func (p *ClientPump) WriteMessage(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(messageType, data)
}

// Interrupt unblocks the current pending read, if any. Idempotent until
// the next Reset.
func (p *ClientPump) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.detached {
		p.detached = true
		close(p.detach)
	}
}

// Reset re-arms the pump after an Interrupt so the next session's reads
// block normally again.
func (p *ClientPump) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached {
		p.detached = false
		p.detach = make(chan struct{})
	}
}
