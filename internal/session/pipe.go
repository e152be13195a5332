package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/julia-epshtein/umunch/internal/config"
)

// Pipe is an in-process Driver. Each Dial produces a PipePeer that plays the
// agent service side of the channel.
type Pipe struct {
	mu       sync.Mutex
	failNext error
	peers    chan *PipePeer
}

func NewPipe() *Pipe {
	return &Pipe{peers: make(chan *PipePeer, 8)}
}

// FailNext makes the next Dial return err.
func (p *Pipe) FailNext(err error) {
	p.mu.Lock()
	p.failNext = err
	p.mu.Unlock()
}

func (p *Pipe) Dial(ctx context.Context, _ config.Endpoint) (Conn, error) {
	p.mu.Lock()
	err := p.failNext
	p.failNext = nil
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	peer := &PipePeer{
		toClient:   make(chan []byte, 64),
		fromClient: make(chan []byte, 64),
		closed:     make(chan struct{}),
	}
	select {
	case p.peers <- peer:
	default:
		// Nobody is accepting; the peer is still usable by the client.
	}
	return &pipeConn{peer: peer}, nil
}

// Accept waits for the next dialed peer.
func (p *Pipe) Accept(ctx context.Context) (*PipePeer, error) {
	select {
	case peer := <-p.peers:
		return peer, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PipePeer is the agent service end of a Pipe channel.
type PipePeer struct {
	toClient   chan []byte
	fromClient chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Send marshals v and delivers it to the client.
func (pp *PipePeer) Send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return pp.SendRaw(raw)
}

func (pp *PipePeer) SendRaw(raw []byte) error {
	select {
	case <-pp.closed:
		return errConnClosed
	default:
	}
	select {
	case pp.toClient <- append([]byte(nil), raw...):
		return nil
	case <-pp.closed:
		return errConnClosed
	}
}

// Next returns the next frame written by the client.
func (pp *PipePeer) Next(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-pp.fromClient:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fail ends the channel; the client's pending read returns err.
func (pp *PipePeer) Fail(err error) {
	pp.close(err)
}

func (pp *PipePeer) Closed() <-chan struct{} { return pp.closed }

func (pp *PipePeer) close(err error) {
	pp.closeOnce.Do(func() {
		pp.closeErr = err
		close(pp.closed)
	})
}

type pipeConn struct {
	peer *PipePeer
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	// Frames sent before a close are still delivered.
	select {
	case raw := <-c.peer.toClient:
		return raw, nil
	default:
	}
	select {
	case raw := <-c.peer.toClient:
		return raw, nil
	case <-c.peer.closed:
		return nil, c.peer.closeErr
	}
}

func (c *pipeConn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-c.peer.closed:
		return errConnClosed
	default:
	}
	select {
	case c.peer.fromClient <- append([]byte(nil), data...):
		return nil
	case <-c.peer.closed:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.peer.close(errConnClosed)
	return nil
}
