package offload

import (
	"fmt"
	"sync"
)

// Context owns the Loop and every Socket made from it.
// Make one at startup and hand it to NewProxy and
// NewApplication; there is no process-wide default.
type Context struct {
	Cfg  *Config
	Loop *Loop

	mut     sync.Mutex
	sockets []*Socket
	closed  bool
}

// NewContext starts the loop. A nil cfg means NewConfig().
func NewContext(cfg *Config) (*Context, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("NewContext: %w", err)
	}
	return &Context{
		Cfg:  cfg,
		Loop: NewLoop(cfg.Name),
	}, nil
}

// Socket makes a new socket whose receives run on c.Loop.
func (c *Context) Socket(typ SocketType) (*Socket, error) {
	if typ != DealerSocket && typ != RouterSocket {
		return nil, fmt.Errorf("unknown socket type %v", typ)
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.closed {
		return nil, ErrShutdown
	}
	s := newSocket(typ, c.Cfg, c.Loop)
	c.sockets = append(c.sockets, s)
	return s, nil
}

// Close closes all sockets, then the loop. Safe to call twice.
func (c *Context) Close() {
	c.mut.Lock()
	if c.closed {
		c.mut.Unlock()
		return
	}
	c.closed = true
	sockets := c.sockets
	c.sockets = nil
	c.mut.Unlock()

	for _, s := range sockets {
		s.Close()
	}
	c.Loop.Close()
}
