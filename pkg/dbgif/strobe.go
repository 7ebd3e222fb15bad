package dbgif

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Port is the register-level face of a debug engine. Load latches the request
// fields, SetGo drives the strobe and Done/Result sample the engine outputs.
//
// Once go has been seen the engine must hold done low until go is dropped
// again, otherwise a request could be triggered twice.
type Port interface {
	Load(req Request)
	SetGo(v bool)
	Done() bool
	Result() (Response, error)
}

// Strobe turns a Port into an Engine by running the two phase go/done
// handshake: raise go, wait for the engine to drop done, drop go, then wait for
// done with go low.
type Strobe struct {
	port Port

	// Poll is the interval between samples of done. Zero yields the processor
	// between samples instead of sleeping.
	Poll time.Duration
}

// NewStrobe wraps port.
func NewStrobe(port Port) *Strobe {
	return &Strobe{port: port}
}

func (s *Strobe) Exec(ctx context.Context, req Request) (Response, error) {
	s.port.Load(req)
	s.port.SetGo(true)

	for s.port.Done() {
		if err := s.pause(ctx); err != nil {
			s.port.SetGo(false)
			return Response{}, err
		}
	}
	s.port.SetGo(false)

	for !s.port.Done() {
		if err := s.pause(ctx); err != nil {
			return Response{}, err
		}
	}
	return s.port.Result()
}

func (s *Strobe) pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Poll <= 0 {
		runtime.Gosched()
		return nil
	}
	t := time.NewTimer(s.Poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EnginePort exposes an Engine through the Port handshake. A rising edge on go
// starts the latched request on its own goroutine; done is raised once the
// request has finished and go has been dropped.
type EnginePort struct {
	ctx    context.Context
	engine Engine

	mu     sync.Mutex
	req    Request
	goHigh bool
	busy   bool
	done   bool
	res    Response
	err    error
}

// NewEnginePort builds a Port around engine. ctx bounds every request started
// through the port.
func NewEnginePort(ctx context.Context, engine Engine) *EnginePort {
	return &EnginePort{ctx: ctx, engine: engine, done: true}
}

func (p *EnginePort) Load(req Request) {
	p.mu.Lock()
	p.req = req
	p.mu.Unlock()
}

func (p *EnginePort) SetGo(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v && !p.goHigh && !p.busy {
		p.busy = true
		p.done = false
		go p.run(p.req)
	}
	p.goHigh = v
}

func (p *EnginePort) run(req Request) {
	res, err := p.engine.Exec(p.ctx, req)

	p.mu.Lock()
	p.res, p.err = res, err
	p.busy = false
	p.mu.Unlock()
}

func (p *EnginePort) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.busy && !p.goHigh {
		p.done = true
	}
	return p.done
}

func (p *EnginePort) Result() (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.res, p.err
}
