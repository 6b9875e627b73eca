// Package enginetest provides a scripted engine.Easy for tests of code that
// drives engines.
package enginetest

import (
	"context"
	"errors"
	"sync"

	"github.com/italolelis/netxfer/internal/engine"
	"github.com/italolelis/netxfer/internal/fault"
)

// Script describes what an Engine does when stepped. The first Step emits
// Sends, then Headers, then fails with StartErr if set. Each following Step
// emits one Body chunk; after the last chunk the engine finishes with Err.
type Script struct {
	Headers      []string // header lines without line terminators
	Body         [][]byte
	Sends        []int64
	ResponseCode int
	EntryPath    string
	StartErr     error
	Err          error
	// Gate, when set, must yield a value before every Step proceeds.
	Gate <-chan struct{}
}

// Engine is a scripted engine.Easy. It records every option it is given.
type Engine struct {
	engine.Config
	engine.Stats

	script Script

	mu      sync.Mutex
	options []engine.Option
	steps   int
	closed  bool
}

// New returns an engine following s.
func New(s Script) *Engine {
	return &Engine{Config: engine.NewConfig(), script: s}
}

func (e *Engine) SetOption(opt engine.Option, value any) error {
	e.mu.Lock()
	e.options = append(e.options, opt)
	e.mu.Unlock()

	return e.Config.Set(opt, value)
}

func (e *Engine) Step(ctx context.Context) (bool, error) {
	if e.isClosed() {
		return true, fault.Transfer(fault.CodeFailedInit, errors.New("engine is closed"))
	}

	if e.script.Gate != nil {
		select {
		case <-e.script.Gate:
		case <-ctx.Done():
			return true, engine.Classify(ctx.Err(), fault.CodeAbortedByCallback)
		}
	} else if err := ctx.Err(); err != nil {
		return true, engine.Classify(err, fault.CodeAbortedByCallback)
	}

	e.mu.Lock()
	step := e.steps
	e.steps++
	e.mu.Unlock()

	if step == 0 {
		return e.start()
	}

	chunk := step - 1
	if chunk < len(e.script.Body) {
		p := e.script.Body[chunk]
		e.AddDownloaded(int64(len(p)))

		if err := e.EmitBody(p); err != nil {
			return true, err
		}
	}

	if chunk+1 >= len(e.script.Body) {
		return true, e.script.Err
	}

	return false, nil
}

func (e *Engine) start() (bool, error) {
	e.SetEffectiveURL(e.URL)
	e.SetEntryPath(e.script.EntryPath)
	e.SetResponse(e.script.ResponseCode, "")

	for _, n := range e.script.Sends {
		e.AddUploaded(n)

		if e.SendFunc != nil {
			e.SendFunc(n)
		}
	}

	for _, line := range e.script.Headers {
		if err := e.EmitHeader(line); err != nil {
			return true, err
		}

		if line != "" {
			e.Debug(engine.InfoHeaderIn, "%s", line)
		}
	}

	if e.script.StartErr != nil {
		return true, e.script.StartErr
	}

	if len(e.script.Body) == 0 || e.NoBody {
		return true, e.script.Err
	}

	return false, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true

	return nil
}

// Options returns the options set so far, in order.
func (e *Engine) Options() []engine.Option {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]engine.Option(nil), e.options...)
}

// Steps returns how many times Step ran past its gate.
func (e *Engine) Steps() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.steps
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	return e.isClosed()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}

// Factory builds scripted engines and remembers them.
type Factory struct {
	Script Script

	mu      sync.Mutex
	engines []*Engine
}

// New builds an engine. Its signature matches engine.Factory.
func (f *Factory) New() engine.Easy {
	e := New(f.Script)

	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.mu.Unlock()

	return e
}

// Engines returns the engines built so far.
func (f *Factory) Engines() []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*Engine(nil), f.engines...)
}

// Last returns the most recently built engine, or nil.
func (f *Factory) Last() *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.engines) == 0 {
		return nil
	}

	return f.engines[len(f.engines)-1]
}
