package transfer

import (
	"context"

	"github.com/italolelis/netxfer/internal/engine"
	"github.com/italolelis/netxfer/internal/telemetry"
)

// InstrumentedEngine wraps an engine with telemetry. The first Step, which
// connects and sends the request, and Close are recorded as engine
// operations; transferred bytes are recorded on Close.
type InstrumentedEngine struct {
	engine.Easy

	telemetry *telemetry.Telemetry
	scheme    string
	started   bool
	closed    bool
}

// NewInstrumentedEngine creates a new instrumented engine.
func NewInstrumentedEngine(easy engine.Easy, tel *telemetry.Telemetry, scheme string) *InstrumentedEngine {
	return &InstrumentedEngine{
		Easy:      easy,
		telemetry: tel,
		scheme:    scheme,
	}
}

// Step advances the engine with telemetry on the first call.
func (e *InstrumentedEngine) Step(ctx context.Context) (bool, error) {
	if e.started {
		return e.Easy.Step(ctx)
	}

	e.started = true

	var done bool

	err := e.telemetry.InstrumentEngineOperation(ctx, e.scheme, "start", func(ctx context.Context) error {
		var err error

		done, err = e.Easy.Step(ctx)

		return err
	})

	return done, err
}

// Close closes the engine with telemetry.
func (e *InstrumentedEngine) Close() error {
	if !e.closed {
		e.closed = true

		e.telemetry.RecordTransferBytes(e.scheme, "download", engine.InfoInt64(e.Easy, engine.InfoSizeDownload))
		e.telemetry.RecordTransferBytes(e.scheme, "upload", engine.InfoInt64(e.Easy, engine.InfoSizeUpload))
	}

	return e.telemetry.InstrumentEngineOperation(context.Background(), e.scheme, "close", func(context.Context) error {
		return e.Easy.Close()
	})
}
