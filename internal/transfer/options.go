package transfer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/italolelis/netxfer/internal/engine"
	"github.com/italolelis/netxfer/internal/multi"
	"github.com/italolelis/netxfer/internal/storage"
	"github.com/italolelis/netxfer/internal/telemetry"
)

// Coordinator runs engines on behalf of handles. *multi.Coordinator
// implements it.
type Coordinator interface {
	Add(ctx context.Context, easy engine.Easy, owner multi.Owner) error
	Remove(easy engine.Easy) error
}

// Journal keeps a record of every finished transfer.
type Journal interface {
	RecordTransfer(ctx context.Context, record storage.TransferRecord) error
}

// Option configures a handle.
type Option func(*options) error

type options struct {
	coordinator Coordinator
	engines     *engine.Registry
	settings    *Settings
	logger      *slog.Logger
	telemetry   *telemetry.Telemetry
	journal     Journal
	share       *engine.Share
	verbose     bool
	knownHosts  string
	timeout     time.Duration
	failOnError bool
}

func newOptions(opts []Option) (*options, error) {
	o := &options{}

	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	if o.engines == nil {
		o.engines = DefaultEngines()
	}

	if o.settings == nil {
		s := CurrentSettings()
		o.settings = &s
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}

	return o, nil
}

// WithCoordinator runs the handle on c instead of the shared coordinator.
func WithCoordinator(c Coordinator) Option {
	return func(o *options) error {
		if c == nil {
			return errors.New("coordinator cannot be nil")
		}

		o.coordinator = c

		return nil
	}
}

// WithEngines selects the engine for the request URL from r.
func WithEngines(r *engine.Registry) Option {
	return func(o *options) error {
		if r == nil {
			return errors.New("engine registry cannot be nil")
		}

		o.engines = r

		return nil
	}
}

// WithSettings uses s instead of the process-wide settings.
func WithSettings(s Settings) Option {
	return func(o *options) error {
		o.settings = &s
		return nil
	}
}

// WithLogger sets the logger for the handle's events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}

		o.logger = logger

		return nil
	}
}

// WithTelemetry records transfer spans and metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) error {
		o.telemetry = tel
		return nil
	}
}

// WithJournal records the outcome of the transfer in j.
func WithJournal(j Journal) Option {
	return func(o *options) error {
		o.journal = j
		return nil
	}
}

// WithShare lets the engine use state shared with other handles.
func WithShare(s *engine.Share) Option {
	return func(o *options) error {
		o.share = s
		return nil
	}
}

// WithVerbose turns on debug lines even if the delegate does not take them.
func WithVerbose(verbose bool) Option {
	return func(o *options) error {
		o.verbose = verbose
		return nil
	}
}

// WithKnownHostsFile sets the known-hosts file used to check SFTP servers.
func WithKnownHostsFile(path string) Option {
	return func(o *options) error {
		o.knownHosts = path
		return nil
	}
}

// WithTimeout bounds the whole transfer. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return errors.New("timeout cannot be negative")
		}

		o.timeout = d

		return nil
	}
}

// WithFailOnError fails HTTP transfers whose status is 400 or above.
func WithFailOnError(fail bool) Option {
	return func(o *options) error {
		o.failOnError = fail
		return nil
	}
}
