package transfer

import (
	"context"
	"errors"
	"net/http"

	"github.com/italolelis/netxfer/internal/fault"
)

// RunSynchronously performs the transfer on the calling goroutine. Delegate
// callbacks are made before it returns. Cancelling ctx, or calling Cancel on
// the handle from another goroutine, stops the transfer at the next step.
//
// The returned error is a construction error when the handle is nil and the
// transfer error, also passed to DidFail, otherwise.
func RunSynchronously(ctx context.Context, req *http.Request, cred *Credential, delegate Delegate, opts ...Option) (*Handle, error) {
	if err := checkArgs(req, delegate); err != nil {
		return nil, err
	}

	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	h, setupErr := newHandle(req.WithContext(ctx), cred, delegate, o, nil)

	result := setupErr
	if result == nil {
		h.logger.DebugContext(h.ctx, "Transfer started")
		result = h.drive()
	}

	h.finish(result)

	return h, h.Err()
}

var errStopped = errors.New("transfer stopped between steps")

// drive steps the engine until it is done, fails or the handle stops running.
func (h *Handle) drive() error {
	for {
		if h.State() != StateRunning {
			return fault.Transfer(fault.CodeAbortedByCallback, errStopped)
		}

		done, err := h.easy.Step(h.ctx)
		if err != nil {
			return err
		}

		if done {
			return nil
		}
	}
}
