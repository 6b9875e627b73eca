package transfer

import (
	"github.com/italolelis/netxfer/internal/engine"
)

// Delegate receives the events of a transfer. DidReceiveData is the only
// required callback; a delegate opts into the others by implementing the
// matching interface below.
//
// Callbacks for one handle are never concurrent and arrive in transfer order.
// data is only valid for the duration of the call.
type Delegate interface {
	DidReceiveData(h *Handle, data []byte)
}

// ResponseReceiver is told about the response once its header section is
// complete and before any body data.
type ResponseReceiver interface {
	DidReceiveResponse(h *Handle, resp *Response)
}

// Finisher is told when a transfer completed successfully.
type Finisher interface {
	DidFinish(h *Handle)
}

// FailureReceiver is told when a transfer failed or was cancelled.
type FailureReceiver interface {
	DidFail(h *Handle, err error)
}

// HostFingerprintVerifier decides whether a server's host key is acceptable.
// Without one, only keys matching the known-hosts file are accepted.
type HostFingerprintVerifier interface {
	VerifyHostFingerprint(h *Handle, known *engine.HostKey, found engine.HostKey, match engine.KeyMatch) engine.KeyStatus
}

// BodySender is told how many upload bytes are about to be sent. A final
// call with zero marks the end of the upload.
type BodySender interface {
	WillSendBodyData(h *Handle, n int64)
}

// DebugReceiver receives the engine's diagnostic lines.
type DebugReceiver interface {
	DidReceiveDebugInformation(h *Handle, t engine.InfoType, data []byte)
}

// dispatch caches which optional callbacks a delegate implements.
type dispatch struct {
	data     Delegate
	response ResponseReceiver
	finish   Finisher
	fail     FailureReceiver
	verify   HostFingerprintVerifier
	send     BodySender
	debug    DebugReceiver
}

func newDispatch(d Delegate) dispatch {
	ds := dispatch{data: d}

	ds.response, _ = d.(ResponseReceiver)
	ds.finish, _ = d.(Finisher)
	ds.fail, _ = d.(FailureReceiver)
	ds.verify, _ = d.(HostFingerprintVerifier)
	ds.send, _ = d.(BodySender)
	ds.debug, _ = d.(DebugReceiver)

	return ds
}
