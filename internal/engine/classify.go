package engine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"

	"github.com/italolelis/netxfer/internal/fault"
)

// Classify maps a Go error raised while moving bytes to a transfer-domain
// error. Errors that already carry a domain are returned unchanged; anything
// unrecognized gets fallback.
func Classify(err error, fallback fault.Code) error {
	if err == nil {
		return nil
	}

	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}

	var (
		dnsErr      *net.DNSError
		opErr       *net.OpError
		netErr      net.Error
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		certErr     x509.CertificateInvalidError
		verifyErr   *tls.CertificateVerificationError
	)

	switch {
	case errors.Is(err, context.Canceled):
		return fault.Transfer(fault.CodeAbortedByCallback, err)
	case errors.As(err, &dnsErr):
		return fault.Transfer(fault.CodeCouldntResolveHost, err)
	case errors.As(err, &unknownAuth), errors.As(err, &hostErr),
		errors.As(err, &certErr), errors.As(err, &verifyErr):
		return fault.Transfer(fault.CodePeerFailedVerification, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return fault.Transfer(fault.CodeOperationTimedOut, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fault.Transfer(fault.CodeOperationTimedOut, err)
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return fault.Transfer(fault.CodeCouldntConnect, err)
	case errors.As(err, &opErr) && opErr.Op == "proxyconnect":
		return fault.Transfer(fault.CodeCouldntResolveProxy, err)
	case errors.As(err, &opErr) && opErr.Op == "write":
		return fault.Transfer(fault.CodeSendError, err)
	case errors.As(err, &opErr) && opErr.Op == "read":
		return fault.Transfer(fault.CodeRecvError, err)
	}

	return fault.Transfer(fallback, err)
}
