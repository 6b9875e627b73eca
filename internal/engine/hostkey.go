package engine

import (
	"crypto/sha256"
	"encoding/base64"
)

// KeyMatch is the result of comparing a server key with the known-hosts file.
type KeyMatch int

const (
	KeyMatchOK       KeyMatch = iota // key matches the known entry
	KeyMatchMismatch                 // host is known with a different key
	KeyMatchMissing                  // host is not in the file
)

func (m KeyMatch) String() string {
	switch m {
	case KeyMatchOK:
		return "ok"
	case KeyMatchMismatch:
		return "mismatch"
	case KeyMatchMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// KeyStatus is the verdict on a server key.
type KeyStatus int

const (
	KeyStatusFine          KeyStatus = iota // accept for this connection
	KeyStatusFineAddToFile                  // accept and record in the known-hosts file
	KeyStatusReject                         // refuse and fail the transfer
	KeyStatusDefer                          // refuse without recording anything
)

func (s KeyStatus) String() string {
	switch s {
	case KeyStatusFine:
		return "fine"
	case KeyStatusFineAddToFile:
		return "fine_add_to_file"
	case KeyStatusReject:
		return "reject"
	case KeyStatusDefer:
		return "defer"
	default:
		return "unknown"
	}
}

// HostKey is a server public key as seen on the wire or in a known-hosts file.
type HostKey struct {
	Type string // e.g. ssh-ed25519
	Key  []byte // wire-format public key
}

// Fingerprint returns the SHA256 fingerprint in the OpenSSH format.
func (k HostKey) Fingerprint() string {
	sum := sha256.Sum256(k.Key)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// StrictHostKeys accepts only keys that match the known-hosts entry.
func StrictHostKeys(_ *HostKey, _ HostKey, match KeyMatch) KeyStatus {
	if match == KeyMatchOK {
		return KeyStatusFine
	}

	return KeyStatusReject
}
