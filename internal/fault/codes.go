package fault

import "strconv"

// Code is a numeric status code. Its meaning depends on the Domain it is paired with;
// the same number in two domains denotes two unrelated conditions.
type Code int

// Transfer-level codes, reported by engines for a single transfer.
const (
	CodeOK                     Code = 0
	CodeUnsupportedProtocol    Code = 1
	CodeFailedInit             Code = 2
	CodeURLMalformat           Code = 3
	CodeCouldntResolveProxy    Code = 5
	CodeCouldntResolveHost     Code = 6
	CodeCouldntConnect         Code = 7
	CodeWeirdServerReply       Code = 8
	CodeRemoteAccessDenied     Code = 9
	CodeHTTPReturnedError      Code = 22
	CodeWriteError             Code = 23
	CodeUploadFailed           Code = 25
	CodeReadError              Code = 26
	CodeOutOfMemory            Code = 27
	CodeOperationTimedOut      Code = 28
	CodeRangeError             Code = 33
	CodeAbortedByCallback      Code = 42
	CodeBadFunctionArgument    Code = 43
	CodeUnknownOption          Code = 48
	CodeGotNothing             Code = 52
	CodeSendError              Code = 55
	CodeRecvError              Code = 56
	CodePeerFailedVerification Code = 60
	CodeBadContentEncoding     Code = 61
	CodeLoginDenied            Code = 67
	CodeRemoteFileNotFound     Code = 78
	CodeSSH                    Code = 79
)

// Multi-level codes, reported by the coordinator.
const (
	MultiCallPerform      Code = -1
	MultiOK               Code = 0
	MultiBadHandle        Code = 1
	MultiBadEasyHandle    Code = 2
	MultiOutOfMemory      Code = 3
	MultiInternalError    Code = 4
	MultiBadSocket        Code = 5
	MultiUnknownOption    Code = 6
	MultiAddedAlready     Code = 7
	MultiRecursiveAPICall Code = 8
)

// Share-level codes, reported by shared engine state.
const (
	ShareOK         Code = 0
	ShareBadOption  Code = 1
	ShareInUse      Code = 2
	ShareInvalid    Code = 3
	ShareNoMem      Code = 4
	ShareNotBuiltIn Code = 5
)

// URL-domain codes describe user-facing causes rather than engine conditions.
const (
	CodeUnknown   Code = -1
	CodeCancelled Code = -999
	CodeBadURL    Code = -1000
)

var transferNames = map[Code]string{
	CodeOK:                     "no error",
	CodeUnsupportedProtocol:    "unsupported protocol",
	CodeFailedInit:             "failed initialization",
	CodeURLMalformat:           "URL using bad/illegal format",
	CodeCouldntResolveProxy:    "couldn't resolve proxy name",
	CodeCouldntResolveHost:     "couldn't resolve host name",
	CodeCouldntConnect:         "couldn't connect to server",
	CodeWeirdServerReply:       "weird server reply",
	CodeRemoteAccessDenied:     "access denied to remote resource",
	CodeHTTPReturnedError:      "HTTP response code said error",
	CodeWriteError:             "failed writing received data",
	CodeUploadFailed:           "upload failed",
	CodeReadError:              "failed to open/read local data",
	CodeOutOfMemory:            "out of memory",
	CodeOperationTimedOut:      "timeout was reached",
	CodeRangeError:             "requested range was not delivered by the server",
	CodeAbortedByCallback:      "operation was aborted by an application callback",
	CodeBadFunctionArgument:    "a function was given a bad argument",
	CodeUnknownOption:          "an unknown option was passed in",
	CodeGotNothing:             "server returned nothing (no headers, no data)",
	CodeSendError:              "failed sending data to the peer",
	CodeRecvError:              "failure when receiving data from the peer",
	CodePeerFailedVerification: "peer certificate or fingerprint was not OK",
	CodeBadContentEncoding:     "unrecognized or bad HTTP content or transfer-encoding",
	CodeLoginDenied:            "login denied",
	CodeRemoteFileNotFound:     "remote file not found",
	CodeSSH:                    "error in the SSH layer",
}

var multiNames = map[Code]string{
	MultiCallPerform:      "please call perform again",
	MultiOK:               "no error",
	MultiBadHandle:        "invalid multi handle",
	MultiBadEasyHandle:    "invalid easy handle",
	MultiOutOfMemory:      "out of memory",
	MultiInternalError:    "internal error",
	MultiBadSocket:        "invalid socket argument",
	MultiUnknownOption:    "unknown option",
	MultiAddedAlready:     "the easy handle is already added to a multi handle",
	MultiRecursiveAPICall: "API function called from within callback",
}

var shareNames = map[Code]string{
	ShareOK:         "no error",
	ShareBadOption:  "unknown share option",
	ShareInUse:      "share currently in use",
	ShareInvalid:    "invalid share handle",
	ShareNoMem:      "out of memory",
	ShareNotBuiltIn: "feature not enabled in this build",
}

var urlNames = map[Code]string{
	CodeUnknown:   "unknown error",
	CodeCancelled: "cancelled",
	CodeBadURL:    "bad URL",
}

// CodeName returns a short description of code within domain d.
func CodeName(d Domain, c Code) string {
	var table map[Code]string

	switch d {
	case DomainTransfer:
		table = transferNames
	case DomainMulti:
		table = multiNames
	case DomainShare:
		table = shareNames
	case DomainURL:
		table = urlNames
	}

	if name, ok := table[c]; ok {
		return name
	}

	return "unknown code " + strconv.Itoa(int(c))
}
