package engine

import (
	"fmt"
	"sync"

	"github.com/italolelis/netxfer/internal/fault"
)

// InfoKey names a piece of transfer information.
type InfoKey int

const (
	InfoResponseCode InfoKey = iota + 1 // int
	InfoEffectiveURL                    // string
	InfoEntryPath                       // string
	InfoContentType                     // string
	InfoSizeDownload                    // int64
	InfoSizeUpload                      // int64
)

// InfoType classifies a debug line.
type InfoType int

const (
	InfoText InfoType = iota
	InfoHeaderIn
	InfoHeaderOut
	InfoDataIn
	InfoDataOut
	InfoSSLDataIn
	InfoSSLDataOut
)

var infoTypeNames = [...]string{
	InfoText:       "Text",
	InfoHeaderIn:   "HeaderIn",
	InfoHeaderOut:  "HeaderOut",
	InfoDataIn:     "DataIn",
	InfoDataOut:    "DataOut",
	InfoSSLDataIn:  "SSLDataIn",
	InfoSSLDataOut: "SSLDataOut",
}

func (t InfoType) String() string {
	if t < 0 || int(t) >= len(infoTypeNames) {
		return fmt.Sprintf("InfoType(%d)", int(t))
	}

	return infoTypeNames[t]
}

// Stats collects transfer information. Engines update it from Step and from
// their own goroutines; Info may be called at any time.
type Stats struct {
	mu           sync.Mutex
	responseCode int
	effectiveURL string
	entryPath    string
	contentType  string
	downloaded   int64
	uploaded     int64
}

// SetResponse records the protocol status and content type of the response.
func (s *Stats) SetResponse(code int, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.responseCode = code
	s.contentType = contentType
}

// SetEffectiveURL records the URL the engine actually talked to.
func (s *Stats) SetEffectiveURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.effectiveURL = u
}

// SetEntryPath records the directory the server placed the session in.
func (s *Stats) SetEntryPath(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entryPath = p
}

// AddDownloaded accounts received body bytes.
func (s *Stats) AddDownloaded(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.downloaded += n
}

// AddUploaded accounts sent body bytes.
func (s *Stats) AddUploaded(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.uploaded += n
}

// Info returns the value stored for key.
func (s *Stats) Info(key InfoKey) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch key {
	case InfoResponseCode:
		return s.responseCode, nil
	case InfoEffectiveURL:
		return s.effectiveURL, nil
	case InfoEntryPath:
		return s.entryPath, nil
	case InfoContentType:
		return s.contentType, nil
	case InfoSizeDownload:
		return s.downloaded, nil
	case InfoSizeUpload:
		return s.uploaded, nil
	default:
		return nil, fault.Transfer(fault.CodeUnknownOption, fmt.Errorf("info key %d", int(key)))
	}
}

// ResponseCode is a convenience accessor for InfoResponseCode on any engine.
func ResponseCode(e Easy) int {
	v, err := e.Info(InfoResponseCode)
	if err != nil {
		return 0
	}

	code, _ := v.(int)

	return code
}

// InfoString is a convenience accessor for string-valued info keys.
func InfoString(e Easy, key InfoKey) string {
	v, err := e.Info(key)
	if err != nil {
		return ""
	}

	s, _ := v.(string)

	return s
}

// InfoInt64 is a convenience accessor for size info keys.
func InfoInt64(e Easy, key InfoKey) int64 {
	v, err := e.Info(key)
	if err != nil {
		return 0
	}

	n, _ := v.(int64)

	return n
}
