package engine

import (
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/oauth2"

	"github.com/italolelis/netxfer/internal/fault"
)

// Option names an engine setting.
type Option int

const (
	OptURL            Option = iota + 1 // string
	OptNoBody                           // bool
	OptUpload                           // bool
	OptCustomRequest                    // string
	OptHTTPHeader                       // []string of "Name: value"
	OptRange                            // string "A-B"
	OptAcceptEncoding                   // string
	OptUsername                         // string
	OptPassword                         // string
	OptTokenSource                      // oauth2.TokenSource
	OptProxy                            // string, empty disables any proxy
	OptProxyUserPwd                     // string "user:password"
	OptReadStream                       // io.Reader
	OptInFileSize                       // int64, -1 if unknown
	OptHeaderFunc                       // HeaderFunc
	OptWriteFunc                        // WriteFunc
	OptSendFunc                         // SendFunc
	OptDebugFunc                        // DebugFunc
	OptVerbose                          // bool
	OptHostKeyFunc                      // HostKeyFunc
	OptKnownHostsFile                   // string
	OptTimeout                          // time.Duration
	OptFailOnError                      // bool
	OptShare                            // *Share
)

var optionNames = map[Option]string{
	OptURL:            "url",
	OptNoBody:         "nobody",
	OptUpload:         "upload",
	OptCustomRequest:  "customrequest",
	OptHTTPHeader:     "httpheader",
	OptRange:          "range",
	OptAcceptEncoding: "accept_encoding",
	OptUsername:       "username",
	OptPassword:       "password",
	OptTokenSource:    "token_source",
	OptProxy:          "proxy",
	OptProxyUserPwd:   "proxyuserpwd",
	OptReadStream:     "readstream",
	OptInFileSize:     "infilesize",
	OptHeaderFunc:     "headerfunction",
	OptWriteFunc:      "writefunction",
	OptSendFunc:       "sendfunction",
	OptDebugFunc:      "debugfunction",
	OptVerbose:        "verbose",
	OptHostKeyFunc:    "hostkeyfunction",
	OptKnownHostsFile: "knownhosts",
	OptTimeout:        "timeout",
	OptFailOnError:    "failonerror",
	OptShare:          "share",
}

func (o Option) String() string {
	if name, ok := optionNames[o]; ok {
		return name
	}

	return fmt.Sprintf("option(%d)", int(o))
}

// Config is the option set shared by all engines. Engines embed it and read
// the fields they understand; the others are ignored.
type Config struct {
	URL            string
	NoBody         bool
	Upload         bool
	CustomRequest  string
	Headers        []string
	Range          string
	AcceptEncoding string
	EncodingSet    bool
	Username       string
	Password       string
	TokenSource    oauth2.TokenSource
	Proxy          string
	ProxySet       bool
	ProxyUserPwd   string
	ReadStream     io.Reader
	InFileSize     int64
	HeaderFunc     HeaderFunc
	WriteFunc      WriteFunc
	SendFunc       SendFunc
	DebugFunc      DebugFunc
	Verbose        bool
	HostKeyFunc    HostKeyFunc
	KnownHostsFile string
	Timeout        time.Duration
	FailOnError    bool
	Share          *Share
}

// NewConfig returns a Config with an unknown upload size.
func NewConfig() Config {
	return Config{InFileSize: -1}
}

// Set stores value under opt. A value of the wrong type is rejected with
// CodeBadFunctionArgument and an unrecognized option with CodeUnknownOption.
func (c *Config) Set(opt Option, value any) error {
	var ok bool

	switch opt {
	case OptURL:
		c.URL, ok = value.(string)
	case OptNoBody:
		c.NoBody, ok = value.(bool)
	case OptUpload:
		c.Upload, ok = value.(bool)
	case OptCustomRequest:
		c.CustomRequest, ok = value.(string)
	case OptHTTPHeader:
		c.Headers, ok = value.([]string)
	case OptRange:
		c.Range, ok = value.(string)
	case OptAcceptEncoding:
		c.AcceptEncoding, ok = value.(string)
		c.EncodingSet = ok
	case OptUsername:
		c.Username, ok = value.(string)
	case OptPassword:
		c.Password, ok = value.(string)
	case OptTokenSource:
		if value == nil {
			c.TokenSource, ok = nil, true
			break
		}
		c.TokenSource, ok = value.(oauth2.TokenSource)
	case OptProxy:
		c.Proxy, ok = value.(string)
		c.ProxySet = ok
	case OptProxyUserPwd:
		c.ProxyUserPwd, ok = value.(string)
	case OptReadStream:
		if value == nil {
			c.ReadStream, ok = nil, true
			break
		}
		c.ReadStream, ok = value.(io.Reader)
	case OptInFileSize:
		c.InFileSize, ok = value.(int64)
	case OptHeaderFunc:
		switch f := value.(type) {
		case HeaderFunc:
			c.HeaderFunc, ok = f, true
		case func([]byte) error:
			c.HeaderFunc, ok = f, true
		}
	case OptWriteFunc:
		switch f := value.(type) {
		case WriteFunc:
			c.WriteFunc, ok = f, true
		case func([]byte) error:
			c.WriteFunc, ok = f, true
		}
	case OptSendFunc:
		switch f := value.(type) {
		case SendFunc:
			c.SendFunc, ok = f, true
		case func(int64):
			c.SendFunc, ok = f, true
		}
	case OptDebugFunc:
		switch f := value.(type) {
		case DebugFunc:
			c.DebugFunc, ok = f, true
		case func(InfoType, []byte):
			c.DebugFunc, ok = f, true
		}
	case OptVerbose:
		c.Verbose, ok = value.(bool)
	case OptHostKeyFunc:
		switch f := value.(type) {
		case HostKeyFunc:
			c.HostKeyFunc, ok = f, true
		case func(*HostKey, HostKey, KeyMatch) KeyStatus:
			c.HostKeyFunc, ok = f, true
		}
	case OptKnownHostsFile:
		c.KnownHostsFile, ok = value.(string)
	case OptTimeout:
		c.Timeout, ok = value.(time.Duration)
	case OptFailOnError:
		c.FailOnError, ok = value.(bool)
	case OptShare:
		c.Share, ok = value.(*Share)
	default:
		return fault.Transfer(fault.CodeUnknownOption, fmt.Errorf("option %s", opt))
	}

	if !ok {
		return fault.Transfer(fault.CodeBadFunctionArgument,
			fmt.Errorf("option %s: unexpected value type %T", opt, value))
	}

	return nil
}

// Debug forwards a diagnostic line when verbose mode is on.
func (c *Config) Debug(t InfoType, format string, args ...any) {
	if !c.Verbose || c.DebugFunc == nil {
		return
	}

	c.DebugFunc(t, []byte(fmt.Sprintf(format, args...)))
}

// EmitHeader forwards one header line, terminated with CRLF.
func (c *Config) EmitHeader(line string) error {
	if c.HeaderFunc == nil {
		return nil
	}

	if err := c.HeaderFunc([]byte(line + "\r\n")); err != nil {
		return callbackError(err)
	}

	return nil
}

// EmitBody forwards body bytes.
func (c *Config) EmitBody(p []byte) error {
	if c.WriteFunc == nil || len(p) == 0 {
		return nil
	}

	if err := c.WriteFunc(p); err != nil {
		return callbackError(err)
	}

	return nil
}

// callbackError keeps the domain of errors the callback already classified.
func callbackError(err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}

	return fault.Transfer(fault.CodeWriteError, err)
}
