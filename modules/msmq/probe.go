package msmq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zmap/zmsmq"
)

// Classification is the verdict of a probe.
type Classification string

const (
	// NotMSMQ: the service answered the baseline message without the MSMQ
	// signature.
	NotMSMQ = Classification("not-msmq")

	// Unreachable: no connection, or no answer to the baseline message.
	Unreachable = Classification("unreachable")

	// PatchedOrNoResponse: an MSMQ service that did not answer the malformed
	// message.
	PatchedOrNoResponse = Classification("patched-or-no-response")

	// Vulnerable: an MSMQ service that accepted the malformed message.
	Vulnerable = Classification("vulnerable")

	// AmbiguousResponse: an MSMQ service that answered the malformed message
	// without the signature.
	AmbiguousResponse = Classification("ambiguous-response")
)

var classificationDescriptions = map[Classification]string{
	NotMSMQ:             "Service does not look like MSMQ",
	Unreachable:         "No response received from the service",
	PatchedOrNoResponse: "No response to the malformed message, MSMQ seems to be patched",
	Vulnerable:          "MSMQ vulnerable to CVE-2023-21554 - QueueJumper!",
	AmbiguousResponse:   "Unexpected response to the malformed message, MSMQ might be vulnerable",
}

// Describe returns a one-line human-readable summary.
func (c Classification) Describe() string {
	if d, ok := classificationDescriptions[c]; ok {
		return d
	}
	return string(c)
}

// Phase identifies one of the two exchanges of a probe.
type Phase string

const (
	PhaseBaseline  = Phase("baseline")
	PhaseMalformed = Phase("malformed")
)

// ErrorKind classifies probe errors.
type ErrorKind string

const (
	// ConnectionFailure: the connection could not be established.
	ConnectionFailure = ErrorKind("connection-failure")

	// TransportIOFailure: sending or receiving failed with something other
	// than a timeout or end of stream.
	TransportIOFailure = ErrorKind("transport-io-failure")
)

// ProbeError reports a transport failure during one phase of a probe.
type ProbeError struct {
	Phase Phase
	Kind  ErrorKind
	Err   error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s phase: %s: %v", e.Phase, e.Kind, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// Exchange records one phase of a probe.
type Exchange struct {
	Phase          Phase  `json:"phase"`
	BytesSent      int    `json:"bytes_sent"`
	ResponseLength int    `json:"response_length"`
	MarkerPresent  bool   `json:"marker_present"`
	TimedOut       bool   `json:"timed_out"`
	Response       []byte `json:"response,omitempty" zmsmq:"debug"`
}

// Result is the outcome of a probe.
type Result struct {
	Classification Classification `json:"classification,omitempty"`
	Description    string         `json:"description,omitempty"`
	Exchanges      []*Exchange    `json:"exchanges,omitempty"`
	Finding        *Finding       `json:"finding,omitempty"`
	Vulnerability  *Vulnerability `json:"vulnerability,omitempty"`
}

func (r *Result) classify(c Classification) {
	r.Classification = c
	r.Description = c.Describe()
}

const (
	DefaultReadBufferMax = 1024
	DefaultReadTimeout   = 5 * time.Second
)

// Prober runs the two-phase QueueJumper check. It holds no per-target state
// and may be shared between goroutines.
type Prober struct {
	// ReadBufferMax is the most bytes read from any reply.
	ReadBufferMax int

	// ReadTimeout is how long to wait for a reply.
	ReadTimeout time.Duration

	// Log receives a debug line per exchange.
	Log log.FieldLogger
}

// NewProber returns a Prober, substituting defaults for non-positive values.
func NewProber(readBufferMax int, readTimeout time.Duration) *Prober {
	if readBufferMax <= 0 {
		readBufferMax = DefaultReadBufferMax
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Prober{ReadBufferMax: readBufferMax, ReadTimeout: readTimeout, Log: log.StandardLogger()}
}

// Probe sends the well-formed message and, only if the reply carries the
// MSMQ signature, the malformed one on a new connection. Each connection is
// closed before Probe moves on or returns.
//
// A connection failure yields Unreachable together with a *ProbeError. Any
// other transport failure yields a *ProbeError and a Result without a
// classification. Timeouts and unexpected replies are classifications, not
// errors.
func (p *Prober) Probe(ctx context.Context, t Transport) (*Result, error) {
	result := &Result{}

	baseline, err := p.exchange(ctx, t, PhaseBaseline, normalMessage)
	if baseline != nil {
		result.Exchanges = append(result.Exchanges, baseline)
	}
	if err != nil {
		return p.failed(result, err)
	}
	switch {
	case baseline.TimedOut:
		result.classify(Unreachable)
		return result, nil
	case !baseline.MarkerPresent:
		result.classify(NotMSMQ)
		return result, nil
	}
	p.Log.Debug("msmq: MSMQ detected, sending the malformed message")

	malformed, err := p.exchange(ctx, t, PhaseMalformed, malformedMessage)
	if malformed != nil {
		result.Exchanges = append(result.Exchanges, malformed)
	}
	if err != nil {
		return p.failed(result, err)
	}
	switch {
	case malformed.TimedOut:
		result.classify(PatchedOrNoResponse)
	case malformed.MarkerPresent:
		result.classify(Vulnerable)
	default:
		result.classify(AmbiguousResponse)
	}
	return result, nil
}

func (p *Prober) failed(result *Result, err error) (*Result, error) {
	var probeErr *ProbeError
	if errors.As(err, &probeErr) && probeErr.Kind == ConnectionFailure {
		result.classify(Unreachable)
	}
	return result, err
}

// exchange runs one phase on a fresh connection. The returned Exchange is
// nil only if no connection was made.
func (p *Prober) exchange(ctx context.Context, t Transport, phase Phase, msg []byte) (*Exchange, error) {
	defer func() {
		if closeErr := t.Close(); closeErr != nil {
			p.Log.Debugf("msmq: %s phase: error closing connection: %v", phase, closeErr)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, &ProbeError{Phase: phase, Kind: TransportIOFailure, Err: err}
	}
	if err := t.Connect(ctx); err != nil {
		// a cancelled scan is not an unreachable host
		if ctx.Err() != nil {
			return nil, &ProbeError{Phase: phase, Kind: TransportIOFailure, Err: err}
		}
		return nil, &ProbeError{Phase: phase, Kind: ConnectionFailure, Err: err}
	}

	ex := &Exchange{Phase: phase}
	if err := t.Send(msg); err != nil {
		return ex, &ProbeError{Phase: phase, Kind: TransportIOFailure, Err: err}
	}
	ex.BytesSent = len(msg)
	p.Log.Debugf("msmq: %s phase: sent %d bytes", phase, len(msg))

	data, err := t.Receive(p.ReadBufferMax, p.ReadTimeout)
	if ctxErr := ctx.Err(); ctxErr != nil {
		if err == nil {
			err = ctxErr
		}
		return ex, &ProbeError{Phase: phase, Kind: TransportIOFailure, Err: err}
	}
	if len(data) == 0 {
		if err != nil && !zmsmq.IsTimeoutOrEOF(err) {
			return ex, &ProbeError{Phase: phase, Kind: TransportIOFailure, Err: err}
		}
		ex.TimedOut = true
		p.Log.Debugf("msmq: %s phase: no response", phase)
		return ex, nil
	}
	if len(data) > p.ReadBufferMax {
		data = data[:p.ReadBufferMax]
	}
	ex.ResponseLength = len(data)
	ex.MarkerPresent = bytes.Contains(data, Marker)
	ex.Response = bytes.Clone(data)
	p.Log.Debugf("msmq: %s phase: received %d bytes, marker present: %t", phase, len(data), ex.MarkerPresent)
	return ex, nil
}
