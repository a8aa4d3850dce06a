// Package msmq checks Microsoft Message Queuing services for CVE-2023-21554
// (QueueJumper).
//
// The scan sends a well-formed MSMQ message. If the reply carries the MSMQ
// signature, a second message is sent on a new connection, identical except
// that the SRMP envelope length has its high bit set. An unpatched service
// computes the same buffer size for both messages and answers again; a
// patched one rejects the message and stays silent. Neither message can
// crash the service.
package msmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/zmap/zmsmq"
	"github.com/zmap/zmsmq/lib/findings"
)

var classificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "zmsmq",
		Subsystem: "msmq",
		Name:      "classifications_total",
		Help:      "Number of probed hosts, by classification.",
	},
	[]string{"classification"},
)

func init() {
	prometheus.MustRegister(classificationsTotal)
}

// DefaultReportTimeout bounds a findings write when no connect timeout is set.
const DefaultReportTimeout = 10 * time.Second

// Flags holds the command-line configuration for the msmq scan module.
// Populated by the framework.
type Flags struct {
	zmsmq.BaseFlags
	ReadTimeout   time.Duration `long:"read-timeout" default:"5s" description:"How long to wait for a reply to each message"`
	ReadBufferMax int           `long:"read-buffer-max" default:"1024" description:"Maximum number of bytes read from each reply"`
	Verbose       bool          `long:"verbose" description:"Log each message exchange of this scanner at debug level"`
	FindingsFile  string        `long:"findings-file" description:"Append vulnerable hosts to this file, as YAML if it ends in .yaml or .yml and as JSON lines otherwise"`
	FindingsDSN   string        `long:"findings-dsn" description:"Store vulnerable hosts in this MySQL database (user:password@tcp(host:3306)/dbname)"`
}

// Module implements the zmsmq.ScanModule interface.
type Module struct {
}

// Scanner implements the zmsmq.Scanner interface.
type Scanner struct {
	config *Flags
	prober *Prober
	sink   findings.Sink
}

// RegisterModule registers the msmq zmsmq module.
func RegisterModule() {
	var module Module
	_, err := zmsmq.AddCommand("msmq", "MSMQ QueueJumper", module.Description(), 1801, &module)
	if err != nil {
		log.Fatal(err)
	}
}

// NewFlags returns a default Flags object.
func (m *Module) NewFlags() any {
	return new(Flags)
}

// NewScanner returns a new Scanner instance.
func (m *Module) NewScanner() zmsmq.Scanner {
	return new(Scanner)
}

// Description returns an overview of this module.
func (m *Module) Description() string {
	return "Check MSMQ services for CVE-2023-21554 (QueueJumper) without crashing them"
}

// Validate checks that the flags are valid.
// On success, returns nil.
// On failure, returns an error instance describing the error.
func (f *Flags) Validate(_ []string) error {
	if f.ReadTimeout <= 0 {
		return fmt.Errorf("read-timeout must be positive: %w", zmsmq.ErrInvalidArguments)
	}
	if f.ReadBufferMax <= 0 {
		return fmt.Errorf("read-buffer-max must be positive: %w", zmsmq.ErrInvalidArguments)
	}
	if f.Port == 0 || f.Port > 65535 {
		return fmt.Errorf("invalid port %d: %w", f.Port, zmsmq.ErrInvalidArguments)
	}
	return nil
}

// Help returns the module's help string.
func (f *Flags) Help() string {
	return ""
}

// Init initializes the Scanner with the command-line flags and opens the
// findings sinks.
func (s *Scanner) Init(flags zmsmq.ScanFlags) error {
	f, ok := flags.(*Flags)
	if !ok {
		return zmsmq.ErrMismatchedFlags
	}
	s.config = f
	s.prober = NewProber(f.ReadBufferMax, f.ReadTimeout)
	if f.Verbose {
		s.prober.Log = verboseLogger()
	}
	var sinks findings.MultiSink
	if f.FindingsFile != "" {
		sink, err := findings.OpenFile(f.FindingsFile)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}
	if f.FindingsDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), f.ConnectTimeout)
		defer cancel()
		sink, err := findings.OpenMySQL(ctx, f.FindingsDSN)
		if err != nil {
			sinks.Close()
			return err
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) > 0 {
		s.sink = sinks
	}
	return nil
}

// InitPerSender does nothing in this module.
func (s *Scanner) InitPerSender(senderID int) error {
	return nil
}

// GetName returns the configured name for the Scanner.
func (s *Scanner) GetName() string {
	return s.config.Name
}

// GetTrigger returns the Trigger defined in the Flags.
func (s *Scanner) GetTrigger() string {
	return s.config.Trigger
}

// Protocol returns the protocol identifier for the scan.
func (s *Scanner) Protocol() string {
	return "msmq"
}

// GetBaseFlags returns the scanner's BaseFlags.
func (s *Scanner) GetBaseFlags() *zmsmq.BaseFlags {
	return &s.config.BaseFlags
}

// Close flushes and closes the findings sinks.
func (s *Scanner) Close() error {
	if s.sink == nil {
		return nil
	}
	return s.sink.Close()
}

// Scan probes the target and reports whether it is vulnerable.
//  1. Send the well-formed message; a reply without the MSMQ signature
//     ends the scan with SCAN_PROTOCOL_ERROR.
//  2. Send the malformed message on a new connection.
//  3. A reply with the signature means vulnerable, which is recorded in
//     the findings sinks. Every MSMQ verdict is SCAN_SUCCESS.
func (s *Scanner) Scan(ctx context.Context, target *zmsmq.ScanTarget) (zmsmq.ScanStatus, any, error) {
	result, err := s.prober.Probe(ctx, NewTCPTransport(target, &s.config.BaseFlags))
	if result.Classification != "" {
		classificationsTotal.WithLabelValues(string(result.Classification)).Inc()
	}
	if err != nil {
		log.Infof("%s: %s: %v", target.String(), describeFailure(err), err)
		return zmsmq.TryGetScanStatus(err), result, err
	}

	switch result.Classification {
	case Vulnerable:
		log.Warnf("%s: %s", target.String(), result.Description)
		result.Vulnerability = &QueueJumper
		result.Finding = NewFinding(target.Host(), s.port(target))
		s.report(ctx, result.Finding)
		return zmsmq.SCAN_SUCCESS, result, nil
	case PatchedOrNoResponse, AmbiguousResponse:
		log.Infof("%s: %s", target.String(), result.Description)
		result.Vulnerability = &QueueJumper
		return zmsmq.SCAN_SUCCESS, result, nil
	case NotMSMQ:
		log.Infof("%s: %s", target.String(), result.Description)
		return zmsmq.SCAN_PROTOCOL_ERROR, result, nil
	default:
		log.Infof("%s: %s", target.String(), result.Description)
		return zmsmq.SCAN_IO_TIMEOUT, result, nil
	}
}

func (s *Scanner) port(target *zmsmq.ScanTarget) uint {
	if target.Port != nil {
		return *target.Port
	}
	return s.config.Port
}

// report stores the finding. A failing sink is logged but does not change
// the scan result.
func (s *Scanner) report(ctx context.Context, f *Finding) {
	if s.sink == nil {
		return
	}
	// the per-target deadline may be nearly spent by now
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.reportTimeout())
	defer cancel()
	if err := s.sink.Write(ctx, f.Record(s.GetName(), time.Now())); err != nil {
		log.Errorf("could not record finding for %s: %v", f.Host, err)
	}
}

// verboseLogger logs at debug level to the standard logger's output, without
// raising the level of the other scanners.
func verboseLogger() *log.Logger {
	std := log.StandardLogger()
	l := log.New()
	l.SetOutput(std.Out)
	l.SetFormatter(std.Formatter)
	l.SetLevel(log.DebugLevel)
	return l
}

func (s *Scanner) reportTimeout() time.Duration {
	if s.config.ConnectTimeout > 0 {
		return s.config.ConnectTimeout
	}
	return DefaultReportTimeout
}

func describeFailure(err error) string {
	var probeErr *ProbeError
	if errors.As(err, &probeErr) && probeErr.Kind == ConnectionFailure {
		return "Unable to connect to the service"
	}
	return "Probe failed"
}
