package msmq

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/zmap/zmsmq"
	"github.com/zmap/zmsmq/lib/findings"
)

type serviceMode int

const (
	modeVulnerable serviceMode = iota
	modePatched
	modeHTTP
)

// fakeService imitates an MSMQ listener: it answers the well-formed message
// with a base header and, depending on its mode, answers or ignores the
// malformed one.
type fakeService struct {
	listener net.Listener
	mode     serviceMode
	mu       sync.Mutex
	received [][]byte
	wg       sync.WaitGroup
}

func startFakeService(t *testing.T, mode serviceMode) *fakeService {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeService{listener: l, mode: mode}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handle(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		l.Close()
		s.wg.Wait()
	})
	return s
}

func (s *fakeService) port() uint {
	return uint(s.listener.Addr().(*net.TCPAddr).Port)
}

func (s *fakeService) handle(conn net.Conn) {
	defer conn.Close()
	msg := make([]byte, MessageSize)
	if _, err := io.ReadFull(conn, msg); err != nil {
		return
	}
	s.mu.Lock()
	s.received = append(s.received, msg)
	s.mu.Unlock()

	var reply []byte
	switch {
	case s.mode == modeHTTP:
		reply = []byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n")
	case bytes.Equal(msg, normalMessage), s.mode == modeVulnerable:
		header := BaseHeader{VersionNumber: 0x10, Flags: 0x0300, Signature: [4]byte(Marker), PacketSize: BaseHeaderSize}
		reply, _ = header.MarshalBinary()
	}
	if reply != nil {
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
	// hold the connection until the client is done with it
	_, _ = io.Copy(io.Discard, conn)
}

func (s *fakeService) messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func newTestScanner(t *testing.T, port uint, findingsFile string) *Scanner {
	t.Helper()
	flags := &Flags{
		BaseFlags: zmsmq.BaseFlags{
			Port:           port,
			Name:           "msmq",
			ConnectTimeout: 2 * time.Second,
			TargetTimeout:  10 * time.Second,
		},
		ReadTimeout:   300 * time.Millisecond,
		ReadBufferMax: DefaultReadBufferMax,
		FindingsFile:  findingsFile,
	}
	require.NoError(t, flags.Validate(nil))
	s := new(Scanner)
	require.NoError(t, s.Init(flags))
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func localTarget(port uint) *zmsmq.ScanTarget {
	return &zmsmq.ScanTarget{IP: net.ParseIP("127.0.0.1"), Port: &port}
}

func TestScanVulnerable(t *testing.T) {
	service := startFakeService(t, modeVulnerable)
	findingsFile := filepath.Join(t.TempDir(), "findings.jsonl")
	scanner := newTestScanner(t, service.port(), findingsFile)

	status, res, err := scanner.Scan(context.Background(), localTarget(service.port()))
	require.NoError(t, err)
	require.Equal(t, zmsmq.SCAN_SUCCESS, status)
	result := res.(*Result)
	require.Equal(t, Vulnerable, result.Classification)
	require.Equal(t, &QueueJumper, result.Vulnerability)
	require.Equal(t, NewFinding("127.0.0.1", service.port()), result.Finding)
	require.Equal(t, [][]byte{normalMessage, malformedMessage}, service.messages())
	require.True(t, result.Exchanges[1].MarkerPresent)
	require.Equal(t, BaseHeaderSize, result.Exchanges[1].ResponseLength)

	require.NoError(t, scanner.Close())
	f, err := os.Open(findingsFile)
	require.NoError(t, err)
	defer f.Close()
	lines := bufio.NewScanner(f)
	require.True(t, lines.Scan())
	var record findings.Record
	require.NoError(t, json.Unmarshal(lines.Bytes(), &record))
	require.Equal(t, "127.0.0.1", record.Host)
	require.Equal(t, service.port(), record.Port)
	require.Equal(t, "msmq", record.Module)
	require.Equal(t, "CVE-2023-21554 QueueJumper", record.Title)
	require.False(t, lines.Scan())
}

func TestScannersShareFindingsFile(t *testing.T) {
	findingsFile := filepath.Join(t.TempDir(), "findings.jsonl")
	first := startFakeService(t, modeVulnerable)
	second := startFakeService(t, modeVulnerable)
	firstScanner := newTestScanner(t, first.port(), findingsFile)
	secondScanner := newTestScanner(t, second.port(), findingsFile)

	for _, scan := range []struct {
		scanner *Scanner
		port    uint
	}{{firstScanner, first.port()}, {secondScanner, second.port()}} {
		_, res, err := scan.scanner.Scan(context.Background(), localTarget(scan.port))
		require.NoError(t, err)
		require.Equal(t, Vulnerable, res.(*Result).Classification)
	}
	require.NoError(t, firstScanner.Close())
	require.NoError(t, secondScanner.Close())

	f, err := os.Open(findingsFile)
	require.NoError(t, err)
	defer f.Close()
	var ports []uint
	lines := bufio.NewScanner(f)
	for lines.Scan() {
		var record findings.Record
		require.NoError(t, json.Unmarshal(lines.Bytes(), &record))
		ports = append(ports, record.Port)
	}
	require.Equal(t, []uint{first.port(), second.port()}, ports)
}

func TestScanPatched(t *testing.T) {
	service := startFakeService(t, modePatched)
	findingsFile := filepath.Join(t.TempDir(), "findings.jsonl")
	scanner := newTestScanner(t, service.port(), findingsFile)

	status, res, err := scanner.Scan(context.Background(), localTarget(service.port()))
	require.NoError(t, err)
	require.Equal(t, zmsmq.SCAN_SUCCESS, status)
	result := res.(*Result)
	require.Equal(t, PatchedOrNoResponse, result.Classification)
	require.Nil(t, result.Finding)
	require.Len(t, service.messages(), 2)

	require.NoError(t, scanner.Close())
	data, err := os.ReadFile(findingsFile)
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestScanNotMSMQ(t *testing.T) {
	service := startFakeService(t, modeHTTP)
	scanner := newTestScanner(t, service.port(), "")

	status, res, err := scanner.Scan(context.Background(), localTarget(service.port()))
	require.NoError(t, err)
	require.Equal(t, zmsmq.SCAN_PROTOCOL_ERROR, status)
	require.Equal(t, NotMSMQ, res.(*Result).Classification)
	// the malformed message is never sent to a service that is not MSMQ
	require.Equal(t, [][]byte{normalMessage}, service.messages())
}

func TestScanRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint(l.Addr().(*net.TCPAddr).Port)
	require.NoError(t, l.Close())
	scanner := newTestScanner(t, port, "")

	status, res, err := scanner.Scan(context.Background(), localTarget(port))
	require.Error(t, err)
	require.Equal(t, zmsmq.SCAN_CONNECTION_REFUSED, status)
	var probeErr *ProbeError
	require.ErrorAs(t, err, &probeErr)
	require.Equal(t, ConnectionFailure, probeErr.Kind)
	require.Equal(t, Unreachable, res.(*Result).Classification)
}

func TestRunScannerOutput(t *testing.T) {
	service := startFakeService(t, modeVulnerable)
	scanner := newTestScanner(t, service.port(), "")

	// the default port comes from the flags
	target := zmsmq.ScanTarget{IP: net.ParseIP("127.0.0.1")}
	name, resp := zmsmq.RunScanner(context.Background(), scanner, nil, target)
	require.Equal(t, "msmq", name)
	require.Equal(t, zmsmq.SCAN_SUCCESS, resp.Status)
	require.Equal(t, "msmq", resp.Protocol)
	require.Nil(t, resp.Error)

	grab := zmsmq.BuildGrabFromInputResponse(&target, map[string]zmsmq.ScanResponse{name: resp})
	stripped, err := zmsmq.EncodeGrab(grab, false)
	require.NoError(t, err)
	require.Contains(t, string(stripped), `"classification":"vulnerable"`)
	require.Contains(t, string(stripped), `"cve":"CVE-2023-21554"`)
	require.NotContains(t, string(stripped), `"response"`)

	full, err := zmsmq.EncodeGrab(grab, true)
	require.NoError(t, err)
	require.Contains(t, string(full), `"response"`)
}

func TestVerboseScannerKeepsLogLevel(t *testing.T) {
	std := log.StandardLogger()
	defer func(out io.Writer, level log.Level) {
		std.SetOutput(out)
		std.SetLevel(level)
	}(std.Out, std.Level)
	var buf bytes.Buffer
	std.SetOutput(&buf)
	std.SetLevel(log.InfoLevel)

	service := startFakeService(t, modePatched)
	flags := &Flags{
		BaseFlags:     zmsmq.BaseFlags{Port: service.port(), Name: "msmq", ConnectTimeout: 2 * time.Second},
		ReadTimeout:   300 * time.Millisecond,
		ReadBufferMax: DefaultReadBufferMax,
		Verbose:       true,
	}
	verbose := new(Scanner)
	require.NoError(t, verbose.Init(flags))
	require.Equal(t, log.InfoLevel, log.GetLevel())

	_, _, err := verbose.Scan(context.Background(), localTarget(service.port()))
	require.NoError(t, err)
	require.Contains(t, buf.String(), "baseline phase: sent 2404 bytes")

	// a scanner without the flag stays quiet
	buf.Reset()
	quiet := newTestScanner(t, service.port(), "")
	_, _, err = quiet.Scan(context.Background(), localTarget(service.port()))
	require.NoError(t, err)
	require.NotContains(t, buf.String(), "phase: sent")
}

// stalledSink blocks every write until its context ends.
type stalledSink struct{}

func (stalledSink) Write(ctx context.Context, _ *findings.Record) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledSink) Close() error { return nil }

func TestReportIsBounded(t *testing.T) {
	s := newTestScanner(t, 1801, "")
	s.config.ConnectTimeout = 50 * time.Millisecond
	s.sink = stalledSink{}

	// a cancelled scan still gets its own write deadline
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	s.report(ctx, NewFinding("10.0.0.1", 1801))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, 2*time.Second)
}

func TestFlagsValidate(t *testing.T) {
	valid := Flags{BaseFlags: zmsmq.BaseFlags{Port: 1801}, ReadTimeout: time.Second, ReadBufferMax: 1024}
	require.NoError(t, valid.Validate(nil))

	tests := map[string]func(f *Flags){
		"zero read timeout": func(f *Flags) { f.ReadTimeout = 0 },
		"zero buffer":       func(f *Flags) { f.ReadBufferMax = 0 },
		"zero port":         func(f *Flags) { f.Port = 0 },
		"port too large":    func(f *Flags) { f.Port = 70000 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			f := valid
			mutate(&f)
			require.ErrorIs(t, f.Validate(nil), zmsmq.ErrInvalidArguments)
		})
	}
}

func TestInitRejectsOtherFlags(t *testing.T) {
	s := new(Scanner)
	require.ErrorIs(t, s.Init(new(otherFlags)), zmsmq.ErrMismatchedFlags)
}

type otherFlags struct{}

func (otherFlags) Help() string            { return "" }
func (otherFlags) Validate([]string) error { return nil }
