package zmsmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yl2chen/cidranger"
	"golang.org/x/time/rate"

	"github.com/zmap/zmsmq/ratelimit"
)

// ReadLimitExceededAction describes how the connection reacts to an attempt to read more data than permitted.
type ReadLimitExceededAction string

const (
	// ReadLimitExceededActionNotSet is a placeholder for the zero value, so that explicitly set values can be
	// distinguished from the empty default.
	ReadLimitExceededActionNotSet = ReadLimitExceededAction("")

	// ReadLimitExceededActionTruncate causes the connection to truncate at BytesReadLimit bytes and return a bogus
	// io.EOF error. The fact that a truncation took place is logged at debug level.
	ReadLimitExceededActionTruncate = ReadLimitExceededAction("truncate")

	// ReadLimitExceededActionError causes the Read call to return n, ErrReadLimitExceeded (in addition to truncating).
	ReadLimitExceededActionError = ReadLimitExceededAction("error")
)

var (
	// DefaultBytesReadLimit is the maximum number of bytes to read per connection when no explicit value is provided.
	DefaultBytesReadLimit = 96 * 1024

	// DefaultReadLimitExceededAction is the action used when no explicit action is set.
	DefaultReadLimitExceededAction = ReadLimitExceededActionTruncate
)

// TimeoutConnection wraps an existing net.Conn connection, overriding the Read/Write methods to use the configured
// timeouts. Cancelling the context it was created with unblocks any pending Read or Write.
type TimeoutConnection struct {
	net.Conn
	ctx                     context.Context
	SessionTimeout          time.Duration // bounds the whole connection, set once
	ReadTimeout             time.Duration // used to set the read deadline, set fresh for each read
	WriteTimeout            time.Duration // used to set the write deadline, set fresh for each write
	BytesRead               int
	BytesWritten            int
	BytesReadLimit          int
	ReadLimitExceededAction ReadLimitExceededAction
	Cancel                  context.CancelFunc
	stopAfterFunc           func() bool
}

// deadline returns the earliest of now+timeout and the context deadline.
// A zero timeout means only the context deadline applies; a negative one has
// already expired.
func (c *TimeoutConnection) deadline(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Now()
	}
	var ret time.Time
	if timeout > 0 {
		ret = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := c.ctx.Deadline(); ok && (ret.IsZero() || ctxDeadline.Before(ret)) {
		ret = ctxDeadline
	}
	return ret
}

// Read calls Read() on the underlying connection, using any configured deadlines
func (c *TimeoutConnection) Read(b []byte) (n int, err error) {
	if err = c.checkContext(); err != nil {
		return 0, err
	}
	if c.BytesRead >= c.BytesReadLimit {
		return 0, c.readLimitExceeded(len(b))
	}
	origSize := len(b)
	if c.BytesRead+len(b) > c.BytesReadLimit {
		b = b[0 : c.BytesReadLimit-c.BytesRead]
	}
	if err = c.Conn.SetReadDeadline(c.deadline(c.ReadTimeout)); err != nil {
		return 0, err
	}
	n, err = c.Conn.Read(b)
	c.BytesRead += n
	if err == nil && origSize != len(b) && n == len(b) {
		// we had to shrink the output buffer AND we used up the whole shrunk size, AND we're not at EOF
		return n, c.readLimitExceeded(origSize)
	}
	if err != nil && c.ctx.Err() != nil {
		// the deadline was forced by a cancelled context
		return n, c.contextError()
	}
	return n, err
}

func (c *TimeoutConnection) readLimitExceeded(requested int) error {
	switch c.ReadLimitExceededAction {
	case ReadLimitExceededActionError:
		return ErrReadLimitExceeded
	default:
		logrus.Debugf("Truncated read of %d bytes (hit limit of %d bytes)", requested, c.BytesReadLimit)
		return io.EOF
	}
}

// Write calls Write() on the underlying connection, using any configured deadlines.
func (c *TimeoutConnection) Write(b []byte) (n int, err error) {
	if err = c.checkContext(); err != nil {
		return 0, err
	}
	if err = c.Conn.SetWriteDeadline(c.deadline(c.WriteTimeout)); err != nil {
		return 0, err
	}
	n, err = c.Conn.Write(b)
	c.BytesWritten += n
	if err != nil && c.ctx.Err() != nil {
		return n, c.contextError()
	}
	return n, err
}

// SetReadDeadline sets an explicit ReadDeadline that will override the timeout
// for one read.
func (c *TimeoutConnection) SetReadDeadline(deadline time.Time) error {
	if err := c.checkContext(); err != nil {
		return err
	}
	if !deadline.IsZero() {
		c.ReadTimeout = time.Until(deadline)
	}
	return nil
}

// SetWriteDeadline sets an explicit WriteDeadline that will override the
// WriteDeadline for one write.
func (c *TimeoutConnection) SetWriteDeadline(deadline time.Time) error {
	if err := c.checkContext(); err != nil {
		return err
	}
	if !deadline.IsZero() {
		c.WriteTimeout = time.Until(deadline)
	}
	return nil
}

// Close the underlying connection and release the context.
func (c *TimeoutConnection) Close() error {
	if c.stopAfterFunc != nil {
		c.stopAfterFunc()
	}
	if c.Cancel != nil {
		c.Cancel()
	}
	return c.Conn.Close()
}

// Check if the context has been cancelled, and if so, return an error (either the context error, or
// if the context error is nil, ErrTotalTimeout).
func (c *TimeoutConnection) checkContext() error {
	if c.ctx == nil {
		return nil
	}
	select {
	case <-c.ctx.Done():
		return c.contextError()
	default:
		return nil
	}
}

func (c *TimeoutConnection) contextError() error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	return ErrTotalTimeout
}

// NewTimeoutConnection returns a new TimeoutConnection with the appropriate defaults.
func NewTimeoutConnection(ctx context.Context, conn net.Conn, sessionTimeout, readTimeout, writeTimeout time.Duration, bytesReadLimit int) *TimeoutConnection {
	if ctx == nil {
		ctx = context.Background()
	}
	if bytesReadLimit <= 0 {
		bytesReadLimit = DefaultBytesReadLimit
	}
	ret := &TimeoutConnection{
		Conn:                    conn,
		SessionTimeout:          sessionTimeout,
		ReadTimeout:             readTimeout,
		WriteTimeout:            writeTimeout,
		BytesReadLimit:          bytesReadLimit,
		ReadLimitExceededAction: DefaultReadLimitExceededAction,
	}
	if sessionTimeout > 0 {
		ret.ctx, ret.Cancel = context.WithTimeout(ctx, sessionTimeout)
	} else {
		ret.ctx, ret.Cancel = context.WithCancel(ctx)
	}
	ret.stopAfterFunc = context.AfterFunc(ret.ctx, func() {
		// Wake any goroutine blocked in Read/Write.
		_ = conn.SetDeadline(time.Now())
	})
	return ret
}

// Dialer provides Dial and DialContext methods to get connections with the given timeout.
type Dialer struct {
	// SessionTimeout is the maximum time to wait for the entire session, after which any operations on the
	// connection will fail. Dial-specific timeouts are set on the net.Dialer.
	SessionTimeout time.Duration

	// ReadTimeout is the maximum time to wait for a Read
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for a Write
	WriteTimeout time.Duration

	// Dialer is an auxiliary dialer used for DialContext (the result gets wrapped in a
	// TimeoutConnection).
	*net.Dialer

	// BytesReadLimit is the maximum number of bytes that connections dialed with this dialer will
	// read before erroring.
	BytesReadLimit int

	// ReadLimitExceededAction describes how connections dialed with this dialer deal with exceeding
	// the BytesReadLimit.
	ReadLimitExceededAction ReadLimitExceededAction

	// Blocklist of IPs we should not dial.
	Blocklist cidranger.Ranger

	// RateLimiter, if set, throttles connections per destination IP to RateLimit per second.
	RateLimiter *ratelimit.PerObjectRateLimiter[netip.Addr]
	RateLimit   int
}

// DialContext wraps the connection returned by net.Dialer.DialContext() with a TimeoutConnection.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", address, err)
	}
	var conn net.Conn
	if ip := net.ParseIP(host); ip != nil {
		conn, err = d.dialIP(ctx, network, ip, port)
	} else {
		conn, err = d.dialContextDomain(ctx, network, host, port)
	}
	if err != nil {
		return nil, err
	}
	ret := NewTimeoutConnection(ctx, conn, d.SessionTimeout, d.ReadTimeout, d.WriteTimeout, d.BytesReadLimit)
	ret.ReadLimitExceededAction = d.ReadLimitExceededAction
	return ret, nil
}

func (d *Dialer) dialIP(ctx context.Context, network string, ip net.IP, port string) (net.Conn, error) {
	if d.Blocklist != nil {
		if contains, _ := d.Blocklist.Contains(ip); contains {
			return nil, &ScanError{
				Status: SCAN_BLOCKLISTED_TARGET,
				Err:    fmt.Errorf("dialing blocked IP: %s", ip),
			}
		}
	}
	if d.RateLimiter != nil && d.RateLimit > 0 {
		ipAddr, ok := netip.AddrFromSlice(ip)
		if !ok {
			return nil, fmt.Errorf("invalid IP address: %s", ip)
		}
		if err := d.RateLimiter.WaitOrCreate(ctx, ipAddr.Unmap(), rate.Limit(d.RateLimit), d.RateLimit); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, &ScanError{
					Status: SCAN_CONNECTION_TIMEOUT,
					Err:    fmt.Errorf("dialing IP %s timed out or was cancelled while waiting for rate limit token", ip),
				}
			}
			return nil, fmt.Errorf("failed to wait for rate limiter for IP %s: %w", ip, err)
		}
	}
	conn, err := d.Dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
	if err != nil {
		return nil, fmt.Errorf("dial context failed: %w", err)
	}
	return conn, nil
}

// dialContextDomain resolves host and tries each usable address in turn, giving
// each one an equal share of the dial timeout.
func (d *Dialer) dialContextDomain(ctx context.Context, network, host, port string) (net.Conn, error) {
	resolver := d.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve domain %s: %w", host, err)
	}
	usable := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		if d.Blocklist != nil {
			if contains, _ := d.Blocklist.Contains(ip); contains {
				continue
			}
		}
		usable = append(usable, ip)
	}
	if len(usable) == 0 {
		return nil, &ScanError{
			Status: SCAN_BLOCKLISTED_TARGET,
			Err:    fmt.Errorf("no reachable IPs found for domain %s after filtering blocklisted IPs", host),
		}
	}
	original := d.Timeout
	defer func() {
		d.Timeout = original
	}()
	if original > 0 {
		d.Timeout = original / time.Duration(len(usable))
	}
	var conn net.Conn
	for _, ip := range usable {
		conn, err = d.dialIP(ctx, network, ip, port)
		if err == nil {
			return conn, nil
		}
	}
	return nil, &ScanError{
		Status: TryGetScanStatus(err),
		Err:    fmt.Errorf("failed to connect to any IPs for domain %s. Last IP errored with: %w", host, err),
	}
}

// SetDefaults for the Dialer.
func (d *Dialer) SetDefaults() *Dialer {
	if d.ReadLimitExceededAction == ReadLimitExceededActionNotSet {
		d.ReadLimitExceededAction = DefaultReadLimitExceededAction
	}
	if d.BytesReadLimit == 0 {
		d.BytesReadLimit = DefaultBytesReadLimit
	}
	if d.Dialer == nil {
		d.Dialer = &net.Dialer{}
	}
	return d
}

// NewDialer creates a new Dialer with default settings, using the framework
// blocklist and per-IP rate limit unless value already sets them.
func NewDialer(value *Dialer) *Dialer {
	if value == nil {
		value = &Dialer{}
	}
	if value.Blocklist == nil {
		value.Blocklist = blocklist
	}
	if value.RateLimiter == nil && config.ServerRateLimit > 0 {
		value.RateLimiter = ipRateLimiter
		value.RateLimit = config.ServerRateLimit
	}
	return value.SetDefaults()
}

// SetRandomLocalAddr sets a random local address and port for the dialer. If either localIPs or localPorts are empty,
// the IP or port, respectively, will be un-set and the system will choose.
func (d *Dialer) SetRandomLocalAddr(network string, localIPs []net.IP, localPorts []uint16) error {
	var localIP net.IP
	if len(localIPs) != 0 {
		localIP = localIPs[rand.Intn(len(localIPs))]
	}
	var localPort int
	if len(localPorts) != 0 {
		localPort = int(localPorts[rand.Intn(len(localPorts))])
	}
	if localIP == nil && localPort == 0 {
		return nil // nothing to set
	}
	switch network {
	case "tcp", "tcp4", "tcp6":
		d.LocalAddr = &net.TCPAddr{
			IP:   localIP,
			Port: localPort,
		}
	default:
		return fmt.Errorf("unsupported network type: %s", network)
	}
	return nil
}
