package zmsmq

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ReadAvailableWithOptions reads whatever can be read from conn, at most
// maxReadSize bytes in total.
// The first read uses the connection's own deadline. Once something has been
// read, further reads wait at most readTimeout each, and stop as soon as one of
// them returns no data, after totalTimeout (if non-zero), or when maxReadSize
// bytes have been read.
// A timeout or EOF after at least one byte has been read is not an error.
func ReadAvailableWithOptions(conn net.Conn, bufferSize int, readTimeout time.Duration, totalTimeout time.Duration, maxReadSize int) ([]byte, error) {
	if bufferSize > maxReadSize {
		bufferSize = maxReadSize
	}
	var ret bytes.Buffer
	buf := make([]byte, bufferSize)
	n, err := conn.Read(buf)
	ret.Write(buf[:n])
	if err != nil || n == 0 || ret.Len() >= maxReadSize {
		return ret.Bytes(), err
	}
	var stop time.Time
	if totalTimeout > 0 {
		stop = time.Now().Add(totalTimeout)
	}
	for ret.Len() < maxReadSize {
		deadline := time.Now().Add(readTimeout)
		if !stop.IsZero() && stop.Before(deadline) {
			deadline = stop
		}
		if err = conn.SetReadDeadline(deadline); err != nil {
			return ret.Bytes(), err
		}
		if remaining := maxReadSize - ret.Len(); remaining < len(buf) {
			buf = buf[:remaining]
		}
		n, err = conn.Read(buf)
		ret.Write(buf[:n])
		if err != nil {
			if IsTimeoutOrEOF(err) {
				err = nil
			}
			return ret.Bytes(), err
		}
		if n == 0 || (!stop.IsZero() && time.Now().After(stop)) {
			break
		}
	}
	return ret.Bytes(), nil
}

// IsTimeoutOrEOF returns true if err is an io.EOF, a read deadline timeout, or
// a net.Error reporting a timeout.
func IsTimeoutOrEOF(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// CloseConnAndHandleError closes the connection and logs an error if it fails.
// Closing an already closed connection is not an error.
func CloseConnAndHandleError(conn net.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debugf("could not close connection to %v: %v", conn.RemoteAddr(), err)
	}
}

// extractIPAddresses parses a list of IPs, inclusive IP ranges (a-b) and CIDR
// blocks, and returns the sorted, de-duplicated set of addresses they cover.
func extractIPAddresses(entries []string) ([]net.IP, error) {
	seen := make(map[string]net.IP)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		switch {
		case strings.Contains(entry, "/"):
			_, ipnet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR block %s: %w", entry, err)
			}
			for ip := ipnet.IP.Mask(ipnet.Mask); ipnet.Contains(ip); incrementIP(ip) {
				seen[ip.String()] = duplicateIP(ip.To16())
			}
		case strings.Contains(entry, "-"):
			parts := strings.SplitN(entry, "-", 2)
			start := net.ParseIP(strings.TrimSpace(parts[0]))
			end := net.ParseIP(strings.TrimSpace(parts[1]))
			if start == nil || end == nil {
				return nil, fmt.Errorf("invalid IP range %s", entry)
			}
			if bytes.Compare(start.To16(), end.To16()) > 0 {
				return nil, fmt.Errorf("invalid IP range %s: start is after end", entry)
			}
			for ip := duplicateIP(start.To16()); bytes.Compare(ip, end.To16()) <= 0; incrementIP(ip) {
				seen[ip.String()] = duplicateIP(ip)
			}
		default:
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid IP address %s", entry)
			}
			seen[ip.String()] = ip.To16()
		}
	}
	ret := make([]net.IP, 0, len(seen))
	for _, ip := range seen {
		ret = append(ret, ip)
	}
	sort.Slice(ret, func(i, j int) bool {
		return bytes.Compare(ret[i].To16(), ret[j].To16()) < 0
	})
	return ret, nil
}

// extractCIDRRanges parses IPs, CIDR blocks and inclusive IP ranges into
// CIDR blocks. Single IPs become host-length blocks; ranges become the
// host-length blocks of every address they cover.
func extractCIDRRanges(entries []string) ([]net.IPNet, error) {
	var ret []net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipnet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR block %s: %w", entry, err)
			}
			ret = append(ret, *ipnet)
			continue
		}
		ips, err := extractIPAddresses([]string{entry})
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			ret = append(ret, hostNet(ip))
		}
	}
	return ret, nil
}

func hostNet(ip net.IP) net.IPNet {
	if v4 := ip.To4(); v4 != nil {
		return net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
	}
	return net.IPNet{IP: ip.To16(), Mask: net.CIDRMask(128, 128)}
}

// extractPorts parses a comma-separated list of ports and inclusive port
// ranges, e.g. "1200-1300,2000".
func extractPorts(portString string) ([]uint16, error) {
	seen := make(map[uint16]bool)
	var ret []uint16
	add := func(p uint16) {
		if !seen[p] {
			seen[p] = true
			ret = append(ret, p)
		}
	}
	for _, entry := range strings.Split(portString, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if start, end, ok := strings.Cut(entry, "-"); ok {
			lo, err := parsePort(start)
			if err != nil {
				return nil, err
			}
			hi, err := parsePort(end)
			if err != nil {
				return nil, err
			}
			if lo > hi {
				return nil, fmt.Errorf("invalid port range %s", entry)
			}
			for p := int(lo); p <= int(hi); p++ {
				add(uint16(p))
			}
			continue
		}
		p, err := parsePort(entry)
		if err != nil {
			return nil, err
		}
		add(p)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret, nil
}

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	return uint16(p), nil
}

func duplicateIP(ip net.IP) net.IP {
	dup := make(net.IP, len(ip))
	copy(dup, ip)
	return dup
}

// incrementIP increments ip in place, wrapping to zero on overflow.
func incrementIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}
