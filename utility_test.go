package zmsmq

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExtractIPAddresses(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []net.IP
		wantErr  bool
	}{
		{"Single IP", "1.2.3.4", []net.IP{net.ParseIP("1.2.3.4")}, false},
		{"Single IP with spaces", "1.2.3.4, 1.2.3.7, 1.2.3.9", []net.IP{
			net.ParseIP("1.2.3.4"),
			net.ParseIP("1.2.3.7"),
			net.ParseIP("1.2.3.9")}, false},
		{"Duplicate IPs", "1.2.3.4,1.2.3.4", []net.IP{net.ParseIP("1.2.3.4")}, false},
		{"IP Range with spaces", "1.2.3.4 - 1.2.3.6", []net.IP{
			net.ParseIP("1.2.3.4"), net.ParseIP("1.2.3.5"), net.ParseIP("1.2.3.6"),
		}, false},
		{"Overlapping Range", "1.2.3.4-1.2.3.6,1.2.3.5-1.2.3.7", []net.IP{
			net.ParseIP("1.2.3.4"), net.ParseIP("1.2.3.5"), net.ParseIP("1.2.3.6"), net.ParseIP("1.2.3.7"),
		}, false},
		{"Mixed formats", "10.0.0.1, 10.0.0.2 -10.0.0.3 , 10.0.0.0/30", []net.IP{
			net.ParseIP("10.0.0.0"),
			net.ParseIP("10.0.0.1"),
			net.ParseIP("10.0.0.2"),
			net.ParseIP("10.0.0.3"),
		}, false},
		{"IPv6 range", "2001:db8::1-2001:db8::2", []net.IP{
			net.ParseIP("2001:db8::1"), net.ParseIP("2001:db8::2"),
		}, false},
		{"Reversed range", "1.2.3.6-1.2.3.4", nil, true},
		{"Invalid IP", "1.2.3", nil, true},
		{"Invalid CIDR", "1.2.3.0/33", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractIPAddresses(strings.Split(tt.input, ","))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestExtractPorts(t *testing.T) {
	tests := []struct {
		input    string
		expected []uint16
		wantErr  bool
	}{
		{"80", []uint16{80}, false},
		{"1801, 80,80", []uint16{80, 1801}, false},
		{"1200-1203,2000", []uint16{1200, 1201, 1202, 1203, 2000}, false},
		{"1203-1200", nil, true},
		{"65536", nil, true},
		{"abc", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := extractPorts(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestExtractCIDRRanges(t *testing.T) {
	got, err := extractCIDRRanges([]string{"10.0.0.0/8", "192.168.0.1", "172.16.0.1-172.16.0.2", "::1"})
	require.NoError(t, err)
	var strs []string
	for _, n := range got {
		strs = append(strs, n.String())
	}
	require.Equal(t, []string{"10.0.0.0/8", "192.168.0.1/32", "172.16.0.1/32", "172.16.0.2/32", "::1/128"}, strs)
}

func TestReadAvailableWithOptions(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	go func() {
		defer server.Close()
		_, _ = server.Write([]byte("LIOR"))
		_, _ = server.Write([]byte(" tail"))
	}()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	data, err := ReadAvailableWithOptions(client, 16, 100*time.Millisecond, time.Second, 1024)
	require.NoError(t, err)
	require.Equal(t, "LIOR tail", string(data))
}

func TestReadAvailableWithOptionsMaxSize(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	go func() {
		defer server.Close()
		_, _ = server.Write([]byte("0123456789"))
	}()
	data, err := ReadAvailableWithOptions(client, 4, 100*time.Millisecond, 0, 6)
	require.NoError(t, err)
	require.Equal(t, "012345", string(data))
}

func TestReadAvailableWithOptionsNoData(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	data, err := ReadAvailableWithOptions(client, 16, 10*time.Millisecond, 0, 1024)
	require.Empty(t, data)
	require.True(t, IsTimeoutOrEOF(err))
}

func TestCloseConnAndHandleError(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	CloseConnAndHandleError(nil)
	CloseConnAndHandleError(client)
	// closing twice is harmless
	CloseConnAndHandleError(client)
	_, err := client.Write([]byte("x"))
	require.ErrorIs(t, err, io.ErrClosedPipe)
}
