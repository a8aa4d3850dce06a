package zmsmq

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCSVTarget(t *testing.T) {
	parseCIDR := func(s string) *net.IPNet {
		_, ipnet, err := net.ParseCIDR(s)
		require.NoError(t, err)
		return ipnet
	}
	parseIP := func(s string) *net.IPNet {
		ip := net.ParseIP(s)
		require.NotNil(t, ip)
		return &net.IPNet{IP: ip}
	}
	ipnetString := func(ipnet *net.IPNet) string {
		if ipnet == nil {
			return "<nil>"
		} else if ipnet.Mask != nil {
			return ipnet.String()
		}
		return ipnet.IP.String()
	}

	tests := []struct {
		fields  []string
		ipnet   *net.IPNet
		domain  string
		tag     string
		port    string
		success bool
	}{
		{fields: []string{"10.0.0.1", "example.com", "tag", "1801"}, ipnet: parseIP("10.0.0.1"), domain: "example.com", tag: "tag", port: "1801", success: true},
		{fields: []string{"10.0.0.1", "example.com", "tag"}, ipnet: parseIP("10.0.0.1"), domain: "example.com", tag: "tag", success: true},
		{fields: []string{"10.0.0.1"}, ipnet: parseIP("10.0.0.1"), success: true},
		{fields: []string{" 10.0.0.0/24 ", " example.com "}, ipnet: parseCIDR("10.0.0.0/24"), domain: "example.com", success: true},
		{fields: []string{"example.com"}, domain: "example.com", success: true},
		{fields: []string{"", "example.com", "", "1802"}, domain: "example.com", port: "1802", success: true},
		{fields: []string{"not-an-ip", "example.com"}, success: false},
		{fields: []string{""}, success: false},
		{fields: []string{"10.0.0.1", "", "", "", "extra"}, success: false},
	}
	for _, test := range tests {
		t.Run(strings.Join(test.fields, ","), func(t *testing.T) {
			ipnet, domain, tag, port, err := ParseCSVTarget(test.fields)
			if !test.success {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, ipnetString(test.ipnet), ipnetString(ipnet))
			require.Equal(t, test.domain, domain)
			require.Equal(t, test.tag, tag)
			require.Equal(t, test.port, port)
		})
	}
}

func TestGetTargetsCSV(t *testing.T) {
	input := `# comment
10.0.0.1
10.0.0.2,example.com,msmq,1802
192.168.0.0/31,,,
bad-ip,domain.com
example.org
10.0.0.3,,,notaport
`
	ch := make(chan ScanTarget, 16)
	require.NoError(t, GetTargetsCSV(strings.NewReader(input), ch))
	close(ch)

	var got []string
	for target := range ch {
		got = append(got, target.String())
	}
	require.Equal(t, []string{
		"10.0.0.1",
		"example.com(10.0.0.2):1802 tag:msmq",
		"192.168.0.0",
		"192.168.0.1",
		"example.org",
	}, got)
}
