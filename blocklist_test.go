package zmsmq

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadBlocklist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.conf")
	contents := "# RFC1918\n10.0.0.0/8 # private\n\n192.168.1.5\n172.16.0.1-172.16.0.3\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	ranger, err := readBlocklist(path)
	require.NoError(t, err)

	tests := map[string]bool{
		"10.1.2.3":    true,
		"192.168.1.5": true,
		"192.168.1.6": false,
		"172.16.0.2":  true,
		"172.16.0.4":  false,
		"8.8.8.8":     false,
	}
	for ip, expected := range tests {
		contains, err := ranger.Contains(net.ParseIP(ip))
		require.NoError(t, err)
		require.Equal(t, expected, contains, ip)
	}
}

func TestReadBlocklistErrors(t *testing.T) {
	_, err := readBlocklist(filepath.Join(t.TempDir(), "missing.conf"))
	require.Error(t, err)

	_, err = parseBlocklist("not-an-ip\n")
	require.Error(t, err)
}
