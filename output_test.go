package zmsmq

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOutputResultsWriterFunc(t *testing.T) {
	var buf bytes.Buffer
	results := make(chan []byte, 3)
	results <- []byte(`{"ip":"10.0.0.1"}`)
	results <- []byte(`{"ip":"10.0.0.2"}`)
	close(results)
	require.NoError(t, OutputResultsWriterFunc(&buf)(results))
	require.Equal(t, "{\"ip\":\"10.0.0.1\"}\n{\"ip\":\"10.0.0.2\"}\n", buf.String())
}

func TestOutputResultsFlush(t *testing.T) {
	defer func(flush bool) { config.Flush = flush }(config.Flush)
	config.Flush = true

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	results := make(chan []byte, 1)
	results <- []byte("line")
	close(results)
	// nothing is left buffered when every line is flushed
	require.NoError(t, OutputResults(w, results))
	require.Equal(t, 0, w.Buffered())
	require.Equal(t, "line\n", buf.String())
}

func TestMultipleCommandValidate(t *testing.T) {
	defer func(name string) { config.InputFileName = name }(config.InputFileName)
	config.InputFileName = "-"
	require.Error(t, (&MultipleCommand{ConfigFileName: "-"}).Validate(nil))
	require.NoError(t, (&MultipleCommand{ConfigFileName: "scans.ini"}).Validate(nil))
}
