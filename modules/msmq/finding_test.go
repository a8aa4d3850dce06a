package msmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewFinding(t *testing.T) {
	f := NewFinding("10.0.0.5", 1801)
	require.Equal(t, &Finding{
		Host:     "10.0.0.5",
		Port:     1801,
		Protocol: "tcp",
		Title:    "CVE-2023-21554 QueueJumper",
		Evidence: "Missing Microsoft Windows patch",
		References: []string{
			"CVE-2023-21554",
			"https://msrc.microsoft.com/update-guide/vulnerability/CVE-2023-21554",
			"https://securityintelligence.com/posts/msmq-queuejumper-rce-vulnerability-technical-analysis/",
		},
	}, f)

	// findings do not share the package references
	f.References[1] = "changed"
	require.Equal(t, "https://msrc.microsoft.com/update-guide/vulnerability/CVE-2023-21554", QueueJumper.References[0])
}

func TestFindingRecord(t *testing.T) {
	at := time.Date(2023, 7, 24, 16, 44, 19, 0, time.UTC)
	f := NewFinding("msmq.example", 2103)
	r := f.Record("msmq-2103", at)
	require.Equal(t, "msmq.example", r.Host)
	require.Equal(t, uint(2103), r.Port)
	require.Equal(t, "tcp", r.Protocol)
	require.Equal(t, "msmq-2103", r.Module)
	require.Equal(t, f.Title, r.Title)
	require.Equal(t, f.Evidence, r.Evidence)
	require.Equal(t, f.References, r.References)
	require.Equal(t, at, r.Timestamp)

	r.References[0] = "changed"
	require.Equal(t, "CVE-2023-21554", f.References[0])
}

func TestQueueJumperMetadata(t *testing.T) {
	require.Equal(t, "CVE-2023-21554", QueueJumper.CVE)
	require.Equal(t, "QueueJumper", QueueJumper.AKA)
	disclosed, err := time.Parse(time.DateOnly, QueueJumper.DisclosureDate)
	require.NoError(t, err)
	require.Equal(t, time.April, disclosed.Month())
}
