package msmq

import (
	"time"

	"github.com/zmap/zmsmq/lib/findings"
)

// Vulnerability describes the flaw the probe detects.
type Vulnerability struct {
	CVE            string   `json:"cve"`
	AKA            string   `json:"aka"`
	DisclosureDate string   `json:"disclosure_date"`
	References     []string `json:"references"`
}

// QueueJumper is the MSMQ remote code execution vulnerability fixed in the
// April 2023 Windows updates.
var QueueJumper = Vulnerability{
	CVE:            "CVE-2023-21554",
	AKA:            "QueueJumper",
	DisclosureDate: "2023-04-11",
	References: []string{
		"https://msrc.microsoft.com/update-guide/vulnerability/CVE-2023-21554",
		"https://securityintelligence.com/posts/msmq-queuejumper-rce-vulnerability-technical-analysis/",
	},
}

const (
	findingTitle    = "CVE-2023-21554 QueueJumper"
	findingEvidence = "Missing Microsoft Windows patch"
)

// Finding is reported for a host classified as vulnerable.
type Finding struct {
	Host       string   `json:"host"`
	Port       uint     `json:"port"`
	Protocol   string   `json:"protocol"`
	Title      string   `json:"title"`
	Evidence   string   `json:"evidence"`
	References []string `json:"references"`
}

// NewFinding returns the QueueJumper finding for host:port.
func NewFinding(host string, port uint) *Finding {
	refs := make([]string, 0, len(QueueJumper.References)+1)
	refs = append(refs, QueueJumper.CVE)
	refs = append(refs, QueueJumper.References...)
	return &Finding{
		Host:       host,
		Port:       port,
		Protocol:   "tcp",
		Title:      findingTitle,
		Evidence:   findingEvidence,
		References: refs,
	}
}

// Record converts the finding for storage in a findings sink.
func (f *Finding) Record(module string, at time.Time) *findings.Record {
	return &findings.Record{
		Host:       f.Host,
		Port:       f.Port,
		Protocol:   f.Protocol,
		Module:     module,
		Title:      f.Title,
		Evidence:   f.Evidence,
		References: append([]string(nil), f.References...),
		Timestamp:  at,
	}
}
