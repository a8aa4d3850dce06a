package zmsmq

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var scanStatusTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "zmsmq",
		Name:      "scan_status_total",
		Help:      "Number of completed scans, by scanner name and scan status.",
	},
	[]string{"scanner", "status"},
)

func init() {
	prometheus.MustRegister(scanStatusTotal)
}

// Monitor is a collection of states per scans and a channel to communicate
// those scans to the monitor
type Monitor struct {
	states       map[string]*State
	statusesChan chan moduleStatus
	// Callback is invoked after each scan.
	Callback func(string)
}

// State contains the respective number of successes and failures
// for a given scan
type State struct {
	Successes uint                `json:"successes"`
	Failures  uint                `json:"failures"`
	Statuses  map[ScanStatus]uint `json:"statuses,omitempty"`
}

type moduleStatus struct {
	name string
	st   ScanStatus
}

// GetStatuses returns a mapping from scanner names to the summary of their
// scans. Only call it once the monitor has been stopped.
func (m *Monitor) GetStatuses() map[string]*State {
	return m.states
}

// Stop indicates the monitor is done and the internal channel should be closed.
// This function does not block, but will allow a call to Wait() on the
// WaitGroup passed to MakeMonitor to return.
func (m *Monitor) Stop() {
	close(m.statusesChan)
}

// MakeMonitor returns a Monitor object that can be used to collect and send
// the status of a running scan
func MakeMonitor(statusChanSize int, wg *sync.WaitGroup) *Monitor {
	m := new(Monitor)
	m.statusesChan = make(chan moduleStatus, statusChanSize)
	m.states = make(map[string]*State, 10)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for s := range m.statusesChan {
			if m.states[s.name] == nil {
				m.states[s.name] = &State{Statuses: make(map[ScanStatus]uint)}
			}
			if m.Callback != nil {
				m.Callback(s.name)
			}
			state := m.states[s.name]
			if s.st == SCAN_SUCCESS {
				state.Successes++
			} else {
				state.Failures++
			}
			state.Statuses[s.st]++
			scanStatusTotal.WithLabelValues(s.name, string(s.st)).Inc()
		}
	}()
	return m
}
