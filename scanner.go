package zmsmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

var scanners map[string]*Scanner
var orderedScanners []string

func init() {
	scanners = make(map[string]*Scanner)
}

// ScannerConfig is implemented by scanners that expose the BaseFlags they
// were initialized with, so the framework can apply the default port and the
// per-target timeout.
type ScannerConfig interface {
	GetBaseFlags() *BaseFlags
}

// RegisterScan registers each individual scanner to be ran by the framework
func RegisterScan(name string, s Scanner) {
	//add to list and map
	if scanners[name] != nil {
		log.Fatalf("name: %s already used", name)
	}
	orderedScanners = append(orderedScanners, name)
	scanners[name] = &s
}

// ResetScanners removes every registered scanner.
func ResetScanners() {
	scanners = make(map[string]*Scanner)
	orderedScanners = nil
}

// CloseScanners closes every registered scanner that holds resources, such as
// open findings sinks, and returns the joined errors.
func CloseScanners() error {
	var errs []error
	for _, name := range orderedScanners {
		if c, ok := (*scanners[name]).(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("could not close scanner %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// RunScanner runs a single scan on a target and returns the resulting data
func RunScanner(ctx context.Context, s Scanner, mon *Monitor, target ScanTarget) (string, ScanResponse) {
	t := time.Now()
	if cfg, ok := s.(ScannerConfig); ok {
		base := cfg.GetBaseFlags()
		// if target's port isn't set, use default. Won't affect the caller's ScanTarget since it's passed by value
		if target.Port == nil {
			port := base.Port
			target.Port = &port
		}
		if base.TargetTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, base.TargetTimeout)
			defer cancel()
		}
	}
	status, res, e := s.Scan(ctx, &target)
	var err *string
	if e != nil {
		if deadline, ok := ctx.Deadline(); ok && deadline.Before(time.Now()) {
			// scan timed out
			e = fmt.Errorf("ctx deadline exceeded: %w", e)
		}
		errString := e.Error()
		err = &errString
	}
	if mon != nil {
		mon.statusesChan <- moduleStatus{name: s.GetName(), st: status}
	}
	resp := ScanResponse{Result: res, Protocol: s.Protocol(), Error: err, Timestamp: t.Format(time.RFC3339), Status: status}
	return s.GetName(), resp
}
