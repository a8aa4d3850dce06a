package bin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	flags "github.com/zmap/zflags"

	"github.com/zmap/zmsmq"
)

// Get the value of the ZMSMQ_MEMPROFILE variable (or the empty string).
// This may include {TIMESTAMP} or {NANOS}, which should be replaced using
// getFormattedFile().
func getMemProfileFile() string {
	return os.Getenv("ZMSMQ_MEMPROFILE")
}

// Get the value of the ZMSMQ_CPUPROFILE variable (or the empty string).
// This may include {TIMESTAMP} or {NANOS}, which should be replaced using
// getFormattedFile().
func getCPUProfileFile() string {
	return os.Getenv("ZMSMQ_CPUPROFILE")
}

// Replace instances in formatString of {TIMESTAMP} with when formatted as
// YYYYMMDDhhmmss, and {NANOS} as the decimal nanosecond offset.
func getFormattedFile(formatString string, when time.Time) string {
	timestamp := when.Format("20060102150405")
	nanos := fmt.Sprintf("%d", when.Nanosecond())
	ret := strings.ReplaceAll(formatString, "{TIMESTAMP}", timestamp)
	ret = strings.ReplaceAll(ret, "{NANOS}", nanos)
	return ret
}

// If memory profiling is enabled (ZMSMQ_MEMPROFILE is not empty), perform a GC
// then write the heap profile to the profile file.
func dumpHeapProfile() {
	if file := getMemProfileFile(); file != "" {
		fullFile := getFormattedFile(file, time.Now())
		f, err := os.Create(fullFile)
		if err != nil {
			log.Fatal("could not create heap profile: ", err)
		}
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write heap profile: ", err)
		}
		f.Close()
	}
}

// If CPU profiling is enabled (ZMSMQ_CPUPROFILE is not empty), start tracking
// CPU profiling in the configured file. Caller is responsible for invoking
// stopCPUProfile() when finished.
func startCPUProfile() {
	if file := getCPUProfileFile(); file != "" {
		fullFile := getFormattedFile(file, time.Now())
		f, err := os.Create(fullFile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
	}
}

// If CPU profiling is enabled (ZMSMQ_CPUPROFILE is not empty), stop profiling
// CPU usage.
func stopCPUProfile() {
	if getCPUProfileFile() != "" {
		pprof.StopCPUProfile()
	}
}

// ZMSMQMain should be called by func main() in a binary. The caller is
// responsible for importing the modules in use, for their side effect of
// registering their commands.
func ZMSMQMain() {
	startCPUProfile()
	defer stopCPUProfile()
	defer dumpHeapProfile()
	_, modType, flag, err := zmsmq.ParseCommandLine(os.Args[1:])

	// Blanked arg is positional arguments
	if err != nil {
		// Outputting help is returned as an error. Exit successfully on help output.
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}

		// Didn't output help. Unknown parsing error.
		log.Fatalf("could not parse flags: %s", err)
	}

	modTypes := []string{modType}
	modFlags := []any{flag}

	if m, ok := flag.(*zmsmq.MultipleCommand); ok {
		iniParser := zmsmq.NewIniParser()
		if m.ConfigFileName == "-" {
			modTypes, modFlags, err = iniParser.Parse(os.Stdin)
		} else {
			modTypes, modFlags, err = iniParser.ParseFile(m.ConfigFileName)
		}
		if err != nil {
			log.Fatalf("could not parse multiple: %s", err)
		}
		if len(modTypes) != len(modFlags) {
			log.Fatalf("error parsing flags")
		}
	}

	for i, modType := range modTypes {
		mod := zmsmq.GetModule(modType)
		if mod == nil {
			log.Fatalf("unknown module %s", modType)
		}
		f, ok := modFlags[i].(zmsmq.ScanFlags)
		if !ok {
			log.Fatalf("invalid flags for module %s", modType)
		}
		if err := f.Validate(nil); err != nil {
			log.Fatalf("invalid flags for module %s: %v", modType, err)
		}
		s := mod.NewScanner()
		if err := s.Init(f); err != nil {
			log.Fatalf("could not initialize %s: %v", modType, err)
		}
		zmsmq.RegisterScan(s.GetName(), s)
	}

	wg := sync.WaitGroup{}
	monitor := zmsmq.MakeMonitor(1, &wg)
	start := time.Now()
	log.Infof("started scan at %s", start.Format(time.RFC3339))
	zmsmq.Process(monitor)
	end := time.Now()
	log.Infof("finished scan at %s", end.Format(time.RFC3339))
	monitor.Stop()
	wg.Wait()
	if err := zmsmq.CloseScanners(); err != nil {
		log.Errorf("error closing scanners: %v", err)
	}
	s := Summary{
		StatusesPerModule: monitor.GetStatuses(),
		StartTime:         start.Format(time.RFC3339),
		EndTime:           end.Format(time.RFC3339),
		Duration:          end.Sub(start).String(),
	}
	enc := json.NewEncoder(zmsmq.GetMetaFile())
	if err := enc.Encode(&s); err != nil {
		log.Fatalf("unable to write summary: %s", err.Error())
	}
}
