package zmsmq

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"runtime"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/yl2chen/cidranger"

	"github.com/zmap/zmsmq/ratelimit"
)

type GeneralOptions struct {
	Senders          int    `short:"s" long:"senders" default:"1000" description:"Number of send goroutines to use"`
	GOMAXPROCS       int    `long:"gomaxprocs" default:"0" description:"Set GOMAXPROCS"`
	Prometheus       string `long:"prometheus" description:"Address to use for Prometheus server (e.g. localhost:8080). If empty, Prometheus is disabled."`
	ReadLimitPerHost int    `long:"read-limit-per-host" default:"96" description:"Maximum total kilobytes to read for a single host (default 96kb)"`
}

type InputOutputOptions struct {
	BlocklistFileName string `short:"b" long:"blocklist-file" default:"" description:"Blocklist filename of IPs, IP ranges and CIDR blocks that are never dialed"`
	InputFileName     string `short:"f" long:"input-file" default:"-" description:"Input filename, use - for stdin"`
	LogFileName       string `short:"l" long:"log-file" default:"-" description:"Log filename, use - for stderr"`
	MetaFileName      string `short:"m" long:"metadata-file" default:"-" description:"Metadata filename, use - for stderr."`
	OutputFileName    string `short:"o" long:"output-file" default:"-" description:"Output filename, use - for stdout"`
	Debug             bool   `long:"debug" description:"Include debug fields in the output and log at debug level."`
	Flush             bool   `long:"flush" description:"Flush after each line of output."`
}

type NetworkingOptions struct {
	ConnectionsPerHost int    `long:"connections-per-host" default:"1" description:"Number of times to connect to each host (results in more output)"`
	LocalAddrString    string `long:"local-addr" description:"Local address(es) to bind to for outgoing connections. Comma-separated list of IP addresses, ranges (inclusive), or CIDR blocks, ex: 1.1.1.1-1.1.1.3, 2.2.2.2, 3.3.3.0/24"`
	LocalPortString    string `long:"local-port" description:"Local port(s) to bind to for outgoing connections. Comma-separated list of ports or port ranges (inclusive) ex: 1200-1300,2000"`
	ServerRateLimit    int    `long:"server-rate-limit" default:"20" description:"Per-IP rate limit for connections to targets per second."`
}

// Config is the high level framework options that will be parsed
// from the command line
type Config struct {
	GeneralOptions                     // CLI Options related to general framework configuration. Don't fit into any other category
	InputOutputOptions                 // CLI Options related to I/O. Just affects organization of --help
	NetworkingOptions                  // CLI Options related to networking. Just affects organization of --help
	Multiple           MultipleCommand `command:"multiple" description:"Multiple module actions"`
	inputFile          *os.File
	outputFile         *os.File
	metaFile           *os.File
	logFile            *os.File
	inputTargets       InputTargetsFunc
	outputResults      OutputResultsFunc
	localAddrs         []net.IP // will be non-empty if user specified local addresses
	localPorts         []uint16 // will be non-empty if user specified local ports
}

// SetInputFunc sets the target input function to the provided function.
func SetInputFunc(f InputTargetsFunc) {
	config.inputTargets = f
}

// SetOutputFunc sets the result output function to the provided function.
func SetOutputFunc(f OutputResultsFunc) {
	config.outputResults = f
}

func init() {
	config.Multiple.ContinueOnError = true
	config.ServerRateLimit = 20
}

var config Config
var blocklist cidranger.Ranger = cidranger.NewPCTrieRanger()
var ipRateLimiter = ratelimit.NewPerObjectRateLimiter[netip.Addr](ratelimit.DefaultMaxKeys, ratelimit.DefaultKeyTTL)

func validateFrameworkConfiguration() {
	if config.Debug {
		log.SetLevel(log.DebugLevel)
	}
	// validate files
	if config.LogFileName == "-" {
		config.logFile = os.Stderr
	} else {
		var err error
		if config.logFile, err = os.Create(config.LogFileName); err != nil {
			log.Fatal(err)
		}
		log.SetOutput(config.logFile)
	}
	SetInputFunc(InputTargetsCSV)

	if config.InputFileName == "-" {
		config.inputFile = os.Stdin
	} else {
		var err error
		if config.inputFile, err = os.Open(config.InputFileName); err != nil {
			log.Fatal(err)
		}
	}

	if config.OutputFileName == "-" {
		config.outputFile = os.Stdout
	} else {
		var err error
		if config.outputFile, err = os.Create(config.OutputFileName); err != nil {
			log.Fatal(err)
		}
	}
	SetOutputFunc(OutputResultsWriterFunc(config.outputFile))

	if config.MetaFileName == "-" {
		config.metaFile = os.Stderr
	} else if len(config.MetaFileName) > 0 {
		var err error
		if config.metaFile, err = os.Create(config.MetaFileName); err != nil {
			log.Fatal(fmt.Errorf("error creating meta file: %w", err))
		}
	}

	// Validate Go Runtime config
	if config.GOMAXPROCS < 0 {
		log.Fatalf("invalid GOMAXPROCS (must be positive, given %d)", config.GOMAXPROCS)
	}
	runtime.GOMAXPROCS(config.GOMAXPROCS)

	//validate/start prometheus
	if config.Prometheus != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(config.Prometheus, nil); err != nil {
				log.Fatalf("could not run prometheus server: %s", err.Error())
			}
		}()
	}

	//validate senders
	if config.Senders <= 0 {
		log.Fatalf("need at least one sender, given %d", config.Senders)
	}

	// validate connections per host
	if config.ConnectionsPerHost <= 0 {
		log.Fatalf("need at least one connection, given %d", config.ConnectionsPerHost)
	}
	if config.ConnectionsPerHost > 50 {
		log.Fatalf("connectionsPerHost must be in the range [0,50]")
	}

	if config.ReadLimitPerHost > 0 {
		DefaultBytesReadLimit = config.ReadLimitPerHost * 1024
	}

	if config.LocalAddrString != "" {
		ips, err := extractIPAddresses(strings.Split(config.LocalAddrString, ","))
		if err != nil {
			log.Fatalf("could not extract IP addresses from address string %s: %s", config.LocalAddrString, err)
		}
		config.localAddrs = ips
	}

	if config.LocalPortString != "" {
		ports, err := extractPorts(config.LocalPortString)
		if err != nil {
			log.Fatalf("could not extract ports from port string %s: %s", config.LocalPortString, err)
		}
		config.localPorts = ports
	}

	if len(config.BlocklistFileName) > 0 {
		var err error
		blocklist, err = readBlocklist(config.BlocklistFileName)
		if err != nil {
			log.Fatalf("could not read blocklist file %s: %s", config.BlocklistFileName, err)
		}
	}
}

// GetMetaFile returns the file to which metadata should be output
func GetMetaFile() *os.File {
	return config.metaFile
}

func includeDebugOutput() bool {
	return config.Debug
}
