package zmsmq

import (
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	flags "github.com/zmap/zflags"
)

var (
	parser *flags.Parser // parser for the main zmsmq command
	// iniParser only parses ini files for the multiple command. The ini parser needs an 'Application Options' group,
	// which cannot coexist with the option groups of the main parser without shadowing them.
	iniParser *flags.Parser
)

func init() {
	parser = flags.NewParser(nil, flags.Default)
	desc := []string{
		"zmsmq checks Microsoft Message Queuing (MSMQ) services for the QueueJumper remote code execution " +
			"vulnerability (CVE-2023-21554). For every target it sends a well-formed MSMQ message and, if the " +
			"service answers, a second message whose SRMP envelope length overflows on unpatched hosts without " +
			"crashing them. By default, zmsmq will accept input from stdin and output results to stdout, with " +
			"logs to stderr. Please see 'zmsmq <command> --help' for more details on a specific command.",
		"Input is taken from stdin or --input-file, if specified. Input is CSV-formatted with 'IP, Domain, Tag, Port' " +
			"or simply 'IP' or 'Domain'.",
		"",
		"Example usages:",
		"echo '10.0.0.5' | zmsmq msmq                 # Probe 10.0.0.5 on port 1801",
		"zmsmq msmq -f hosts.csv --findings-file v.yml # Record vulnerable hosts as YAML",
	}
	parser.LongDescription = strings.Join(desc, "\n")
	_, err := parser.AddCommand("multiple", "Run multiple commands in a single run", "", &config.Multiple)
	if err != nil {
		log.Fatalf("could not add multiple command: %v", err)
	}
	_, err = parser.AddGroup("General Options", "General options for controlling the behavior of zmsmq", &config.GeneralOptions)
	if err != nil {
		log.Fatalf("could not add general options group: %v", err)
	}
	_, err = parser.AddGroup("Input/Output Options", "Options for controlling the input/output behavior of zmsmq", &config.InputOutputOptions)
	if err != nil {
		log.Fatalf("could not add I/O options group: %v", err)
	}
	_, err = parser.AddGroup("Network Options", "Options for controlling the network behavior of zmsmq", &config.NetworkingOptions)
	if err != nil {
		log.Fatalf("could not add networking options group: %v", err)
	}
	iniParser = flags.NewParser(nil, flags.Default)
}

// NewIniParser creates and returns a ini parser initialized
// with the default parser
func NewIniParser() *flags.IniParser {
	group, err := iniParser.AddGroup("Application Options", "Hidden group including all global options for ini files", &config)
	if err != nil {
		log.Fatalf("could not add Application Options group: %v", err)
	}
	group.Hidden = true

	return flags.NewIniParser(iniParser)
}

// AddCommand adds a module to the parser and returns a pointer to
// a flags.command object or an error
func AddCommand(command string, shortDescription string, longDescription string, port int, m ScanModule) (*flags.Command, error) {
	cmd, err := addCommandWithDefaults(parser, command, shortDescription, longDescription, port, m)
	if err != nil {
		return nil, fmt.Errorf("could not add command to default parser: %w", err)
	}
	// The ini parser needs the same command so that multiple can configure it
	if _, err = addCommandWithDefaults(iniParser, command, shortDescription, longDescription, port, m); err != nil {
		return nil, fmt.Errorf("could not add command to ini parser: %w", err)
	}
	modules[command] = m
	return cmd, nil
}

func addCommandWithDefaults(p *flags.Parser, command, shortDescription, longDescription string, port int, m ScanModule) (*flags.Command, error) {
	cmd, err := p.AddCommand(command, shortDescription, longDescription, m)
	if err != nil {
		return nil, err
	}
	cmd.FindOptionByLongName("port").Default = []string{strconv.Itoa(port)}
	cmd.FindOptionByLongName("name").Default = []string{command}
	return cmd, nil
}

// ParseCommandLine parses the commands given on the command line
// and validates the framework configuration (global options)
// immediately after parsing
func ParseCommandLine(flags []string) ([]string, string, ScanFlags, error) {
	posArgs, moduleType, f, err := parser.ParseCommandLine(flags)
	if err == nil {
		validateFrameworkConfiguration()
	}
	sf, _ := f.(ScanFlags)
	return posArgs, moduleType, sf, err
}
