// Package cli parses command-line arguments into an app.Config.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/specialistvlad/chainmesh/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("chainmesh", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
chainmesh - a federated pipeline supervisor.

Usage:
  chainmesh [options] [CONFIG_PATH]

Arguments:
  CONFIG_PATH
    Path to the connector's .hcl configuration file.

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to the connector configuration file.")
	cFlag := flagSet.String("c", "", "Path to the connector configuration file (shorthand).")
	portFlag := flagSet.Int("port", 0, "Listen port, overrides the config file.")
	uidFlag := flagSet.String("uid", "", "Connector uid, overrides the config file.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	startFlag := flagSet.Bool("start", false, "Initiate the configured chain on boot.")
	feedFlag := flagSet.String("feed", "", "JSON payload fed to the chain's first local node after --start.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := ""
	if *configFlag != "" {
		path = *configFlag
	} else if *cFlag != "" {
		path = *cFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}

	if path == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("invalid log format %q", *logFormatFlag)}
	}

	return &app.Config{
		ConfigPath: path,
		Port:       *portFlag,
		UID:        *uidFlag,
		LogFormat:  logFormat,
		LogLevel:   strings.ToLower(*logLevelFlag),
		Start:      *startFlag,
		Feed:       *feedFlag,
	}, false, nil
}
