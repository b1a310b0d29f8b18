// Package cli parses command-line arguments, resolves the run
// configuration (flags over environment over profile over defaults), and
// owns process-level concerns: usage text and stable exit codes.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/oqs-tools/pqsetup/internal/config"
	"github.com/oqs-tools/pqsetup/internal/profile"
)

// Version is stamped by the build; "dev" for local builds.
var Version = "dev"

// ExitError is an error carrying a specific process exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns the resolved
// configuration and profile, a boolean indicating the program should exit
// cleanly (help/version), or an ExitError for usage problems.
func Parse(args []string, output io.Writer) (*config.Config, *profile.Profile, bool, error) {
	flagSet := flag.NewFlagSet("pqsetup", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
pqsetup - installs a quantum-safe SSH fork (liboqs + OQS-OpenSSH) from source.

Usage:
  pqsetup [options]

Every option can also be set via a PQSETUP_* environment variable
(e.g. PQSETUP_PREFIX); command-line flags take precedence.

Options:
`)
		flagSet.PrintDefaults()
		fmt.Fprint(output, `
Exit codes:
  0  success
  1  generic failure
  2  usage error
  3  host validation failed
  4  source fetch failed
  5  build failed
  6  configuration render/validation failed
  7  key generation failed
  8  service failed to start
`)
	}

	flagSet.String("prefix", "/opt/pq-ssh", "Install prefix for binaries, libraries, and config.")
	flagSet.Int("port", 2222, "Daemon listen port (1-65535).")
	flagSet.Int("jobs", 0, "Parallel compile jobs. 0 means the CPU count.")
	flagSet.Bool("dry-run", false, "Print the step plan without executing.")
	flagSet.Bool("skip-tests", false, "Skip the upstream test suite after building.")
	flagSet.Bool("force", false, "Re-fetch sources and regenerate existing keys.")
	flagSet.Bool("no-service", false, "Do not register or start a systemd unit.")
	flagSet.Bool("rollback", false, "Remove the installed prefix and unit (requires --force).")
	flagSet.Bool("client", false, "Client mode: build tools, client key, and host-alias config only.")
	flagSet.String("liboqs-version", "", "liboqs git tag or branch to build.")
	flagSet.String("ssh-version", "", "OQS-OpenSSH git tag or branch to build.")
	flagSet.Int("timeout", 0, "Wall-clock timeout in seconds for compile and hook commands.")
	flagSet.Int("retries", 0, "Attempts per source for network fetches.")
	flagSet.Int("retry-delay", 0, "Base delay in seconds between fetch attempts.")
	flagSet.String("log-file", "", "Append-only installation log path.")
	flagSet.String("log-format", "text", "Log output format: 'text' or 'json'.")
	flagSet.String("log-level", "info", "Log level: debug, info, warn, or error.")
	flagSet.String("profile", "", "Optional HCL installation profile.")
	flagSet.Bool("trace", false, "Emit OpenTelemetry spans for each step to stdout.")
	flagSet.Int("status-port", 0, "Port for the HTTP status endpoint. 0 is disabled.")
	versionFlag := flagSet.Bool("version", false, "Print the version and exit.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, nil, true, nil
		}
		return nil, nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	if *versionFlag {
		fmt.Fprintf(output, "pqsetup %s\n", Version)
		return nil, nil, true, nil
	}

	if flagSet.NArg() > 0 {
		return nil, nil, false, &ExitError{
			Code:    2,
			Message: fmt.Sprintf("unexpected argument %q", flagSet.Arg(0)),
		}
	}

	// Only flags the user actually set become overrides, so environment
	// variables keep their place in the precedence order.
	overrides := map[string]any{}
	flagSet.Visit(func(f *flag.Flag) {
		if f.Name == "version" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		overrides[key] = f.Value.(flag.Getter).Get()
	})

	cfg, err := config.Load(overrides, nil)
	if err != nil {
		return nil, nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	prof := &profile.Profile{}
	if cfg.Profile != "" {
		prof, err = profile.Load(cfg.Profile, profileVars(cfg))
		if err != nil {
			return nil, nil, false, &ExitError{Code: 2, Message: err.Error()}
		}
		// Re-resolve with the profile's settings as the new defaults;
		// flags and environment still win.
		cfg, err = config.Load(overrides, prof.Settings)
		if err != nil {
			return nil, nil, false, &ExitError{Code: 2, Message: err.Error()}
		}
	}

	return cfg, prof, false, nil
}

// profileVars exposes resolved settings to expressions in the profile.
func profileVars(cfg *config.Config) map[string]cty.Value {
	return map[string]cty.Value{
		"prefix":         cty.StringVal(cfg.Prefix),
		"port":           cty.NumberIntVal(int64(cfg.Port)),
		"jobs":           cty.NumberIntVal(int64(cfg.Jobs)),
		"liboqs_version": cty.StringVal(cfg.LiboqsVersion),
		"ssh_version":    cty.StringVal(cfg.SSHVersion),
	}
}
