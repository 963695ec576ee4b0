// Package cli parses the vesper command line.
package cli

import (
	"errors"
	"fmt"
	"strings"
)

type Command string

const (
	CommandRun      Command = "run"
	CommandStatus   Command = "status"
	CommandListen   Command = "listen"
	CommandStop     Command = "stop"
	CommandCancel   Command = "cancel"
	CommandMode     Command = "mode"
	CommandConnect  Command = "connect"
	CommandActivate Command = "activate"
	CommandIdentity Command = "identity"
	CommandReset    Command = "reset"
	CommandDevices  Command = "devices"
	CommandDoctor   Command = "doctor"
	CommandVersion  Command = "version"
	CommandHelp     Command = "help"
)

// argCount is the number of positional arguments each command takes.
var argCount = map[Command]int{
	CommandRun:      0,
	CommandStatus:   0,
	CommandListen:   0,
	CommandStop:     0,
	CommandCancel:   0,
	CommandMode:     1,
	CommandConnect:  0,
	CommandActivate: 0,
	CommandIdentity: 0,
	CommandReset:    0,
	CommandDevices:  0,
	CommandDoctor:   0,
	CommandVersion:  0,
	CommandHelp:     0,
}

type Parsed struct {
	Command    Command
	Arg        string
	ConfigPath string
	ShowHelp   bool
}

func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
		case "--version":
			parsed.ShowHelp = false
			parsed.Command = CommandVersion
		case "--config":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--config requires a path")
			}
			parsed.ConfigPath = args[i]
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}

			cmd := Command(arg)
			want, ok := argCount[cmd]
			if !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}

			rest := args[i+1:]
			if len(rest) > want {
				return Parsed{}, fmt.Errorf("unexpected arguments after command %q", arg)
			}
			if len(rest) < want {
				return Parsed{}, fmt.Errorf("command %q requires an argument", arg)
			}

			parsed.Command = cmd
			parsed.ShowHelp = cmd == CommandHelp
			if want == 1 {
				parsed.Arg = rest[0]
			}
			return parsed, nil
		}
	}

	return parsed, nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [--config PATH] <command>

Commands:
  run         Start the daemon: activate if needed, connect, and listen
  status      Print device, session, and activation state
  listen      Start recording now (manual trigger)
  stop        Finish the current recording and send it
  cancel      Discard the current recording
  mode MODE   Set listening mode: manual, auto_stop, or realtime
  connect     Reconnect the session after the server gave up
  activate    Activate this device in the foreground
  identity    Print serial number, device id, and credential state
  reset       Erase identity and credentials (daemon must be stopped)
  devices     List available input devices
  doctor      Run configuration and environment checks
  version     Print version information
  help        Show this help

Flags:
  --config PATH   Config file path (default: $XDG_CONFIG_HOME/vesper/config.jsonc)
  -h, --help      Show help
  --version       Show version
`, binaryName)
}
