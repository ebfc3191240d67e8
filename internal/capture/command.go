package capture

import (
	"strconv"
	"strings"
)

// Command is the invocation of the external capture process: program name
// plus the ordered argument list.
type Command struct {
	Program string
	Args    []string
}

// String renders the full command line for logs and error messages.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Program
	}
	return c.Program + " " + strings.Join(c.Args, " ")
}

// BuildCommand maps a resolved option set to the launch command. Pure and
// total: every camera-default placeholder has a fixed sentinel rendering
// (timeout 0, framerate -1, dimensions/bitrate 0, audio 0/1) and output is
// always directed to stdout.
func BuildCommand(opts Options) Command {
	program := opts.BinaryPath
	if program == "" {
		program = DefaultBinary
	}

	audio := "0"
	if opts.AudioEnabled {
		audio = "1"
	}

	return Command{
		Program: program,
		Args: []string{
			"--timeout", strconv.FormatInt(opts.Timeout.Milliseconds(), 10),
			"--framerate", opts.Framerate.String(),
			"--width", strconv.Itoa(opts.Width),
			"--height", strconv.Itoa(opts.Height),
			"--bitrate", strconv.Itoa(opts.Bitrate),
			"--audio", audio,
			"--output", "-",
		},
	}
}
