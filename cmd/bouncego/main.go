package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

type Options struct {
	Config string `short:"c" long:"config" default:"configs/default.yaml" description:"Path to the YAML config file (must live in a configs/ directory)"`
	Debug  *int   `short:"d" long:"debug" description:"Override defaults.debug_level (0-4)"`

	Run     RunCommand     `command:"run" description:"Run the bounce sequence to completion"`
	Serve   ServeCommand   `command:"serve" alias:"web" description:"Serve the web control panel"`
	TUI     TUICommand     `command:"tui" alias:"dash" description:"Interactive terminal dashboard"`
	GoTo    GoToCommand    `command:"goto" description:"Move to the start or end angle and wait"`
	Capture CaptureCommand `command:"capture" description:"Record the current angle as start or end"`
	Ports   PortsCommand   `command:"ports" description:"List serial ports for Maestro and Feetech actuators"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "BounceGo - repeated strike/return motion for a single actuator axis"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}
