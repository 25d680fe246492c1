// Command-line flags, mirroring the var block of cmd/geth's flags.go:
// one cli.XFlag value per tunable, consumed by makeCLIApp's app.Flags and
// read back out of the cli.Context inside the run action.
package main

import (
	"gopkg.in/urfave/cli.v1"

	"github.com/dalistudio/libdht/dht"
	"github.com/dalistudio/libdht/logger/glog"
)

var (
	BindAddrFlag = cli.StringFlag{
		Name:  "addr",
		Usage: "UDP address to bind the DHT socket to",
		Value: dht.DefaultConfig().BindAddr,
	}
	SaveFileFlag = cli.StringFlag{
		Name:  "savefile",
		Usage: "Path to the routing table / store save file",
		Value: dht.DefaultConfig().SaveFilePath,
	}
	BootstrapFlag = cli.StringFlag{
		Name:  "bootstrap",
		Usage: "Comma-separated host:port list of bootstrap nodes",
		Value: "router.bittorrent.com:6881,dht.transmissionbt.com:6881",
	}
	AlphaFlag = cli.IntFlag{
		Name:  "alpha",
		Usage: "Search fan-out factor (concurrent queries per iteration)",
		Value: dht.DefaultAlpha,
	}
	NoConsoleFlag = cli.BoolFlag{
		Name:  "noconsole",
		Usage: "Run the node without the interactive console",
	}
	VerbosityFlag = cli.GenericFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: glog.GetVerbosity(),
	}
)
