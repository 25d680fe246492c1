// dhtnode is the command-line DHT node, mirroring cmd/geth's structure:
// makeCLIApp wires flags and commands onto a cli.App, main hands off to
// app.Run, and the default action builds and serves the long-lived engine.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"gopkg.in/urfave/cli.v1"

	"github.com/dalistudio/libdht/dht"
	"github.com/dalistudio/libdht/krpc"
	"github.com/dalistudio/libdht/logger"
	"github.com/dalistudio/libdht/logger/glog"
)

// Version is the application revision identifier, settable at link time
// the way cmd/geth's Version is: -ldflags "-X main.Version=`git describe`".
var Version = "source"

func makeCLIApp() (app *cli.App) {
	app = cli.NewApp()
	app.Name = filepath.Base(os.Args[0])
	app.Version = Version
	app.Usage = "a standalone Mainline DHT node"
	app.Action = run
	app.HideVersion = true

	app.Flags = []cli.Flag{
		BindAddrFlag,
		SaveFileFlag,
		BootstrapFlag,
		AlphaFlag,
		NoConsoleFlag,
		VerbosityFlag,
	}
	return app
}

func main() {
	app := makeCLIApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run is app.Action: it builds the Config and Engine from flags, loads the
// save file, resolves bootstrap nodes, and runs the event loop until the
// process is interrupted, exactly as geth's own default action starts its
// node and blocks on the console or on a signal.
func run(ctx *cli.Context) error {
	glog.SetToStderr(true)
	glog.SetV(ctx.Int(VerbosityFlag.Name))

	cfg := dht.DefaultConfig()
	cfg.BindAddr = ctx.String(BindAddrFlag.Name)
	cfg.SaveFilePath = ctx.String(SaveFileFlag.Name)
	cfg.Alpha = ctx.Int(AlphaFlag.Name)
	if bs := ctx.String(BootstrapFlag.Name); bs != "" {
		cfg.BootstrapAddrs = strings.Split(bs, ",")
	}

	fs := afero.NewOsFs()

	self, reused := dht.PeekOwnID(fs, cfg.SaveFilePath)
	if !reused {
		self = krpc.RandomID()
	}

	conn, err := dht.Listen(cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("dhtnode: listen %s: %v", cfg.BindAddr, err)
	}

	signer := ed25519Signer{}
	engine := dht.NewEngine(self, conn, dht.SystemClock{}, cfg, signer)
	engine.SetFilesystem(fs)

	if err := dht.LoadFromFile(fs, cfg.SaveFilePath, engine); err != nil {
		glog.V(logger.Warn).Warnf("dhtnode: loading save file: %v", err)
	}

	for _, addr := range cfg.BootstrapAddrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			glog.V(logger.Warn).Warnf("dhtnode: bootstrap node %s: %v", addr, err)
			continue
		}
		engine.ObserveNode(krpc.RandomID(), udpAddr)
	}

	color.Green("dhtnode listening on %s as %s", cfg.BindAddr, engine.Self())

	done := make(chan struct{})
	serveErr := make(chan error, 1)
	go func() { serveErr <- engine.Serve(done) }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	if ctx.Bool(NoConsoleFlag.Name) {
		select {
		case err := <-serveErr:
			close(done)
			return err
		case <-sigc:
		}
	} else {
		consoleDone := make(chan struct{})
		go func() {
			runConsole(engine)
			close(consoleDone)
		}()
		select {
		case err := <-serveErr:
			close(done)
			return err
		case <-sigc:
		case <-consoleDone:
		}
	}

	close(done)
	if err := dht.SaveToFile(fs, cfg.SaveFilePath, engine); err != nil {
		glog.V(logger.Warn).Warnf("dhtnode: final save: %v", err)
	}
	return engine.Close()
}
