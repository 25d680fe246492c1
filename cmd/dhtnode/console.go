// Interactive line-edited console for issuing ad hoc search/announce/put
// commands against a running engine, mirroring cmd/geth's console command
// use of github.com/peterh/liner for history-backed line editing, with
// github.com/fatih/color for status highlighting in place of geth's JS
// console coloring.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/peterh/liner"

	"github.com/dalistudio/libdht/bencode"
	"github.com/dalistudio/libdht/dht"
	"github.com/dalistudio/libdht/krpc"
)

const historyFile = ".dhtnode_history"

// runConsole drives liner's read-eval-print loop until the user types
// "exit"/"quit" or sends EOF (Ctrl-D). It returns once the console is
// done so main's select can proceed to shut down the engine.
func runConsole(e *dht.Engine) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	color.Cyan("dhtnode console - commands: status, search <hex40>, announce <hex40> <port>, put <text>, exit")
	for {
		input, err := line.Prompt("dht> ")
		if err != nil { // io.EOF on Ctrl-D, liner.ErrPromptAborted on Ctrl-C
			return
		}
		line.AppendHistory(input)

		fields := strings.Fields(input)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "exit", "quit":
			return
		case "status":
			printStatus(e)
		case "search":
			runSearch(e, fields)
		case "announce":
			runAnnounce(e, fields)
		case "put":
			runPut(e, fields)
		default:
			color.Red("unknown command: %s", fields[0])
		}
	}
}

func printStatus(e *dht.Engine) {
	color.Yellow("self:   %s", e.Self())
	color.Yellow("table:  %d nodes in %d buckets", e.Table().Len(), len(e.Table().Buckets()))
	color.Yellow("peers:  %d info hashes", e.Peers().Len())
	color.Yellow("puts:   %d items", e.Puts().Len())
}

func runSearch(e *dht.Engine, fields []string) {
	if len(fields) != 2 {
		color.Red("usage: search <hex40>")
		return
	}
	target, err := krpc.IDFromHex(fields[1])
	if err != nil {
		color.Red("bad id: %v", err)
		return
	}
	start := time.Now()
	dht.GetPeers(e, target, func(res dht.SearchResult) {
		color.Green("search %s done in %s: %d peers, %d closest nodes", target, time.Since(start), len(res.Peers), len(res.ClosestNodes))
		for _, p := range res.Peers {
			fmt.Println("  peer", p)
		}
	})
}

func runAnnounce(e *dht.Engine, fields []string) {
	if len(fields) != 3 {
		color.Red("usage: announce <hex40> <port>")
		return
	}
	target, err := krpc.IDFromHex(fields[1])
	if err != nil {
		color.Red("bad id: %v", err)
		return
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		color.Red("bad port: %v", err)
		return
	}
	dht.AnnouncePeer(e, target, port, func(res dht.SearchResult) {
		color.Green("announce %s done: %d nodes acked", target, res.WritesAccepted)
	})
}

func runPut(e *dht.Engine, fields []string) {
	if len(fields) < 2 {
		color.Red("usage: put <text>")
		return
	}
	v := bencode.NewString([]byte(strings.Join(fields[1:], " ")))
	_, key := dht.PutImmutable(e, v, func(res dht.SearchResult) {
		color.Green("put done: %d nodes acked", res.WritesAccepted)
	})
	color.Yellow("key: %s", key)
}
