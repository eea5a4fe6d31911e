// Command abc bridges one wireless broadcast interface to the forwarder
// (spec.md §4.I). astart execs one instance per interface named on its
// own command line, passing the forwarder pipe's read and write fds
// followed by the interface name.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/allnetproject/allnet/internal/alog"
	"github.com/allnetproject/allnet/internal/config"
	"github.com/allnetproject/allnet/internal/iface"
	"github.com/allnetproject/allnet/internal/ipc"
)

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "abc: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) != 4 {
		fatal("usage: abc <readfd> <writefd> <interface-name>")
	}
	rfd, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fatal("invalid read fd %q", os.Args[1])
	}
	wfd, err := strconv.Atoi(os.Args[2])
	if err != nil {
		fatal("invalid write fd %q", os.Args[2])
	}
	ifaceName := os.Args[3]
	upstream := ipc.NewFDPipe(rfd, wfd)

	cfg, err := config.Load(os.Getenv("ALLNET_CONFIG"))
	if err != nil {
		fatal("loading config: %v", err)
	}
	backend, err := alog.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		fatal("setting up logging: %v", err)
	}
	log := backend.GetLogger("abc")

	radio := iface.NewWiFi(ifaceName, cfg.Peers.Port)
	if err := radio.Init(); err != nil {
		fatal("initializing interface %s: %v", ifaceName, err)
	}
	if err := radio.SetEnabled(true); err != nil {
		log.Warningf("enabling %s: %v", ifaceName, err)
	}

	bridge := iface.NewBridge(radio, upstream, log)
	bridge.Start()
	log.Infof("abc bridging %s", ifaceName)
	ipc.WaitForShutdown()
	bridge.Stop()
	radio.Close()
}
