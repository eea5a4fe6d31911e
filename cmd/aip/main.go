// Command aip is the Internet peer gateway (spec.md §4.H). astart execs
// it with the forwarder pipe's read and write fds, followed by the
// address-sharing UNIX socket path.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/allnetproject/allnet/internal/alog"
	"github.com/allnetproject/allnet/internal/config"
	"github.com/allnetproject/allnet/internal/gateway/ip"
	"github.com/allnetproject/allnet/internal/ipc"
)

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "aip: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) != 4 {
		fatal("usage: aip <readfd> <writefd> <unix-socket-path>")
	}
	rfd, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fatal("invalid read fd %q", os.Args[1])
	}
	wfd, err := strconv.Atoi(os.Args[2])
	if err != nil {
		fatal("invalid write fd %q", os.Args[2])
	}
	unixSocketPath := os.Args[3]
	upstream := ipc.NewFDPipe(rfd, wfd)

	cfg, err := config.Load(os.Getenv("ALLNET_CONFIG"))
	if err != nil {
		fatal("loading config: %v", err)
	}
	backend, err := alog.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		fatal("setting up logging: %v", err)
	}
	log := backend.GetLogger("aip")

	gw, err := ip.New(ip.Config{
		Port:           cfg.Peers.Port,
		Capacity:       cfg.Peers.Capacity,
		StorePath:      cfg.IPGateway.StorePath,
		TargetPeers:    cfg.IPGateway.TargetPeers,
		DialTimeout:    cfg.IPGateway.DialTimeout,
		UnixSocketPath: unixSocketPath,
	}, upstream, log)
	if err != nil {
		fatal("starting IP gateway: %v", err)
	}
	gw.Start()
	log.Infof("aip listening on port %d", cfg.Peers.Port)
	ipc.WaitForShutdown()
	gw.Stop()
}
