// Command acache is the packet cache: it remembers recently-forwarded
// data packets and answers requests for them. astart execs it with the
// forwarder pipe's read and write fds.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/allnetproject/allnet/internal/alog"
	"github.com/allnetproject/allnet/internal/config"
	"github.com/allnetproject/allnet/internal/ipc"
	"github.com/allnetproject/allnet/internal/packetcache"
)

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "acache: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) != 3 {
		fatal("usage: acache <readfd> <writefd>")
	}
	rfd, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fatal("invalid read fd %q", os.Args[1])
	}
	wfd, err := strconv.Atoi(os.Args[2])
	if err != nil {
		fatal("invalid write fd %q", os.Args[2])
	}
	upstream := ipc.NewFDPipe(rfd, wfd)

	cfg, err := config.Load(os.Getenv("ALLNET_CONFIG"))
	if err != nil {
		fatal("loading config: %v", err)
	}
	backend, err := alog.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		fatal("setting up logging: %v", err)
	}
	log := backend.GetLogger("acache")

	c := packetcache.NewDefault(log)
	log.Infof("acache started")
	c.Run(upstream)
}
