// Command atrace is the trace responder: it appends its own hop record to
// every MGMT_TRACE packet the forwarder delivers, whatever the trace's
// destination. astart execs it with a self address (hex) and its
// significant-bit count (accepted but not used), followed by the
// forwarder pipe's read and write fds it needs to see and re-stamp trace
// traffic.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/allnetproject/allnet/internal/alog"
	"github.com/allnetproject/allnet/internal/config"
	"github.com/allnetproject/allnet/internal/ipc"
	"github.com/allnetproject/allnet/internal/trace"
)

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "atrace: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) != 5 {
		fatal("usage: atrace <addr-hex> <addr-bits> <readfd> <writefd>")
	}
	addrBytes, err := hex.DecodeString(os.Args[1])
	if err != nil || len(addrBytes) == 0 {
		fatal("invalid self address %q", os.Args[1])
	}
	var selfAddr [8]byte
	copy(selfAddr[:], addrBytes)

	rfd, err := strconv.Atoi(os.Args[3])
	if err != nil {
		fatal("invalid read fd %q", os.Args[3])
	}
	wfd, err := strconv.Atoi(os.Args[4])
	if err != nil {
		fatal("invalid write fd %q", os.Args[4])
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
	log := backend.GetLogger("atrace")

	r := trace.New(selfAddr, log)
	log.Infof("atrace responding as %x", selfAddr)
	r.Run(upstream)
}
