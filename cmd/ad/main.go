// Command ad is the central forwarder (spec.md §4.F). astart execs it
// with the number of pipe pairs followed by that many (read-fd write-fd)
// pairs, one per attached module, in the order: local gateway, packet
// cache, IP gateway, one per wireless interface, trace responder.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/allnetproject/allnet/internal/alog"
	"github.com/allnetproject/allnet/internal/bloomcache"
	"github.com/allnetproject/allnet/internal/config"
	"github.com/allnetproject/allnet/internal/forwarder"
	"github.com/allnetproject/allnet/internal/ipc"
	"github.com/allnetproject/allnet/internal/metrics"
	"github.com/allnetproject/allnet/internal/ratelimit"
)

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ad: "+format+"\n", args...)
	os.Exit(1)
}

func classForIndex(i, total int) forwarder.Class {
	switch {
	case i == 0:
		return forwarder.ClassLocal
	case i == 1:
		return forwarder.ClassCache
	case i == 2:
		return forwarder.ClassIP
	case i == total-1:
		return forwarder.ClassTrace
	default:
		return forwarder.ClassWireless
	}
}

func main() {
	if len(os.Args) < 2 {
		fatal("usage: ad <num-pipe-pairs> [readfd writefd]...")
	}
	numPairs, err := strconv.Atoi(os.Args[1])
	if err != nil || numPairs <= 0 {
		fatal("invalid pipe-pair count %q", os.Args[1])
	}
	if len(os.Args) != 2+numPairs*2 {
		fatal("expected %d fd arguments, got %d", numPairs*2, len(os.Args)-2)
	}

	cfg, err := config.Load(os.Getenv("ALLNET_CONFIG"))
	if err != nil {
		fatal("loading config: %v", err)
	}
	backend, err := alog.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		fatal("setting up logging: %v", err)
	}
	log := backend.GetLogger("ad")

	dataBloom, err := bloomcache.Load("ad-data.bloom")
	if err != nil {
		log.Infof("no persisted data bloom, starting fresh: %v", err)
		dataBloom = bloomcache.New(cfg.Bloom.K, cfg.Bloom.B, cfg.Bloom.D)
	}
	ackBloom, err := bloomcache.Load("ad-ack.bloom")
	if err != nil {
		log.Infof("no persisted ack bloom, starting fresh: %v", err)
		ackBloom = bloomcache.New(cfg.Bloom.K, cfg.Bloom.B, cfg.Bloom.D)
	}
	rates := ratelimit.New(cfg.RateLimit.Window)

	metricsReg, promReg := metrics.New()
	go func() {
		if err := metrics.ServeHTTP(cfg.Metrics.ListenAddr, promReg); err != nil {
			log.Warningf("metrics server stopped: %v", err)
		}
	}()

	fwd := forwarder.New(forwarder.Config{
		DataBloom: dataBloom,
		AckBloom:  ackBloom,
		Rates:     rates,
		Metrics:   metricsReg,
		Log:       log,
	})

	for i := 0; i < numPairs; i++ {
		rfd, err := strconv.Atoi(os.Args[2+i*2])
		if err != nil {
			fatal("invalid read fd %q", os.Args[2+i*2])
		}
		wfd, err := strconv.Atoi(os.Args[2+i*2+1])
		if err != nil {
			fatal("invalid write fd %q", os.Args[2+i*2+1])
		}
		class := classForIndex(i, numPairs)
		label := fmt.Sprintf("pipe-%d", i)
		fwd.Attach(i, label, class, ipc.NewFDPipe(rfd, wfd))
	}

	go fwd.Run()
	rotateStop := make(chan struct{})
	go rotateBlooms(cfg.Bloom.RotationInterval, dataBloom, ackBloom, rotateStop, log)

	log.Infof("ad started with %d attached pipes", numPairs)
	ipc.WaitForShutdown()
	close(rotateStop)
	fwd.Stop()

	if err := dataBloom.Save("ad-data.bloom"); err != nil {
		log.Errorf("saving data bloom: %v", err)
	}
	if err := ackBloom.Save("ad-ack.bloom"); err != nil {
		log.Errorf("saving ack bloom: %v", err)
	}
}

// rotateBlooms advances both bloom families and persists them to disk on
// a wall-clock interval, so suppression windows roll over and crash
// recovery never loses more than one interval's insertions (spec.md
// §4.C, §3 "persisted ... periodically").
func rotateBlooms(interval time.Duration, dataBloom, ackBloom *bloomcache.Family, stop <-chan struct{}, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			dataBloom.Advance()
			ackBloom.Advance()
			if err := dataBloom.Save("ad-data.bloom"); err != nil {
				log.Warningf("periodic save of data bloom failed: %v", err)
			}
			if err := ackBloom.Save("ad-ack.bloom"); err != nil {
				log.Warningf("periodic save of ack bloom failed: %v", err)
			}
			log.Debugf("rotated bloom filters")
		}
	}
}
