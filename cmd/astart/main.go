// Command astart is the supervisor that starts every AllNet component
// and wires them together with anonymous pipe pairs (spec.md §6/§9).
// When invoked under a program name containing "stop" (such as astop),
// it instead signals a running daemon to exit.
package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/allnetproject/allnet/internal/pidfile"
)

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "astart: "+format+"\n", args...)
	os.Exit(1)
}

// link is one bidirectional module<->forwarder connection, built from
// two unidirectional os.Pipe() pairs: a (ad-writes / module-reads) pipe
// and a (module-writes / ad-reads) pipe.
type link struct {
	modRead, modWrite *os.File
	adRead, adWrite   *os.File
}

func newLink() (link, error) {
	aRead, aWrite, err := os.Pipe() // ad -> module
	if err != nil {
		return link{}, err
	}
	bRead, bWrite, err := os.Pipe() // module -> ad
	if err != nil {
		return link{}, err
	}
	return link{modRead: aRead, modWrite: bWrite, adRead: bRead, adWrite: aWrite}, nil
}

func findPath(arg string) (dir, program string) {
	if !strings.Contains(arg, "/") {
		return ".", arg
	}
	return filepath.Dir(arg), filepath.Base(arg)
}

func main() {
	dir, program := findPath(os.Args[0])
	if strings.Contains(program, "stop") {
		os.Exit(stopAll())
	}
	startAll(dir, os.Args[1:])
}

// stopAll reads every pid from the pid file, SIGINTs each, then removes
// the pid file and the address-sharing socket.
func stopAll() int {
	path := pidfile.Path()
	pids, err := pidfile.ReadPids(path)
	if err != nil {
		fmt.Printf("unable to stop allnet daemon, missing pid file %s\n", path)
		if os.Geteuid() == 0 {
			fmt.Println("if it is running, perhaps it was started as a user process")
		} else {
			fmt.Println("if it is running, perhaps it was started as a root process")
		}
		return 1
	}
	fmt.Println("stopping allnet daemon")
	for _, pid := range pids {
		if err := syscall.Kill(pid, syscall.SIGINT); err != nil {
			fmt.Fprintf(os.Stderr, "astart: signaling pid %d: %v\n", pid, err)
		}
	}
	pidfile.Remove(path)
	pidfile.Remove(pidfile.UnixSocketPath)
	return 0
}

// startAll spawns ad and every fixed and per-interface module, wiring
// each through a link and writing every spawned pid to the pid file
// (spec.md §9): ad, alocal, acache, aip, one abc per interface, then,
// after a warm-up pause, the trace responder.
func startAll(dir string, interfaces []string) {
	numLinks := 3 + len(interfaces) + 1 // local, cache, ip, wireless*, trace
	links := make([]link, numLinks)
	for i := range links {
		l, err := newLink()
		if err != nil {
			fatal("creating pipe set %d: %v", i, err)
		}
		links[i] = l
	}

	pidWriter, err := pidfile.Create(pidfile.Path())
	if err != nil {
		fatal("opening pid file: %v", err)
	}
	defer pidWriter.Close()

	spawnAd(dir, links, pidWriter)

	spawnTwoArg(dir, "alocal", links[0], pidWriter)
	spawnTwoArg(dir, "acache", links[1], pidWriter)
	spawnThreeArg(dir, "aip", links[2], pidfile.UnixSocketPath, pidWriter)
	for i, ifaceName := range interfaces {
		spawnThreeArg(dir, "abc", links[3+i], ifaceName, pidWriter)
	}

	time.Sleep(2 * time.Second)
	spawnTrace(dir, links[numLinks-1], pidWriter)
}

func binPath(dir, program string) string {
	return filepath.Join(dir, program)
}

func spawnAd(dir string, links []link, pw *pidfile.Writer) int {
	args := make([]string, 0, 2+len(links)*2)
	args = append(args, strconv.Itoa(len(links)))
	extraFiles := make([]*os.File, 0, len(links)*2)
	for _, l := range links {
		extraFiles = append(extraFiles, l.adRead, l.adWrite)
		args = append(args, fdArg(len(extraFiles)-2), fdArg(len(extraFiles)-1))
	}
	cmd := exec.Command(binPath(dir, "ad"), args...)
	cmd.ExtraFiles = extraFiles
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		fatal("starting ad: %v", err)
	}
	for _, l := range links {
		l.adRead.Close()
		l.adWrite.Close()
	}
	pw.Write(cmd.Process.Pid)
	return cmd.Process.Pid
}

// fdArg returns the argv string for the n-th ExtraFiles entry (0-based):
// Go's os/exec places ExtraFiles at fd 3, 4, 5, ... in the child.
func fdArg(n int) string { return strconv.Itoa(3 + n) }

func spawnTwoArg(dir, program string, l link, pw *pidfile.Writer) int {
	cmd := exec.Command(binPath(dir, program), fdArg(0), fdArg(1))
	cmd.ExtraFiles = []*os.File{l.modRead, l.modWrite}
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		fatal("starting %s: %v", program, err)
	}
	l.modRead.Close()
	l.modWrite.Close()
	pw.Write(cmd.Process.Pid)
	return cmd.Process.Pid
}

func spawnThreeArg(dir, program string, l link, extra string, pw *pidfile.Writer) int {
	cmd := exec.Command(binPath(dir, program), fdArg(0), fdArg(1), extra)
	cmd.ExtraFiles = []*os.File{l.modRead, l.modWrite}
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		fatal("starting %s: %v", program, err)
	}
	l.modRead.Close()
	l.modWrite.Close()
	pw.Write(cmd.Process.Pid)
	return cmd.Process.Pid
}

func spawnTrace(dir string, l link, pw *pidfile.Writer) int {
	addr := make([]byte, 2)
	if _, err := rand.Read(addr); err != nil {
		fatal("generating trace address: %v", err)
	}
	addrHex := fmt.Sprintf("%02x%02x", addr[0], addr[1])
	cmd := exec.Command(binPath(dir, "atrace"), addrHex, "16", fdArg(0), fdArg(1))
	cmd.ExtraFiles = []*os.File{l.modRead, l.modWrite}
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		fatal("starting atrace: %v", err)
	}
	l.modRead.Close()
	l.modWrite.Close()
	pw.Write(cmd.Process.Pid)
	return cmd.Process.Pid
}
