// Package ipc adapts the anonymous-pipe-pair-by-fd-number convention
// astart uses to launch every component (spec.md §6) into pipemsg.Pipe
// values.
package ipc

import (
	"fmt"
	"os"

	"github.com/allnetproject/allnet/internal/pipemsg"
)

// fdPipe wires together two unidirectional fds (a read end inherited
// from one pipe() call and a write end from another) into the
// bidirectional pipemsg.Pipe every component expects.
type fdPipe struct {
	r *os.File
	w *os.File
}

// NewFDPipe wraps readFD/writeFD, the pair of inherited file descriptors
// astart passes as the two positional arguments naming a component's
// link to the forwarder.
func NewFDPipe(readFD, writeFD int) pipemsg.Pipe {
	return &fdPipe{
		r: os.NewFile(uintptr(readFD), fmt.Sprintf("pipe-r%d", readFD)),
		w: os.NewFile(uintptr(writeFD), fmt.Sprintf("pipe-w%d", writeFD)),
	}
}

func (p *fdPipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *fdPipe) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *fdPipe) Close() error {
	err := p.r.Close()
	if werr := p.w.Close(); err == nil {
		err = werr
	}
	return err
}
