// Package pipemsg implements the inter-module framing used on every pipe
// between AllNet components (spec.md §4.A, §6): magic(8) || length(4 BE)
// || priority(4 BE) || payload. Framing is priority-agnostic; priority is
// carried alongside the message and interpreted only by the forwarder.
package pipemsg

import (
	"encoding/binary"
	"errors"
	"io"
)

// Magic distinguishes AllNet frames from stray bytes on a reused socket.
// Fixed at compile time, as spec.md §6 requires.
var Magic = [8]byte{'a', 'l', 'l', 'n', 'e', 't', '!', '\n'}

// MaxPacket bounds the payload length a frame may carry (spec.md §4.A).
const MaxPacket = 16 * 1024

// MinPriority and MaxPriority bound the 32-bit priority carried by a
// frame; 0 is reserved.
const (
	MinPriority uint32 = 1
	MaxPriority uint32 = 1<<31 - 1
)

// ErrClosed is returned by Recv when the peer closed the connection at a
// frame boundary (a clean EOF, not a partial read).
var ErrClosed = errors.New("pipemsg: closed")

// ErrBrokenPipe is returned by Send when a write fails.
var ErrBrokenPipe = errors.New("pipemsg: broken pipe")

// Send writes magic, length, priority and payload, retrying partial
// writes until the frame is fully written or a write fails (spec.md
// §4.A, §7 "transient_io": retry once, then drop).
func Send(w io.Writer, payload []byte, priority uint32) error {
	if len(payload) > MaxPacket {
		return errors.New("pipemsg: payload exceeds MaxPacket")
	}
	hdr := make([]byte, 16)
	copy(hdr[0:8], Magic[:])
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[12:16], priority)

	if err := writeFullRetry(w, hdr); err != nil {
		return err
	}
	if err := writeFullRetry(w, payload); err != nil {
		return err
	}
	return nil
}

// writeFullRetry writes buf in full, looping over partial writes for
// free, and retrying once after a write error before giving up (spec.md
// §7 "transient_io": retry once, then drop).
func writeFullRetry(w io.Writer, buf []byte) error {
	retriedAfterError := false
	for len(buf) > 0 {
		n, err := w.Write(buf)
		buf = buf[n:]
		if err != nil {
			if retriedAfterError {
				return ErrBrokenPipe
			}
			retriedAfterError = true
			continue
		}
	}
	return nil
}

// Reader reads AllNet frames off a single pipe. Each Recv reads with
// io.ReadFull, so a frame that arrives in several short reads is
// reassembled within one call; no state is carried between calls.
type Reader struct {
	r io.Reader
}

// NewReader wraps r for framed reads.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Recv reads the next frame. If the magic does not match at the current
// position, it scans forward byte by byte until it resynchronises,
// reporting that via resynced so the caller can apply the "log once per
// resync" policy (spec.md §7). Oversize frames (length > MaxPacket) are
// treated the same way: reported as a resync, and scanning resumes after
// their length and priority fields. Recv returns
// ErrClosed only when EOF lands exactly on a frame boundary.
func (r *Reader) Recv() (payload []byte, priority uint32, resynced bool, err error) {
	window := make([]byte, 8)
	if _, err = io.ReadFull(r.r, window); err != nil {
		if err == io.EOF {
			return nil, 0, false, ErrClosed
		}
		return nil, 0, false, err
	}

	for {
		if matches(window, Magic[:]) {
			length, priorityVal, lerr := r.readLengthPriority()
			if lerr != nil {
				return nil, 0, resynced, lerr
			}
			if length > MaxPacket {
				resynced = true
				if shiftErr := r.resyncAfterMismatch(window); shiftErr != nil {
					return nil, 0, resynced, shiftErr
				}
				continue
			}
			buf := make([]byte, length)
			if _, err = io.ReadFull(r.r, buf); err != nil {
				if err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				return nil, 0, resynced, err
			}
			return buf, priorityVal, resynced, nil
		}
		resynced = true
		if err = r.resyncAfterMismatch(window); err != nil {
			return nil, 0, resynced, err
		}
	}
}

// readLengthPriority reads the 8 bytes following a matched magic.
func (r *Reader) readLengthPriority() (length int, priority uint32, err error) {
	lp := make([]byte, 8)
	if _, err = io.ReadFull(r.r, lp); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, 0, err
	}
	length = int(binary.BigEndian.Uint32(lp[0:4]))
	priority = binary.BigEndian.Uint32(lp[4:8])
	return length, priority, nil
}

// resyncAfterMismatch slides the 8-byte window forward by one byte,
// reading one fresh byte into its last position; Recv calls it repeatedly
// per spec.md §4.A's "scans forward byte-by-byte until magic
// resynchronises". EOF here is mid-scan, not at a frame boundary, so it is
// reported as io.ErrUnexpectedEOF rather than ErrClosed.
func (r *Reader) resyncAfterMismatch(window []byte) error {
	copy(window, window[1:])
	one := window[7:8]
	if _, err := io.ReadFull(r.r, one); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

func matches(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
