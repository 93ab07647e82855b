package syncer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/warptools/warpstore/wsapi"
)

// maxFrameSize bounds what a peer can make us allocate.
const maxFrameSize = 64 << 20

// frameWriter writes length-prefixed frames. Safe for concurrent use.
type frameWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: bufio.NewWriter(w)}
}

// Write sends one frame and flushes it.
//
// Errors:
//
//   - warpstore-error-serialization -- when the frame can't be encoded
//   - warpstore-error-connection -- when the stream fails
func (fw *frameWriter) Write(f wsapi.Frame) error {
	b, err := f.Encode(wsapi.FormatBinary)
	if err != nil {
		return err
	}
	var prefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(prefix[:], uint64(len(b)))
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(prefix[:n]); err != nil {
		return wsapi.ErrorConnection("write "+f.Kind(), err)
	}
	if _, err := fw.w.Write(b); err != nil {
		return wsapi.ErrorConnection("write "+f.Kind(), err)
	}
	if err := fw.w.Flush(); err != nil {
		return wsapi.ErrorConnection("write "+f.Kind(), err)
	}
	return nil
}

type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

// Read returns the next frame, or io.EOF when the stream ends between frames.
//
// Errors:
//
//   - warpstore-error-connection -- when the stream fails or ends mid-frame
//   - warpstore-error-serialization -- when a frame doesn't decode
func (fr *frameReader) Read() (wsapi.Frame, error) {
	size, err := binary.ReadUvarint(fr.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return wsapi.Frame{}, io.EOF
		}
		return wsapi.Frame{}, wsapi.ErrorConnection("read frame length", err)
	}
	if size > maxFrameSize {
		return wsapi.Frame{}, wsapi.ErrorConnection("read frame", fmt.Errorf("frame of %d bytes exceeds limit", size))
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(fr.r, b); err != nil {
		return wsapi.Frame{}, wsapi.ErrorConnection("read frame", err)
	}
	return wsapi.DecodeFrame(b)
}

// outbox queues frames for a writer goroutine so that a reading loop never
// blocks on its peer draining the other direction.
type outbox struct {
	w      *frameWriter
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []wsapi.Frame
	closed bool
	err    error
	done   chan struct{}
}

func newOutbox(w *frameWriter) *outbox {
	o := &outbox{w: w, done: make(chan struct{})}
	o.cond = sync.NewCond(&o.mu)
	go o.run()
	return o
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		f := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		if err := o.w.Write(f); err != nil {
			o.mu.Lock()
			o.err = err
			o.queue = nil
			o.closed = true
			o.mu.Unlock()
			return
		}
	}
}

// Send queues f. It reports the first write failure, if any has happened yet.
func (o *outbox) Send(f wsapi.Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	if o.closed {
		return wsapi.ErrorConnection("write "+f.Kind(), io.ErrClosedPipe)
	}
	o.queue = append(o.queue, f)
	o.cond.Signal()
	return nil
}

// Close stops accepting frames. Queued frames are still written.
func (o *outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Signal()
	o.mu.Unlock()
}

// Wait blocks until everything queued before Close is written, and returns
// the first write failure.
func (o *outbox) Wait() error {
	<-o.done
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}
