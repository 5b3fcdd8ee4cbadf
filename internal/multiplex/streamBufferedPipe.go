// This is base on https://github.com/golang/go/blob/0436b162397018c45068b47ca1b5924a3eafdee0/src/net/net_fake.go#L173

package multiplex

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// The point of a streamBufferedPipe is that Read() will block until data is available.
// Write() never blocks: the amount of data in flight is already bounded by the stream's receive window.
type streamBufferedPipe struct {
	// only alloc when on first Read or Write
	buf *bytes.Buffer

	closed bool
	// once set, buffered data is discarded and every Read returns it
	err error

	rwCond    *sync.Cond
	rDeadline time.Time
}

func NewStreamBufferedPipe() *streamBufferedPipe {
	p := &streamBufferedPipe{
		rwCond: sync.NewCond(&sync.Mutex{}),
	}
	return p
}

func (p *streamBufferedPipe) Read(target []byte) (int, error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		p.buf = new(bytes.Buffer)
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		if p.err != nil {
			return 0, p.err
		}
		if p.closed && p.buf.Len() == 0 {
			return 0, io.EOF
		}
		if p.buf.Len() > 0 {
			break
		}
		if !p.rDeadline.IsZero() {
			d := time.Until(p.rDeadline)
			if d <= 0 {
				return 0, ErrTimeout
			}
			if timer == nil {
				timer = time.AfterFunc(d, p.rwCond.Broadcast)
			} else {
				timer.Reset(d)
			}
		}
		p.rwCond.Wait()
	}
	n, err := p.buf.Read(target)
	// err will always be nil because we have already verified that buf.Len() != 0
	p.rwCond.Broadcast()
	return n, err
}

func (p *streamBufferedPipe) Write(input []byte) (int, error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		p.buf = new(bytes.Buffer)
	}
	if p.err != nil {
		return 0, p.err
	}
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := p.buf.Write(input)
	// err will always be nil
	p.rwCond.Broadcast()
	return n, err
}

func (p *streamBufferedPipe) Len() int {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		return 0
	}
	return p.buf.Len()
}

// Close lets readers drain what is buffered, then they get io.EOF
func (p *streamBufferedPipe) Close() error {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	p.closed = true
	p.rwCond.Broadcast()
	return nil
}

// CloseWithError discards anything buffered. The first error sticks.
func (p *streamBufferedPipe) CloseWithError(err error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	if p.err == nil {
		p.err = err
	}
	p.closed = true
	if p.buf != nil {
		p.buf.Reset()
	}
	p.rwCond.Broadcast()
}

func (p *streamBufferedPipe) SetReadDeadline(t time.Time) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	p.rDeadline = t
	p.rwCond.Broadcast()
}
