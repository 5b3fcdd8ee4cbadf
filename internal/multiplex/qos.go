package multiplex

import (
	"io"
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Valve rate limits and counts the bytes a session moves over its underlying connection. It may be shared by
// several sessions to give them a common budget.
// rx is what we read from the connection and tx is what we write to it.
type Valve struct {
	rxtb atomic.Value // *ratelimit.Bucket
	txtb atomic.Value // *ratelimit.Bucket

	rx int64
	tx int64
}

// MakeValve makes a Valve limited to the given rates in bytes per second. A non-positive rate means unlimited.
func MakeValve(rxRate, txRate int64) *Valve {
	v := &Valve{}
	v.SetRxRate(rxRate)
	v.SetTxRate(txRate)
	return v
}

// a nil bucket doesn't limit anything
func bucketOf(rate int64) *ratelimit.Bucket {
	if rate <= 0 {
		return nil
	}
	return ratelimit.NewBucketWithRate(float64(rate), rate)
}

func wait(tb *atomic.Value, n int) {
	if bucket := tb.Load().(*ratelimit.Bucket); bucket != nil {
		bucket.Wait(int64(n))
	}
}

func (v *Valve) SetRxRate(rate int64) { v.rxtb.Store(bucketOf(rate)) }
func (v *Valve) SetTxRate(rate int64) { v.txtb.Store(bucketOf(rate)) }
func (v *Valve) rxWait(n int)         { wait(&v.rxtb, n) }
func (v *Valve) txWait(n int)         { wait(&v.txtb, n) }
func (v *Valve) AddRx(n int64)        { atomic.AddInt64(&v.rx, n) }
func (v *Valve) AddTx(n int64)        { atomic.AddInt64(&v.tx, n) }
func (v *Valve) GetRx() int64         { return atomic.LoadInt64(&v.rx) }
func (v *Valve) GetTx() int64         { return atomic.LoadInt64(&v.tx) }

// Nullify returns the counters and resets them to zero
func (v *Valve) Nullify() (int64, int64) {
	rx := atomic.SwapInt64(&v.rx, 0)
	tx := atomic.SwapInt64(&v.tx, 0)
	return rx, tx
}

// valveReader applies the rx side of a Valve to everything read through it
type valveReader struct {
	r     io.Reader
	valve *Valve
}

func (vr valveReader) Read(p []byte) (int, error) {
	n, err := vr.r.Read(p)
	if n > 0 {
		vr.valve.rxWait(n)
		vr.valve.AddRx(int64(n))
	}
	return n, err
}
