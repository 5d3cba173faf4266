package pusher

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// ConnStats keeps track of currently open and total connection counts for an
// entity, along with envelope traffic totals for log lines.
type ConnStats struct {
	count    int32
	open     int32
	bytesIn  int64
	bytesOut int64
}

// New adds one to the total connection count and returns the new total,
// which doubles as a connection id for logging.
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open adds one to the current open connection count.
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the current open connection count.
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// AddIn records bytes received.
func (c *ConnStats) AddIn(n int) {
	atomic.AddInt64(&c.bytesIn, int64(n))
}

// AddOut records bytes sent.
func (c *ConnStats) AddOut(n int) {
	atomic.AddInt64(&c.bytesOut, int64(n))
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count))
}

// TrafficString summarizes traffic totals in human-readable form.
func (c *ConnStats) TrafficString() string {
	return fmt.Sprintf("sent %s received %s",
		sizestr.ToString(atomic.LoadInt64(&c.bytesOut)),
		sizestr.ToString(atomic.LoadInt64(&c.bytesIn)))
}
