package session

import (
	"sync"
	"time"

	"github.com/opd-ai/rpcwire/crypto"
)

// IDGenerator issues client message ids: unix seconds of server time in the
// high 32 bits, the sub-second fraction below, low two bits clear. Ids are
// strictly increasing even when the clock stalls or steps back.
type IDGenerator struct {
	mu     sync.Mutex
	clock  crypto.TimeProvider
	offset int64
	last   int64
}

// NewIDGenerator returns a generator that never issues an id at or below
// highWater.
func NewIDGenerator(clock crypto.TimeProvider, highWater int64) *IDGenerator {
	return &IDGenerator{clock: crypto.OrDefault(clock), last: highWater}
}

func (g *IDGenerator) raw(now time.Time) int64 {
	sec := now.Unix() + g.offset
	frac := uint64(now.Nanosecond()) << 32 / uint64(time.Second)
	return (sec<<32 | int64(frac)) &^ 3
}

// Next returns a fresh id.
func (g *IDGenerator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.raw(g.clock.Now())
	if id <= g.last {
		id = g.last + 4
	}
	g.last = id
	return id
}

// Last returns the most recent id, the high-water mark to persist.
func (g *IDGenerator) Last() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// SetOffset sets the server time offset in seconds.
func (g *IDGenerator) SetOffset(seconds int64) {
	g.mu.Lock()
	g.offset = seconds
	g.mu.Unlock()
}

// Offset returns the server time offset in seconds.
func (g *IDGenerator) Offset() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.offset
}

// SyncFromServerID adopts the time encoded in a server message id.
func (g *IDGenerator) SyncFromServerID(serverMsgID int64) {
	g.mu.Lock()
	g.offset = serverMsgID>>32 - g.clock.Now().Unix()
	g.mu.Unlock()
}

// ServerNow returns the local clock shifted by the server offset.
func (g *IDGenerator) ServerNow() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clock.Now().Add(time.Duration(g.offset) * time.Second)
}
