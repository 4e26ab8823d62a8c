package rawtcp

import (
	"sync"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/pkg/errors"
)

// ErrOutOfMemory is returned when the packet pool has no buffer to lend.
var ErrOutOfMemory = errors.New("rawtcp: out of packet buffers")

// Packet is a raw Ethernet frame. A packet has a single owner at a time:
// enqueuing it hands it over, and an owner that does not forward it must
// call Release.
type Packet struct {
	Data []byte
	pool *PacketPool
}

// NewPacket wraps frame in a packet not backed by any pool.
func NewPacket(frame []byte) *Packet {
	return &Packet{Data: frame}
}

// Release returns the packet's buffer to its pool. The packet must not be used afterwards.
func (p *Packet) Release() {
	if p.pool != nil {
		p.pool.put(p)
	}
	p.Data = nil
}

// PacketPool lends frame buffers. It bounds the number of buffers lent and not
// yet released so that exhaustion surfaces as [ErrOutOfMemory].
type PacketPool struct {
	mu          sync.Mutex
	max         int
	outstanding int
}

// NewPacketPool returns a pool lending at most maxOutstanding buffers at a
// time. A non-positive value means no limit.
func NewPacketPool(maxOutstanding int) *PacketPool {
	return &PacketPool{max: maxOutstanding}
}

// Get returns a packet with a buffer of length size. Buffer contents are undefined.
func (pp *PacketPool) Get(size int) (*Packet, error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.max > 0 && pp.outstanding >= pp.max {
		return nil, ErrOutOfMemory
	}
	pp.outstanding++
	return &Packet{Data: pool.Get(size), pool: pp}, nil
}

// Outstanding returns the number of buffers lent and not yet released.
func (pp *PacketPool) Outstanding() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.outstanding
}

func (pp *PacketPool) put(p *Packet) {
	if p.Data == nil {
		return // Double release.
	}
	pool.Put(p.Data)
	pp.mu.Lock()
	pp.outstanding--
	pp.mu.Unlock()
}

// Queue is an unbounded FIFO of packets safe for concurrent use.
// The zero value is ready to use.
type Queue struct {
	mu   sync.Mutex
	pkts []*Packet
}

// Enqueue appends p to the queue, transferring its ownership.
func (q *Queue) Enqueue(p *Packet) {
	q.mu.Lock()
	q.pkts = append(q.pkts, p)
	q.mu.Unlock()
}

// Dequeue removes and returns the oldest packet or nil if the queue is empty.
func (q *Queue) Dequeue() *Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pkts) == 0 {
		return nil
	}
	p := q.pkts[0]
	q.pkts[0] = nil
	q.pkts = q.pkts[1:]
	if len(q.pkts) == 0 {
		q.pkts = q.pkts[:0:0] // Let the backing array go.
	}
	return p
}

// Len returns the number of packets queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pkts)
}

// Discard releases every queued packet.
func (q *Queue) Discard() {
	for p := q.Dequeue(); p != nil; p = q.Dequeue() {
		p.Release()
	}
}
