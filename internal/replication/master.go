// Package replication implements the master and replica halves of the
// replication link: handshake, snapshot transfer, the fixed-cadence
// propagation worker, master-offset accounting, and the WAIT command.
//
// Master implements executor.Replication structurally (executor never
// imports this package) so the write-propagation gate lives here, next
// to the replica bookkeeping it serializes against.
package replication

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/dstainton/redisd/internal/metrics"
	"github.com/dstainton/redisd/internal/resp"
	"github.com/dstainton/redisd/internal/worker"
)

// masterReplID is the fixed 40-character replication identifier this
// process reports; a single-master topology has no need to generate
// one per run.
const masterReplID = "8371b4fb1155b71f4a04d3e1bc3e18c4a0b3c9d5"

// DefaultTick is the propagation worker's fixed cadence.
const DefaultTick = 50 * time.Millisecond

// replicaRecord is one attached replica: its socket, outbound send
// queue, and the offset it has most recently acknowledged.
type replicaRecord struct {
	conn   net.Conn
	sendQ  channels.Channel
	ack    atomic.Int64
	doomed atomic.Bool
}

func newReplicaRecord(conn net.Conn) *replicaRecord {
	return &replicaRecord{conn: conn, sendQ: channels.NewInfiniteChannel()}
}

// Master owns master_repl_offset, the replica set, and the propagation
// worker. Its fields are individually lock-protected; callers hold a
// *Master, never a copy.
type Master struct {
	worker.Worker

	log     *logging.Logger
	tick    time.Duration
	metrics *metrics.Metrics

	// replMutex is master_repl_mutex: held around "apply + enqueue +
	// advance offset" so every replica observes writes in apply order.
	replMutex sync.Mutex
	offset    int64

	mu       sync.RWMutex
	replicas []*replicaRecord
}

// NewMaster constructs a Master and starts its propagation worker. mm
// may be nil, in which case metric updates are skipped.
func NewMaster(log *logging.Logger, tick time.Duration, mm *metrics.Metrics) *Master {
	m := &Master{log: log, tick: tick, metrics: mm}
	m.Go(m.propagationLoop)
	return m
}

// Replid returns the fixed master replication id.
func (m *Master) Replid() string { return masterReplID }

// MasterReplOffset returns the current propagated byte offset.
func (m *Master) MasterReplOffset() int64 {
	m.replMutex.Lock()
	defer m.replMutex.Unlock()
	return m.offset
}

// ReplicaCount returns the number of currently attached (non-doomed)
// replicas.
func (m *Master) ReplicaCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.replicas)
}

// WithPropagationLock applies a write under master_repl_mutex, and only
// on success appends the encoded command to every replica's send queue
// and advances the master offset.
func (m *Master) WithPropagationLock(apply func() (resp.Value, error), encoded []byte) (resp.Value, error) {
	m.replMutex.Lock()
	defer m.replMutex.Unlock()

	v, err := apply()
	if err != nil {
		return v, err
	}

	m.mu.RLock()
	for _, r := range m.replicas {
		r.sendQ.In() <- encoded
	}
	m.mu.RUnlock()

	m.offset += int64(len(encoded))
	if m.metrics != nil {
		m.metrics.MasterReplOffset.Set(float64(m.offset))
	}
	return v, nil
}

// Attach registers conn as a new replica record. The caller (the
// executor, via PSYNC) has already sent the FULLRESYNC reply and
// snapshot frame and gives up ownership of the socket here.
func (m *Master) Attach(conn net.Conn) {
	r := newReplicaRecord(conn)
	m.mu.Lock()
	m.replicas = append(m.replicas, r)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ReplicasConnected.Inc()
	}
	if m.log != nil {
		m.log.Noticef("replica attached: %s", conn.RemoteAddr())
	}
}

var getAckCommand = resp.EncodeBytes(resp.NewArray([]resp.Value{
	resp.NewBulkStringFromString("REPLCONF"),
	resp.NewBulkStringFromString("GETACK"),
	resp.NewBulkStringFromString("*"),
}))

// WaitForAcks implements the WAIT command: reply with the current
// replica count immediately when nothing has ever been propagated,
// otherwise poll until n replicas have acknowledged the current
// offset or timeout elapses.
func (m *Master) WaitForAcks(n int, timeout time.Duration) int {
	expected := m.MasterReplOffset()
	if expected == 0 {
		return m.ReplicaCount()
	}

	m.mu.RLock()
	for _, r := range m.replicas {
		r.sendQ.In() <- getAckCommand
	}
	m.mu.RUnlock()

	deadline := time.Now().Add(timeout)
	maxCount := 0
	for {
		if c := m.countAcked(expected); c > maxCount {
			maxCount = c
		}
		if maxCount >= n {
			return maxCount
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return maxCount
		}
		wait := m.tick
		if remaining < wait {
			wait = remaining
		}
		time.Sleep(wait)
	}
}

func (m *Master) countAcked(expected int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, r := range m.replicas {
		if r.ack.Load() >= expected {
			count++
		}
	}
	return count
}

func (m *Master) propagationLoop() {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-m.HaltCh():
			return
		case <-ticker.C:
			m.runTick()
		}
	}
}

// runTick is one pass over every replica record: a non-blocking ACK
// read, then draining at most one queued command to the socket. A
// write failure dooms the record; doomed records are swept at the end
// of the tick.
func (m *Master) runTick() {
	m.mu.RLock()
	replicas := append([]*replicaRecord(nil), m.replicas...)
	m.mu.RUnlock()

	for _, r := range replicas {
		m.pollACK(r)
		m.drainOne(r)
	}

	m.sweepDoomed()
}

// pollACK attempts a near-non-blocking read of a REPLCONF ACK frame:
// the first byte gets a one-millisecond read deadline, so an idle
// socket times out rather than blocking the tick, and once a frame has
// begun the rest of it gets a full tick to arrive. A deadline already
// in the past would fail every read without looking at the socket.
// This is the deadline-based equivalent of a raw SetNonblock syscall
// (see DESIGN.md).
func (m *Master) pollACK(r *replicaRecord) {
	if err := r.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return
	}
	var first [1]byte
	if _, err := io.ReadFull(r.conn, first[:]); err != nil {
		return
	}
	if err := r.conn.SetReadDeadline(time.Now().Add(m.tick)); err != nil {
		return
	}
	v, _, err := resp.Decode(io.MultiReader(bytes.NewReader(first[:]), r.conn))
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		return
	}
	args, ok := v.BulkStrings()
	if !ok || len(args) != 3 {
		return
	}
	if !strings.EqualFold(args[0], "REPLCONF") || !strings.EqualFold(args[1], "ACK") {
		return
	}
	offset, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return
	}
	r.ack.Store(offset)
}

func (m *Master) drainOne(r *replicaRecord) {
	select {
	case item, ok := <-r.sendQ.Out():
		if !ok {
			return
		}
		encoded := item.([]byte)
		if err := r.conn.SetWriteDeadline(time.Now().Add(m.tick)); err != nil {
			r.doomed.Store(true)
			return
		}
		if _, err := r.conn.Write(encoded); err != nil {
			r.doomed.Store(true)
		}
	default:
	}
}

func (m *Master) sweepDoomed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.replicas[:0]
	for _, r := range m.replicas {
		if r.doomed.Load() {
			r.conn.Close()
			if m.metrics != nil {
				m.metrics.ReplicasConnected.Dec()
			}
			if m.log != nil {
				m.log.Noticef("replica detached: %s", r.conn.RemoteAddr())
			}
			continue
		}
		kept = append(kept, r)
	}
	m.replicas = kept
}
