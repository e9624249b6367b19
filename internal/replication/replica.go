package replication

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/dstainton/redisd/internal/resp"
	"github.com/dstainton/redisd/internal/store"
	"github.com/dstainton/redisd/internal/worker"
)

// Replica is the replica side of the link: the handshake client plus
// the long-lived inbound executor that applies the master's propagated
// commands and tracks the byte offset it has consumed.
type Replica struct {
	worker.Worker

	conn   net.Conn
	store  *store.Store
	log    *logging.Logger
	replid string
	offset atomic.Int64
}

// ErrHandshakeFailed wraps any deviation during the replica handshake;
// a handshake failure is fatal for process startup.
type ErrHandshakeFailed struct {
	Step string
	Err  error
}

func (e *ErrHandshakeFailed) Error() string {
	return fmt.Sprintf("replication: handshake step %q failed: %v", e.Step, e.Err)
}

func (e *ErrHandshakeFailed) Unwrap() error { return e.Err }

func sendCommand(conn net.Conn, parts ...string) error {
	items := make([]resp.Value, len(parts))
	for i, p := range parts {
		items[i] = resp.NewBulkStringFromString(p)
	}
	return resp.Encode(conn, resp.NewArray(items))
}

func expectSimpleString(conn net.Conn, step string) (string, error) {
	v, _, err := resp.Decode(conn)
	if err != nil {
		return "", &ErrHandshakeFailed{Step: step, Err: err}
	}
	if v.Kind != resp.SimpleString {
		return "", &ErrHandshakeFailed{Step: step, Err: fmt.Errorf("expected simple string, got kind %d", v.Kind)}
	}
	return v.Str, nil
}

// Handshake runs the synchronous replica handshake against masterAddr,
// returning a Replica ready to run its inbound executor. Any deviation
// is returned as *ErrHandshakeFailed.
func Handshake(masterAddr string, listeningPort int, s *store.Store, log *logging.Logger) (*Replica, error) {
	conn, err := net.Dial("tcp", masterAddr)
	if err != nil {
		return nil, &ErrHandshakeFailed{Step: "dial", Err: err}
	}

	if err := sendCommand(conn, "PING"); err != nil {
		conn.Close()
		return nil, &ErrHandshakeFailed{Step: "PING", Err: err}
	}
	if reply, err := expectSimpleString(conn, "PING"); err != nil {
		conn.Close()
		return nil, err
	} else if !strings.EqualFold(reply, "PONG") {
		conn.Close()
		return nil, &ErrHandshakeFailed{Step: "PING", Err: fmt.Errorf("unexpected reply %q", reply)}
	}

	if err := sendCommand(conn, "REPLCONF", "listening-port", strconv.Itoa(listeningPort)); err != nil {
		conn.Close()
		return nil, &ErrHandshakeFailed{Step: "REPLCONF listening-port", Err: err}
	}
	if reply, err := expectSimpleString(conn, "REPLCONF listening-port"); err != nil {
		conn.Close()
		return nil, err
	} else if !strings.EqualFold(reply, "OK") {
		conn.Close()
		return nil, &ErrHandshakeFailed{Step: "REPLCONF listening-port", Err: fmt.Errorf("unexpected reply %q", reply)}
	}

	if err := sendCommand(conn, "REPLCONF", "capa", "psync2"); err != nil {
		conn.Close()
		return nil, &ErrHandshakeFailed{Step: "REPLCONF capa", Err: err}
	}
	if reply, err := expectSimpleString(conn, "REPLCONF capa"); err != nil {
		conn.Close()
		return nil, err
	} else if !strings.EqualFold(reply, "OK") {
		conn.Close()
		return nil, &ErrHandshakeFailed{Step: "REPLCONF capa", Err: fmt.Errorf("unexpected reply %q", reply)}
	}

	if err := sendCommand(conn, "PSYNC", "?", "-1"); err != nil {
		conn.Close()
		return nil, &ErrHandshakeFailed{Step: "PSYNC", Err: err}
	}
	fullresync, err := expectSimpleString(conn, "PSYNC")
	if err != nil {
		conn.Close()
		return nil, err
	}
	fields := strings.Fields(fullresync)
	if len(fields) != 3 || !strings.EqualFold(fields[0], "FULLRESYNC") {
		conn.Close()
		return nil, &ErrHandshakeFailed{Step: "PSYNC", Err: fmt.Errorf("malformed FULLRESYNC reply %q", fullresync)}
	}
	replid := fields[1]
	startOffset, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		conn.Close()
		return nil, &ErrHandshakeFailed{Step: "PSYNC", Err: fmt.Errorf("bad offset in %q", fullresync)}
	}

	// The snapshot frame is read and discarded rather than loaded: the
	// replica starts empty and relies entirely on the propagation
	// stream from this point forward.
	if _, err := resp.DecodeSnapshot(conn); err != nil {
		conn.Close()
		return nil, &ErrHandshakeFailed{Step: "snapshot", Err: err}
	}

	r := &Replica{conn: conn, store: s, log: log, replid: replid}
	r.offset.Store(startOffset)
	return r, nil
}

// Offset returns the number of bytes this replica has applied from its
// inbound master stream.
func (r *Replica) Offset() int64 { return r.offset.Load() }

// Replid returns the master replication id learned during handshake.
func (r *Replica) Replid() string { return r.replid }

// Run drives the replica-inbound executor until the connection closes
// or Halt is called.
func (r *Replica) Run() {
	r.Go(func() {
		<-r.HaltCh()
		r.conn.Close()
	})
	for {
		v, n, err := resp.Decode(r.conn)
		if err != nil {
			if r.log != nil {
				r.log.Errorf("replica inbound link closed: %v", err)
			}
			return
		}
		// Advance the offset before applying so a GETACK's reply (sent
		// from inside apply) reports this frame as already accounted
		// for.
		r.offset.Add(n)
		r.apply(v)
	}
}

// apply honors only SET, INCR, and REPLCONF on the replica-inbound
// link; any other command is ignored without a reply, but still
// counted toward the offset advance in Run.
func (r *Replica) apply(cmd resp.Value) {
	args, ok := cmd.BulkStrings()
	if !ok || len(args) == 0 {
		return
	}
	switch strings.ToUpper(args[0]) {
	case "SET":
		r.applySet(args[1:])
	case "INCR":
		if len(args) == 2 {
			_, _ = r.store.Increment(args[1])
		}
	case "REPLCONF":
		r.applyReplconf(args[1:])
	}
}

func (r *Replica) applySet(args []string) {
	if len(args) < 2 {
		return
	}
	key, val := args[0], args[1]
	var expireAt *time.Time
	for i := 2; i < len(args); i++ {
		if strings.EqualFold(args[i], "PX") && i+1 < len(args) {
			if ms, err := strconv.ParseInt(args[i+1], 10, 64); err == nil && ms > 0 {
				t := time.Now().Add(time.Duration(ms) * time.Millisecond)
				expireAt = &t
			}
			i++
		}
	}
	r.store.Set(key, store.StringValue([]byte(val)), expireAt)
}

func (r *Replica) applyReplconf(args []string) {
	if len(args) == 2 && strings.EqualFold(args[0], "GETACK") {
		_ = sendCommand(r.conn, "REPLCONF", "ACK", strconv.FormatInt(r.offset.Load(), 10))
	}
}
