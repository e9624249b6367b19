// Package executor implements the per-connection command loop: request
// parsing, dispatch, transaction batching, and the write-propagation
// gate described in the component design.
//
// It depends on internal/store directly but never imports
// internal/replication — instead it declares the narrow Replication
// interface below, which *replication.Master satisfies structurally.
// This keeps the dependency edge one-way. The replica-inbound side does
// not go through a Dispatcher: internal/replication applies the
// master's propagated commands to the store itself.
package executor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dstainton/redisd/internal/metrics"
	"github.com/dstainton/redisd/internal/resp"
	"github.com/dstainton/redisd/internal/store"
)

// Sentinel errors rendered verbatim to the wire as simple errors.
var (
	ErrUnsupportedCommand = errors.New("Error, unsupported command")
	ErrExecWithoutMulti   = errors.New("ERR EXEC without MULTI")
	ErrUnknownConfigField = errors.New("Error, unknown config field")
)

// ErrPromoted is returned by Handle once a PSYNC has handed the
// connection off to the replication engine. The caller's read loop
// must stop calling Handle on this socket.
var ErrPromoted = errors.New("executor: connection promoted to replication sink")

// Replication is the write-propagation gate, WAIT, and PSYNC-accept
// surface the executor needs from the replication engine.
type Replication interface {
	// Replid returns the fixed 40-character master replication id.
	Replid() string
	// MasterReplOffset returns the current propagated byte offset.
	MasterReplOffset() int64
	// ReplicaCount returns the number of currently attached replicas.
	ReplicaCount() int
	// WithPropagationLock runs apply under the master's serializing
	// replication mutex. If apply returns a nil error, encoded is
	// appended to every replica's send queue and the master offset
	// advances by len(encoded) before the mutex releases.
	WithPropagationLock(apply func() (resp.Value, error), encoded []byte) (resp.Value, error)
	// WaitForAcks implements the WAIT command, including the
	// edge case where nothing has ever been propagated yet.
	WaitForAcks(n int, timeout time.Duration) int
	// Attach registers conn as a replica record, taking ownership of
	// the socket from the executor.
	Attach(conn net.Conn)
}

// Info is the read-only process configuration CONFIG/INFO reply from.
type Info struct {
	Dir        string
	DBFilename string
	IsReplica  bool
}

// Dispatcher holds the state shared by every connection's Session: the
// store and the replication gate. Metrics is optional; a nil Metrics
// skips instrumentation entirely.
type Dispatcher struct {
	Store   *store.Store
	Repl    Replication
	Metrics *metrics.Metrics
	Info    Info
}

// NewSession returns a fresh per-connection session, not currently
// inside a transaction.
func (d *Dispatcher) NewSession() *Session {
	return &Session{d: d}
}

// Session is one connection's executor state machine: whether it is
// currently queuing a transaction batch, and the queue itself.
type Session struct {
	d       *Dispatcher
	inMulti bool
	queue   []resp.Value
}

// Handle executes one already-decoded command frame and writes its
// reply to w. PSYNC is the one command that writes more than a single
// generic reply (a FULLRESYNC line, then a snapshot frame) and hands
// the connection to the replication engine; Handle returns ErrPromoted
// in that case and conn must not be used for client commands again.
func (s *Session) Handle(w io.Writer, conn net.Conn, cmd resp.Value) error {
	args, ok := cmd.BulkStrings()
	if !ok || len(args) == 0 {
		return fmt.Errorf("executor: command frame must be a non-empty array of bulk strings")
	}
	name := strings.ToUpper(args[0])

	if name == "PSYNC" {
		return s.handlePSYNC(w, conn)
	}

	if s.inMulti && name != "EXEC" && name != "MULTI" {
		s.queue = append(s.queue, cmd)
		return resp.Encode(w, resp.NewSimpleString("QUEUED"))
	}

	switch name {
	case "MULTI":
		// A nested MULTI is acknowledged but never queued, and must not
		// discard commands already batched.
		if !s.inMulti {
			s.inMulti = true
			s.queue = nil
		}
		return resp.Encode(w, resp.NewSimpleString("OK"))

	case "EXEC":
		if !s.inMulti {
			return resp.Encode(w, resp.NewSimpleError(ErrExecWithoutMulti.Error()))
		}
		queued := s.queue
		s.inMulti = false
		s.queue = nil
		replies := make([]resp.Value, 0, len(queued))
		for _, qc := range queued {
			qargs, _ := qc.BulkStrings()
			replies = append(replies, s.execOne(qc, qargs))
		}
		return resp.Encode(w, resp.NewArray(replies))
	}

	return resp.Encode(w, s.execOne(cmd, args))
}

// execOne dispatches a single non-MULTI/EXEC/PSYNC command to its
// reply value, without writing anything — used both for a connection's
// top-level command and for each command replayed out of an EXEC
// queue.
func (s *Session) execOne(cmd resp.Value, args []string) resp.Value {
	if len(args) == 0 {
		return resp.NewSimpleError(ErrUnsupportedCommand.Error())
	}
	name := strings.ToUpper(args[0])
	rest := args[1:]

	if s.d.Metrics != nil {
		s.d.Metrics.CommandsProcessed.WithLabelValues(name).Inc()
	}

	switch name {
	case "PING":
		return resp.NewSimpleString("PONG")
	case "ECHO":
		if len(rest) != 1 {
			return resp.NewSimpleError(ErrUnsupportedCommand.Error())
		}
		return resp.NewBulkStringFromString(rest[0])
	case "GET":
		return s.cmdGet(rest)
	case "SET":
		return s.cmdSet(cmd, rest)
	case "INCR":
		return s.cmdIncr(cmd, rest)
	case "TYPE":
		return s.cmdType(rest)
	case "KEYS":
		return s.cmdKeys(rest)
	case "XADD":
		return s.cmdXAdd(rest)
	case "XRANGE":
		return s.cmdXRange(rest)
	case "XREAD":
		return s.cmdXRead(rest)
	case "CONFIG":
		return s.cmdConfig(rest)
	case "INFO":
		return s.cmdInfo(rest)
	case "WAIT":
		return s.cmdWait(rest)
	case "REPLCONF":
		return s.cmdReplconf(rest)
	default:
		return resp.NewSimpleError(ErrUnsupportedCommand.Error())
	}
}

// propagate runs apply through the replication gate, encoding cmd
// exactly as received so every replica's send queue and the master
// offset reflect the bytes actually applied.
func (s *Session) propagate(cmd resp.Value, apply func() (resp.Value, error)) resp.Value {
	encoded := resp.EncodeBytes(cmd)
	v, err := s.d.Repl.WithPropagationLock(apply, encoded)
	if err != nil {
		return resp.NewSimpleError(err.Error())
	}
	return v
}

func (s *Session) cmdGet(args []string) resp.Value {
	if len(args) != 1 {
		return resp.NewSimpleError(ErrUnsupportedCommand.Error())
	}
	v, ok := s.d.Store.Get(args[0])
	if !ok {
		return resp.NewNullBulkString()
	}
	if v.Kind != store.KindString {
		return resp.NewSimpleError(store.ErrWrongType.Error())
	}
	return resp.NewBulkString(v.Str)
}

func (s *Session) cmdSet(cmd resp.Value, args []string) resp.Value {
	if len(args) < 2 {
		return resp.NewSimpleError(ErrUnsupportedCommand.Error())
	}
	key, val := args[0], args[1]

	var expireAt *time.Time
	for i := 2; i < len(args); i++ {
		if !strings.EqualFold(args[i], "PX") {
			continue // unknown trailing options are ignored
		}
		if i+1 >= len(args) {
			return resp.NewSimpleError(ErrUnsupportedCommand.Error())
		}
		ms, err := strconv.ParseInt(args[i+1], 10, 64)
		if err != nil || ms <= 0 {
			return resp.NewSimpleError(ErrUnsupportedCommand.Error())
		}
		t := time.Now().Add(time.Duration(ms) * time.Millisecond)
		expireAt = &t
		i++
	}

	return s.propagate(cmd, func() (resp.Value, error) {
		s.d.Store.Set(key, store.StringValue([]byte(val)), expireAt)
		return resp.NewSimpleString("OK"), nil
	})
}

func (s *Session) cmdIncr(cmd resp.Value, args []string) resp.Value {
	if len(args) != 1 {
		return resp.NewSimpleError(ErrUnsupportedCommand.Error())
	}
	key := args[0]
	return s.propagate(cmd, func() (resp.Value, error) {
		n, err := s.d.Store.Increment(key)
		if err != nil {
			return resp.Value{}, err
		}
		return resp.NewInteger(n), nil
	})
}

func (s *Session) cmdType(args []string) resp.Value {
	if len(args) != 1 {
		return resp.NewSimpleError(ErrUnsupportedCommand.Error())
	}
	return resp.NewSimpleString(s.d.Store.Type(args[0]))
}

// cmdKeys tolerates the conventional "*" pattern argument without
// interpreting it: every non-expired key is returned either way.
func (s *Session) cmdKeys(args []string) resp.Value {
	if len(args) > 1 {
		return resp.NewSimpleError(ErrUnsupportedCommand.Error())
	}
	keys := s.d.Store.Keys()
	items := make([]resp.Value, len(keys))
	for i, k := range keys {
		items[i] = resp.NewBulkStringFromString(k)
	}
	return resp.NewArray(items)
}

func (s *Session) cmdXAdd(args []string) resp.Value {
	if len(args) < 2 || len(args[2:])%2 != 0 {
		return resp.NewSimpleError(ErrUnsupportedCommand.Error())
	}
	key, idSpec := args[0], args[1]
	fieldArgs := args[2:]
	fields := make([]store.Field, 0, len(fieldArgs)/2)
	for i := 0; i < len(fieldArgs); i += 2 {
		fields = append(fields, store.Field{Field: fieldArgs[i], Value: fieldArgs[i+1]})
	}
	// XADD deliberately does not go through propagate: only SET and
	// INCR replicate, so replicas never see stream mutations.
	id, err := s.d.Store.XAdd(key, idSpec, fields)
	if err != nil {
		return resp.NewSimpleError(err.Error())
	}
	return resp.NewBulkStringFromString(id)
}

func (s *Session) cmdXRange(args []string) resp.Value {
	if len(args) != 3 {
		return resp.NewSimpleError(ErrUnsupportedCommand.Error())
	}
	entries, err := s.d.Store.XRange(args[0], args[1], args[2])
	if err != nil {
		return resp.NewSimpleError(err.Error())
	}
	return entriesToValue(entries)
}

func entriesToValue(entries []store.Entry) resp.Value {
	items := make([]resp.Value, len(entries))
	for i, e := range entries {
		fields := make([]resp.Value, 0, len(e.Fields)*2)
		for _, f := range e.Fields {
			fields = append(fields, resp.NewBulkStringFromString(f.Field), resp.NewBulkStringFromString(f.Value))
		}
		items[i] = resp.NewArray([]resp.Value{
			resp.NewBulkStringFromString(e.ID()),
			resp.NewArray(fields),
		})
	}
	return resp.NewArray(items)
}

func (s *Session) cmdXRead(args []string) resp.Value {
	i := 0
	var block *time.Duration
	for i < len(args) && !strings.EqualFold(args[i], "STREAMS") {
		if strings.EqualFold(args[i], "BLOCK") {
			if i+1 >= len(args) {
				return resp.NewSimpleError(ErrUnsupportedCommand.Error())
			}
			ms, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || ms < 0 {
				return resp.NewSimpleError(ErrUnsupportedCommand.Error())
			}
			d := time.Duration(ms) * time.Millisecond
			block = &d
			i += 2
			continue
		}
		i++ // unknown leading option ignored
	}
	if i >= len(args) {
		return resp.NewSimpleError(ErrUnsupportedCommand.Error())
	}
	i++ // past STREAMS
	remaining := args[i:]
	if len(remaining) == 0 || len(remaining)%2 != 0 {
		return resp.NewSimpleError(ErrUnsupportedCommand.Error())
	}
	half := len(remaining) / 2
	keys := append([]string(nil), remaining[:half]...)
	ids := append([]string(nil), remaining[half:]...)

	if block == nil {
		return s.xreadOnce(keys, ids)
	}

	// Resolve any "$" before sleeping/registering, so a wakeup only
	// observes entries added from this instant forward.
	s.d.Store.XReadIDs(keys, ids)

	if *block == 0 {
		if v := s.xreadOnce(keys, ids); v.Kind == resp.Array {
			return v
		}
		sub := s.d.Store.Subscribe(keys)
		sub.Wait()
		return s.xreadOnce(keys, ids)
	}

	time.Sleep(*block)
	return s.xreadOnce(keys, ids)
}

func (s *Session) xreadOnce(keys, ids []string) resp.Value {
	groups, err := s.d.Store.XRead(keys, ids)
	if err != nil {
		return resp.NewSimpleError(err.Error())
	}
	if len(groups) == 0 {
		return resp.NewNull()
	}
	items := make([]resp.Value, len(groups))
	for i, g := range groups {
		items[i] = resp.NewArray([]resp.Value{
			resp.NewBulkStringFromString(g.Key),
			entriesToValue(g.Entries),
		})
	}
	return resp.NewArray(items)
}

func (s *Session) cmdConfig(args []string) resp.Value {
	if len(args) != 2 || !strings.EqualFold(args[0], "GET") {
		return resp.NewSimpleError(ErrUnsupportedCommand.Error())
	}
	field := args[1]
	var value string
	switch strings.ToLower(field) {
	case "dir":
		value = s.d.Info.Dir
	case "dbfilename":
		value = s.d.Info.DBFilename
	default:
		return resp.NewSimpleError(ErrUnknownConfigField.Error())
	}
	return resp.NewArray([]resp.Value{
		resp.NewBulkStringFromString(field),
		resp.NewBulkStringFromString(value),
	})
}

// cmdInfo tolerates an optional section argument ("INFO replication")
// without filtering on it: the replication section is all there is.
func (s *Session) cmdInfo(args []string) resp.Value {
	if len(args) > 1 {
		return resp.NewSimpleError(ErrUnsupportedCommand.Error())
	}
	role := "master"
	if s.d.Info.IsReplica {
		role = "slave"
	}
	body := fmt.Sprintf("role:%s\nmaster_replid:%s\nmaster_repl_offset:%d\n",
		role, s.d.Repl.Replid(), s.d.Repl.MasterReplOffset())
	return resp.NewBulkStringFromString(body)
}

func (s *Session) cmdWait(args []string) resp.Value {
	if len(args) != 2 {
		return resp.NewSimpleError(ErrUnsupportedCommand.Error())
	}
	n, err1 := strconv.Atoi(args[0])
	timeoutMS, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil {
		return resp.NewSimpleError(ErrUnsupportedCommand.Error())
	}
	got := s.d.Repl.WaitForAcks(n, time.Duration(timeoutMS)*time.Millisecond)
	return resp.NewInteger(int64(got))
}

// cmdReplconf handles the client-facing half of REPLCONF: the
// handshake exchanges ("listening-port <port>", "capa psync2") a
// soon-to-be replica sends before issuing PSYNC. REPLCONF ACK/GETACK
// traffic on an already-promoted link is handled entirely inside
// internal/replication, not here.
func (s *Session) cmdReplconf(args []string) resp.Value {
	if len(args) == 0 {
		return resp.NewSimpleError(ErrUnsupportedCommand.Error())
	}
	return resp.NewSimpleString("OK")
}

func (s *Session) handlePSYNC(w io.Writer, conn net.Conn) error {
	replid := s.d.Repl.Replid()
	offset := s.d.Repl.MasterReplOffset()
	line := resp.NewSimpleString(fmt.Sprintf("FULLRESYNC %s %d", replid, offset))
	if err := resp.Encode(w, line); err != nil {
		return err
	}

	snapshot, err := os.ReadFile(filepath.Join(s.d.Info.Dir, s.d.Info.DBFilename))
	if err != nil {
		snapshot = nil // no snapshot file yet: an empty one is sent instead
	}
	if _, err := w.Write(resp.EncodeSnapshot(snapshot)); err != nil {
		return err
	}

	s.d.Repl.Attach(conn)
	return ErrPromoted
}
