package executor

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstainton/redisd/internal/resp"
	"github.com/dstainton/redisd/internal/store"
)

// fakeRepl is a minimal Replication double: propagation just runs
// apply under a mutex and records the encoded bytes, with no real
// replicas attached.
type fakeRepl struct {
	mu       sync.Mutex
	offset   int64
	sent     [][]byte
	attached net.Conn
	waitN    int
}

func (f *fakeRepl) Replid() string            { return "0123456789abcdef0123456789abcdef01234567" }
func (f *fakeRepl) MasterReplOffset() int64   { f.mu.Lock(); defer f.mu.Unlock(); return f.offset }
func (f *fakeRepl) ReplicaCount() int         { return 0 }
func (f *fakeRepl) Attach(conn net.Conn)      { f.attached = conn }
func (f *fakeRepl) WaitForAcks(n int, timeout time.Duration) int {
	f.waitN = n
	return 0
}

func (f *fakeRepl) WithPropagationLock(apply func() (resp.Value, error), encoded []byte) (resp.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, err := apply()
	if err == nil {
		f.sent = append(f.sent, encoded)
		f.offset += int64(len(encoded))
	}
	return v, err
}

func newTestDispatcher() (*Dispatcher, *fakeRepl) {
	fr := &fakeRepl{}
	d := &Dispatcher{
		Store: store.New(),
		Repl:  fr,
		Info:  Info{Dir: ".", DBFilename: "empty.rdb"},
	}
	return d, fr
}

func arrayCmd(parts ...string) resp.Value {
	items := make([]resp.Value, len(parts))
	for i, p := range parts {
		items[i] = resp.NewBulkStringFromString(p)
	}
	return resp.NewArray(items)
}

func handleAndDecode(t *testing.T, s *Session, cmd resp.Value) resp.Value {
	t.Helper()
	var buf bytes.Buffer
	err := s.Handle(&buf, nil, cmd)
	require.NoError(t, err)
	v, _, err := resp.Decode(&buf)
	require.NoError(t, err)
	return v
}

func TestPingEcho(t *testing.T) {
	d, _ := newTestDispatcher()
	s := d.NewSession()
	assert.Equal(t, resp.NewSimpleString("PONG"), handleAndDecode(t, s, arrayCmd("PING")))
	assert.Equal(t, resp.NewBulkStringFromString("hi"), handleAndDecode(t, s, arrayCmd("ECHO", "hi")))
}

func TestSetGetAndType(t *testing.T) {
	d, repl := newTestDispatcher()
	s := d.NewSession()

	reply := handleAndDecode(t, s, arrayCmd("SET", "foo", "bar"))
	assert.Equal(t, resp.NewSimpleString("OK"), reply)
	assert.Len(t, repl.sent, 1, "SET must propagate")

	reply = handleAndDecode(t, s, arrayCmd("GET", "foo"))
	assert.Equal(t, resp.NewBulkStringFromString("bar"), reply)

	reply = handleAndDecode(t, s, arrayCmd("TYPE", "foo"))
	assert.Equal(t, resp.NewSimpleString("string"), reply)
}

func TestGetMissingIsNullBulk(t *testing.T) {
	d, _ := newTestDispatcher()
	s := d.NewSession()
	reply := handleAndDecode(t, s, arrayCmd("GET", "nope"))
	assert.True(t, reply.IsNullBulk())
}

func TestSetExpiryThenGetIsNull(t *testing.T) {
	d, _ := newTestDispatcher()
	s := d.NewSession()
	handleAndDecode(t, s, arrayCmd("SET", "n", "10", "PX", "5"))
	time.Sleep(20 * time.Millisecond)
	reply := handleAndDecode(t, s, arrayCmd("GET", "n"))
	assert.True(t, reply.IsNullBulk())
}

func TestIncrSequence(t *testing.T) {
	d, _ := newTestDispatcher()
	s := d.NewSession()
	for i, want := range []int64{1, 2, 3} {
		reply := handleAndDecode(t, s, arrayCmd("INCR", "c"))
		assert.Equal(t, resp.NewInteger(want), reply, "iteration %d", i)
	}
}

func TestIncrNotIntegerError(t *testing.T) {
	d, _ := newTestDispatcher()
	s := d.NewSession()
	handleAndDecode(t, s, arrayCmd("SET", "c", "hi"))
	reply := handleAndDecode(t, s, arrayCmd("INCR", "c"))
	assert.Equal(t, resp.SimpleError, reply.Kind)
	assert.Equal(t, "ERR value is not an integer or out of range", reply.Str)
}

func TestXAddAndXRange(t *testing.T) {
	d, _ := newTestDispatcher()
	s := d.NewSession()
	handleAndDecode(t, s, arrayCmd("XADD", "st", "1-1", "a", "1"))
	reply := handleAndDecode(t, s, arrayCmd("XADD", "st", "1-1", "a", "2"))
	assert.Equal(t, resp.SimpleError, reply.Kind)
	assert.Contains(t, reply.Str, "ERR")

	reply = handleAndDecode(t, s, arrayCmd("XADD", "st", "1-2", "a", "2"))
	assert.Equal(t, resp.NewBulkStringFromString("1-2"), reply)

	reply = handleAndDecode(t, s, arrayCmd("XRANGE", "st", "-", "+"))
	require.Equal(t, resp.Array, reply.Kind)
	assert.Len(t, reply.Items, 2)
}

func TestMultiExec(t *testing.T) {
	d, _ := newTestDispatcher()
	s := d.NewSession()

	assert.Equal(t, resp.NewSimpleString("OK"), handleAndDecode(t, s, arrayCmd("MULTI")))
	assert.Equal(t, resp.NewSimpleString("QUEUED"), handleAndDecode(t, s, arrayCmd("SET", "x", "1")))
	assert.Equal(t, resp.NewSimpleString("QUEUED"), handleAndDecode(t, s, arrayCmd("INCR", "x")))
	assert.Equal(t, resp.NewSimpleString("QUEUED"), handleAndDecode(t, s, arrayCmd("GET", "x")))

	reply := handleAndDecode(t, s, arrayCmd("EXEC"))
	require.Equal(t, resp.Array, reply.Kind)
	require.Len(t, reply.Items, 3)
	assert.Equal(t, resp.NewSimpleString("OK"), reply.Items[0])
	assert.Equal(t, resp.NewInteger(2), reply.Items[1])
	assert.Equal(t, resp.NewBulkStringFromString("2"), reply.Items[2])
}

func TestExecWithoutMulti(t *testing.T) {
	d, _ := newTestDispatcher()
	s := d.NewSession()
	reply := handleAndDecode(t, s, arrayCmd("EXEC"))
	assert.Equal(t, resp.SimpleError, reply.Kind)
	assert.Equal(t, "ERR EXEC without MULTI", reply.Str)
}

func TestConfigGetKnownAndUnknownFields(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Info.Dir = "/data"
	s := d.NewSession()

	reply := handleAndDecode(t, s, arrayCmd("CONFIG", "GET", "dir"))
	require.Equal(t, resp.Array, reply.Kind)
	assert.Equal(t, []byte("/data"), reply.Items[1].Bulk)

	reply = handleAndDecode(t, s, arrayCmd("CONFIG", "GET", "bogus"))
	assert.Equal(t, resp.SimpleError, reply.Kind)
	assert.Equal(t, "Error, unknown config field", reply.Str)
}

func TestInfoReportsRoleAndOffset(t *testing.T) {
	d, repl := newTestDispatcher()
	repl.offset = 42
	s := d.NewSession()
	reply := handleAndDecode(t, s, arrayCmd("INFO"))
	require.Equal(t, resp.BulkString, reply.Kind)
	assert.Contains(t, string(reply.Bulk), "role:master")
	assert.Contains(t, string(reply.Bulk), "master_repl_offset:42")
}

func TestUnsupportedCommand(t *testing.T) {
	d, _ := newTestDispatcher()
	s := d.NewSession()
	reply := handleAndDecode(t, s, arrayCmd("FROBNICATE"))
	assert.Equal(t, resp.SimpleError, reply.Kind)
	assert.Equal(t, "Error, unsupported command", reply.Str)
}

func TestXReadBlockingWakesOnWrite(t *testing.T) {
	d, _ := newTestDispatcher()
	s := d.NewSession()

	done := make(chan resp.Value, 1)
	go func() {
		done <- handleAndDecode(t, s, arrayCmd("XREAD", "BLOCK", "0", "STREAMS", "st", "$"))
	}()

	time.Sleep(20 * time.Millisecond)
	other := d.NewSession()
	handleAndDecode(t, other, arrayCmd("XADD", "st", "5-5", "a", "1"))

	select {
	case reply := <-done:
		require.Equal(t, resp.Array, reply.Kind)
		require.Len(t, reply.Items, 1)
		assert.Equal(t, []byte("st"), reply.Items[0].Items[0].Bulk)
	case <-time.After(time.Second):
		t.Fatal("blocking XREAD never woke up")
	}
}

func TestPSYNCPromotesConnection(t *testing.T) {
	d, repl := newTestDispatcher()
	s := d.NewSession()
	repl.offset = 10

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Handle(server, server, arrayCmd("PSYNC", "?", "-1"))
	}()

	fullresync, _, err := resp.Decode(client)
	require.NoError(t, err)
	assert.Equal(t, resp.SimpleString, fullresync.Kind)
	assert.Contains(t, fullresync.Str, "FULLRESYNC")
	assert.Contains(t, fullresync.Str, "10")

	_, err = resp.DecodeSnapshot(client)
	require.NoError(t, err)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPromoted)
	case <-time.After(time.Second):
		t.Fatal("handlePSYNC did not return")
	}
	assert.Same(t, server, repl.attached)
}
