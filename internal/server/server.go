// Package server is the glue: TCP acceptor, per-connection lifecycle,
// and the shared process state passed by reference to every worker.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/netutil"
	"gopkg.in/op/go-logging.v1"

	"github.com/dstainton/redisd/internal/config"
	"github.com/dstainton/redisd/internal/executor"
	"github.com/dstainton/redisd/internal/metrics"
	"github.com/dstainton/redisd/internal/rdb"
	"github.com/dstainton/redisd/internal/replication"
	"github.com/dstainton/redisd/internal/resp"
	"github.com/dstainton/redisd/internal/store"
	"github.com/dstainton/redisd/internal/worker"
)

// maxConnections bounds concurrent inbound client connections.
const maxConnections = 10000

// Server is the process's shared state: the store, the replication
// engine, and (if configured as a replica) the inbound link to a
// master. Every field is safe for concurrent use by its own
// synchronization; Server itself is never copied, only passed by
// pointer.
type Server struct {
	worker.Worker

	cfg     *config.Config
	store   *store.Store
	master  *replication.Master
	replica *replication.Replica
	metrics *metrics.Metrics
	log     *logging.Logger
}

// New constructs a Server: it loads the snapshot file (master mode
// only — a replica starts empty) and performs the replica handshake
// synchronously if --replicaof was given. A handshake failure is
// returned to the caller, which must print one line and exit without
// serving.
func New(cfg *config.Config, log *logging.Logger) (*Server, error) {
	s := &Server{
		cfg: cfg,
		log: log,
	}

	if cfg.MetricsAddr != "" {
		s.metrics = metrics.New()
	}

	s.store = store.New()
	s.master = replication.NewMaster(log, replication.DefaultTick, s.metrics)

	if host, port, ok := cfg.ReplicaOfAddr(); ok {
		repl, err := replication.Handshake(fmt.Sprintf("%s:%d", host, port), cfg.Port, s.store, log)
		if err != nil {
			return nil, err
		}
		s.replica = repl
		s.Go(s.replica.Run)
	} else {
		path := cfg.Dir + "/" + cfg.DBFilename
		if err := rdb.Load(path, s.store); err != nil {
			return nil, fmt.Errorf("server: loading snapshot: %w", err)
		}
	}

	return s, nil
}

// replicaRepl overlays the inbound master link's identity on the local
// replication engine: INFO on a replica reports the handshake-learned
// replid and the byte offset actually applied from the master stream,
// while propagation duties (for this process's own clients) still fall
// through to the embedded Master.
type replicaRepl struct {
	*replication.Master
	replica *replication.Replica
}

func (r replicaRepl) Replid() string          { return r.replica.Replid() }
func (r replicaRepl) MasterReplOffset() int64 { return r.replica.Offset() }

func (s *Server) dispatcher() *executor.Dispatcher {
	var repl executor.Replication = s.master
	if s.replica != nil {
		repl = replicaRepl{Master: s.master, replica: s.replica}
	}
	return &executor.Dispatcher{
		Store:   s.store,
		Repl:    repl,
		Metrics: s.metrics,
		Info: executor.Info{
			Dir:        s.cfg.Dir,
			DBFilename: s.cfg.DBFilename,
			IsReplica:  s.replica != nil,
		},
	}
}

// Serve accepts connections on ln until ctx is cancelled or Close is
// called. It blocks until the listener is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ln = netutil.LimitListener(ln, maxConnections)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.metrics != nil {
		s.Go(func() {
			if err := s.metrics.Serve(ctx, s.cfg.MetricsAddr); err != nil && s.log != nil {
				s.log.Warningf("metrics listener stopped: %v", err)
			}
		})
	}

	s.Go(func() {
		select {
		case <-ctx.Done():
		case <-s.HaltCh():
		}
		ln.Close()
	})

	d := s.dispatcher()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		if s.metrics != nil {
			s.metrics.ConnectionsAccepted.Inc()
			s.metrics.ConnectionsActive.Inc()
		}
		s.Go(func() { s.serveConn(d, conn) })
	}
}

// serveConn runs the executor loop: decode one frame, dispatch, encode
// one reply, repeat — until a decode error closes the connection or
// PSYNC promotes it to a replication sink.
func (s *Server) serveConn(d *executor.Dispatcher, conn net.Conn) {
	defer func() {
		if s.metrics != nil {
			s.metrics.ConnectionsActive.Dec()
		}
	}()

	// Close halts the server while this loop may be blocked reading;
	// closing conn on halt unblocks it. A promoted connection is left
	// open for the replication engine.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.HaltCh():
			conn.Close()
		case <-stop:
		}
	}()

	session := d.NewSession()
	for {
		cmd, _, err := resp.Decode(conn)
		if err != nil {
			conn.Close()
			return
		}
		if err := session.Handle(conn, conn, cmd); err != nil {
			if errors.Is(err, executor.ErrPromoted) {
				// Master.Attach already accounts for the new replica in
				// the replicas-connected gauge.
				return
			}
			conn.Close()
			return
		}
	}
}

// Close halts every background worker owned by the server (the
// propagation loop, the replica-inbound loop if any, the metrics
// listener, the listener and every client connection still being
// served).
func (s *Server) Close() {
	if s.replica != nil {
		s.replica.Halt()
	}
	s.master.Halt()
	s.Halt()
}
