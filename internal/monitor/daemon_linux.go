//go:build linux

package monitor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/strombase/dmapool/internal/config"
	"github.com/strombase/dmapool/internal/dmabuf"
	"github.com/strombase/dmapool/internal/pin"
)

// Daemon is the supervising process of one pool: it creates the control
// region, owns the pool's lifetime, serves stats over a per-user Unix
// socket, and unlinks every shared-memory object on the way out.
type Daemon struct {
	cfg   *config.Config
	pool  *dmabuf.Pool
	start time.Time

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewDaemon creates a daemon for the given configuration. Call Run to
// begin operation.
func NewDaemon(cfg *config.Config) *Daemon {
	return &Daemon{
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Run opens the pool as supervisor, starts the socket listener, and
// blocks until a stop request or a termination signal arrives. The pool
// is closed — all segments destroyed and unlinked — before Run returns.
func (d *Daemon) Run() error {
	if err := d.cfg.Validate(); err != nil {
		return err
	}
	if Probe(d.cfg.Group, d.cfg.InstanceID) {
		return fmt.Errorf("pool daemon for %s.%d is already running", d.cfg.Group, d.cfg.InstanceID)
	}

	var pinner pin.Pinner
	switch d.cfg.Pin {
	case "mlock":
		pinner = pin.Mlock{}
	default:
		pinner = pin.Nop{}
	}

	pool, err := dmabuf.Open(d.cfg.PoolConfig(true), pinner)
	if err != nil {
		return fmt.Errorf("opening pool: %w", err)
	}
	d.pool = pool
	d.start = time.Now()

	socketPath := SocketPath(d.cfg.Group, d.cfg.InstanceID)
	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		pool.Close()
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	d.mu.Lock()
	d.listener = listener
	d.mu.Unlock()

	log.WithFields(log.Fields{
		"socket":       socketPath,
		"group":        d.cfg.Group,
		"instance":     d.cfg.InstanceID,
		"segment_size": d.cfg.SegmentSize,
		"max_segments": d.cfg.MaxSegments,
		"min_segments": d.cfg.EffectiveMinSegments(),
	}).Info("pool daemon listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	d.wg.Add(1)
	go d.acceptLoop()

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
	case <-d.done:
		log.Info("stop requested")
	}
	signal.Stop(sigCh)

	listener.Close()
	d.wg.Wait()
	os.Remove(socketPath)

	if err := pool.Close(); err != nil {
		return fmt.Errorf("closing pool: %w", err)
	}
	return nil
}

// Stop asks a running daemon to shut down.
func (d *Daemon) Stop() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConn(conn)
		}()
	}
}

func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		d.reply(conn, &Response{Type: "error", Error: fmt.Sprintf("bad request: %v", err)})
		return
	}

	switch req.Type {
	case "status":
		st := d.pool.Stats()
		d.reply(conn, &Response{Type: "status", Status: &Status{
			Running:        true,
			PID:            os.Getpid(),
			Group:          d.cfg.Group,
			InstanceID:     d.cfg.InstanceID,
			NumSegments:    st.NumSegments,
			ActiveSegments: st.ActiveSegments,
			UptimeSeconds:  int(time.Since(d.start).Seconds()),
		}})
	case "stats":
		st := d.pool.Stats()
		d.reply(conn, &Response{Type: "stats", Stats: &st})
	case "stop":
		d.reply(conn, &Response{Type: "ok"})
		d.Stop()
	default:
		d.reply(conn, &Response{Type: "error", Error: fmt.Sprintf("unknown request type %q", req.Type)})
	}
}

func (d *Daemon) reply(conn net.Conn, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	conn.Write(append(data, '\n'))
}
