// Package tunnel keeps a reverse SSH tunnel open so the bridge port is
// reachable through a relay host when the gateway sits behind NAT.  It
// is the equivalent of `ssh -N -R bind:port:127.0.0.1:<bridge>`.
//
// The tunnel lives entirely on its own goroutines; the control loop
// only calls Start and Close.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"gwbridge/config"
	gwerrors "gwbridge/internal/errors"
	"gwbridge/internal/metrics"
	"gwbridge/internal/retry"
	"gwbridge/util"
)

// Config holds everything needed to hold a reverse tunnel open.
type Config struct {
	Host          string
	Port          int
	User          string
	KeyPath       string
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string

	RemoteBind string
	RemotePort int

	// Local is the service forwarded connections are spliced to.
	Local string

	ConnTimeout time.Duration
	KeepAlive   time.Duration // 0 disables keepalive
	Backoff     *retry.Backoff
}

// FromSettings maps the persisted tunnel section onto a Config that
// targets the bridge on localPort.
func FromSettings(t config.Tunnel, localPort int) *Config {
	return &Config{
		Host:          t.Host,
		Port:          t.Port,
		User:          t.User,
		KeyPath:       t.KeyPath,
		UseAgent:      t.UseAgent,
		StrictHostKey: t.StrictHostKey,
		KnownHosts:    t.KnownHostsPath,
		RemoteBind:    t.RemoteBind,
		RemotePort:    t.RemotePort,
		Local:         net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort)),
		KeepAlive:     time.Duration(t.KeepAlive) * time.Second,
	}
}

// Reverse is a self-healing reverse tunnel.
type Reverse struct {
	cfg     *Config
	logger  *util.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	client   *ssh.Client
	listener net.Listener
	wg       sync.WaitGroup

	alive atomic.Bool
}

// New returns a stopped tunnel.  m may be nil.
func New(cfg *Config, logger *util.Logger, m *metrics.Collector) *Reverse {
	if cfg.Port == 0 {
		cfg.Port = config.DefaultSSHPort
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 15 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = &retry.Backoff{InitialDelay: time.Second, MaxDelay: time.Minute, Jitter: true}
	}
	return &Reverse{cfg: cfg, logger: logger, metrics: m}
}

// Alive reports whether the remote forward is currently established.
func (r *Reverse) Alive() bool { return r.alive.Load() }

// Start launches the supervisor.  It returns immediately; repeated
// calls are no-ops.
func (r *Reverse) Start(ctx context.Context) error {
	if r.cfg.Host == "" || r.cfg.RemotePort == 0 {
		return fmt.Errorf("tunnel: host and remote port required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.supervise(ctx)
	return nil
}

// Close stops the supervisor and every forward.  Idempotent.
func (r *Reverse) Close() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.cancel()
	r.teardownLocked()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("tunnel close: timeout waiting for forwards")
	}
}

// ── supervision ──────────────────────────────────────────────────────

func (r *Reverse) supervise(ctx context.Context) {
	defer r.wg.Done()

	b := *r.cfg.Backoff
	b.OnRetry = func(attempt int, err error) {
		r.logger.Warn("tunnel attempt %d: %v", attempt, err)
		r.metrics.RecordError(err.Error())
	}

	for first := true; ctx.Err() == nil; first = false {
		if !first {
			r.metrics.TunnelReconnect()
			r.logger.Info("tunnel: reconnecting")
		}
		err := b.Do(ctx, func(int) error { return r.connect(ctx) })
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("tunnel: %v", err)
			}
			return
		}
		r.serve(ctx)
	}
}

// connect dials the relay and asks for the remote forward.
func (r *Reverse) connect(ctx context.Context) error {
	client, err := r.dial(ctx)
	if err != nil {
		return err
	}
	ln, err := listenRemote(client, r.cfg.RemoteBind, r.cfg.RemotePort)
	if err != nil {
		client.Close()
		return gwerrors.WrapSSH("forward", r.cfg.Host, r.cfg.Port, err)
	}

	r.mu.Lock()
	r.client, r.listener = client, ln
	r.mu.Unlock()
	r.alive.Store(true)

	r.logger.Info("tunnel established: %s:%d on %s -> %s",
		r.cfg.RemoteBind, r.cfg.RemotePort, r.cfg.Host, r.cfg.Local)
	return nil
}

func (r *Reverse) dial(ctx context.Context) (*ssh.Client, error) {
	methods, err := authMethods(r.cfg)
	if err != nil {
		return nil, retry.Permanent(gwerrors.WrapSSH("auth", r.cfg.Host, r.cfg.Port, err))
	}
	hk, err := hostKeyCallback(r.cfg)
	if err != nil {
		return nil, retry.Permanent(gwerrors.WrapSSH("hostkey", r.cfg.Host, r.cfg.Port, err))
	}
	sshCfg := &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            methods,
		HostKeyCallback: hk,
		Timeout:         r.cfg.ConnTimeout,
		BannerCallback: func(message string) error {
			r.logger.Info("%s", message)
			return nil
		},
	}

	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	r.logger.Debug("tunnel: dialing %s as %s", addr, r.cfg.User)

	dctx, cancel := context.WithTimeout(ctx, r.cfg.ConnTimeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, gwerrors.Wrap("dial", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		return nil, classify(gwerrors.WrapSSH("handshake", r.cfg.Host, r.cfg.Port, err))
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// classify marks handshake failures that a reconnect cannot fix.
func classify(err error) error {
	var ke *knownhosts.KeyError
	switch {
	case gwerrors.As(err, &ke) && len(ke.Want) > 0:
		return retry.Permanent(fmt.Errorf("%w: %w", gwerrors.ErrHostKeyMismatch, err))
	case strings.Contains(err.Error(), "unable to authenticate"):
		return retry.Permanent(fmt.Errorf("%w: %w", gwerrors.ErrAuthFailed, err))
	}
	return err
}

// serve accepts forwarded connections until the forward dies.
func (r *Reverse) serve(ctx context.Context) {
	r.mu.Lock()
	ln, client := r.listener, r.client
	r.mu.Unlock()
	if ln == nil {
		return
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.cfg.KeepAlive > 0 {
		r.wg.Add(1)
		go r.keepalive(sctx, client, ln)
	}
	go func() {
		// The relay hanging up also ends the forward.
		client.Wait() //nolint:errcheck
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			break
		}
		r.logger.Verbose("tunnel: connection from %s", conn.RemoteAddr())
		r.wg.Add(1)
		go r.forward(sctx, conn)
	}

	r.alive.Store(false)
	r.mu.Lock()
	r.teardownLocked()
	r.mu.Unlock()
}

func (r *Reverse) keepalive(ctx context.Context, client *ssh.Client, ln net.Listener) {
	defer r.wg.Done()
	t := time.NewTicker(r.cfg.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				r.logger.Warn("tunnel keepalive failed: %v", err)
				ln.Close()
				return
			}
		}
	}
}

// forward splices one relay connection to the local bridge port.
func (r *Reverse) forward(ctx context.Context, remote net.Conn) {
	defer r.wg.Done()
	local, err := net.DialTimeout("tcp", r.cfg.Local, 5*time.Second)
	if err != nil {
		remote.Close()
		r.logger.Warn("tunnel: local dial %s: %v", r.cfg.Local, err)
		r.metrics.RecordError(fmt.Sprintf("tunnel local dial: %v", err))
		return
	}
	if err := util.Splice(ctx, remote, local); err != nil {
		r.logger.Debug("tunnel: forward %s ended: %v", remote.RemoteAddr(), err)
	}
}

func (r *Reverse) teardownLocked() {
	r.alive.Store(false)
	if r.listener != nil {
		r.listener.Close()
		r.listener = nil
	}
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}
