package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/corvohq/dagbench/internal/config"
)

// Config holds SSH pool configuration.
type Config struct {
	KeyPath          string
	KeyPassword      string
	KnownHostsFile   string        // empty accepts any host key
	ConnectTimeout   time.Duration // TCP dial + handshake (default 30s)
	CommandTimeout   time.Duration // one remote command (default 60s)
	DownloadTimeout  time.Duration // one file download attempt (default 120s)
	DownloadAttempts int           // attempts per file (default 3)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   30 * time.Second,
		CommandTimeout:   60 * time.Second,
		DownloadTimeout:  120 * time.Second,
		DownloadAttempts: 3,
	}
}

// Pool keeps one SSH transport per host and implements Executor.
type Pool struct {
	cfg     Config
	auth    ssh.AuthMethod
	hostKey ssh.HostKeyCallback

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

var _ Executor = (*Pool)(nil)

// NewPool loads the private key and builds a pool. Zero-valued timeouts are
// replaced by their defaults.
func NewPool(cfg Config) (*Pool, error) {
	def := DefaultConfig()
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = def.DownloadTimeout
	}
	if cfg.DownloadAttempts == 0 {
		cfg.DownloadAttempts = def.DownloadAttempts
	}

	signer, err := loadSigner(cfg.KeyPath, cfg.KeyPassword)
	if err != nil {
		return nil, err
	}
	hostKey := ssh.InsecureIgnoreHostKey()
	if strings.TrimSpace(cfg.KnownHostsFile) != "" {
		hostKey, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}
	return &Pool{
		cfg:     cfg,
		auth:    ssh.PublicKeys(signer),
		hostKey: hostKey,
		clients: map[string]*ssh.Client{},
	}, nil
}

func loadSigner(path, password string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	if password != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(pem, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("ssh key %s is encrypted; set %s or ssh_key_password", path, config.KeyPasswordEnv)
		}
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return signer, nil
}

func (p *Pool) client(ctx context.Context, host config.Host) (*ssh.Client, error) {
	key := host.String()
	p.mu.Lock()
	c, ok := p.clients[key]
	p.mu.Unlock()
	if ok {
		return c, nil
	}

	dialer := net.Dialer{Timeout: p.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", host.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}
	_ = conn.SetDeadline(time.Now().Add(p.cfg.ConnectTimeout))
	sc, chans, reqs, err := ssh.NewClientConn(conn, host.Addr(), &ssh.ClientConfig{
		User:            host.Username,
		Auth:            []ssh.AuthMethod{p.auth},
		HostKeyCallback: p.hostKey,
		Timeout:         p.cfg.ConnectTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", host, err)
	}
	_ = conn.SetDeadline(time.Time{})
	c = ssh.NewClient(sc, chans, reqs)

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[key]; ok {
		c.Close()
		return existing, nil
	}
	p.clients[key] = c
	slog.Debug("ssh connected", "host", key)
	return c, nil
}

func (p *Pool) drop(host config.Host) {
	key := host.String()
	p.mu.Lock()
	c, ok := p.clients[key]
	delete(p.clients, key)
	p.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Check opens (or reuses) the transport to host.
func (p *Pool) Check(ctx context.Context, host config.Host) error {
	_, err := p.client(ctx, host)
	return err
}

// Run executes command through bash on host, bounded by the command timeout.
func (p *Pool) Run(ctx context.Context, host config.Host, command string) Result {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CommandTimeout)
	defer cancel()

	res := Result{Host: host}
	session, err := p.session(ctx, host)
	if err != nil {
		res.Err = err
		return res
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run("bash -c " + ShellQuote(command)) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		err = fmt.Errorf("command on %s: %w", host, ctx.Err())
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	default:
		res.Err = err
	}
	return res
}

// session opens a session, reconnecting once if the cached transport is
// stale.
func (p *Pool) session(ctx context.Context, host config.Host) (*ssh.Session, error) {
	c, err := p.client(ctx, host)
	if err != nil {
		return nil, err
	}
	s, err := c.NewSession()
	if err == nil {
		return s, nil
	}
	slog.Debug("ssh session failed; reconnecting", "host", host.String(), "error", err)
	p.drop(host)
	c, err = p.client(ctx, host)
	if err != nil {
		return nil, err
	}
	s, err = c.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session on %s: %w", host, err)
	}
	return s, nil
}

// Close closes every cached transport.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for key, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
		delete(p.clients, key)
	}
	return errors.Join(errs...)
}
