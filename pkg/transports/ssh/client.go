package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements the Transport interface over a single connection
// that is reopened on demand.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	bastion     *ssh.Client
	isConnected bool
	connectedAt time.Time
	stopKeep    chan struct{}

	lastUsed atomic.Int64
	commands atomic.Int64
}

var _ Transport = (*SSHClient)(nil)

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config, logger zerolog.Logger) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &SSHClient{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Address()).Logger(),
	}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckLocked(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return opError("connect", ErrAuth, err)
	}

	if c.config.Jump != nil {
		err = c.connectViaJump(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	c.isConnected = true
	c.connectedAt = time.Now()
	c.touch()
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}
	return nil
}

// dial opens a TCP connection honouring ctx and runs the SSH handshake on it.
func dial(ctx context.Context, dialer func(ctx context.Context, network, addr string) (net.Conn, error), address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	conn, err := dialer(ctx, "tcp", address)
	if err != nil {
		return nil, opError("connect", ErrTemporary, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		_ = conn.Close()
		return nil, opError("handshake", ErrAuth, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

func (c *SSHClient) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
	defer cancel()

	c.logger.Debug().Msg("establishing SSH connection")
	d := &net.Dialer{}
	client, err := dial(ctx, d.DialContext, c.config.Address(), clientConfig)
	if err != nil {
		return err
	}
	c.client = client
	c.logger.Info().Msg("SSH connection established")
	return nil
}

// connectViaJump tunnels the connection through the configured bastion.
func (c *SSHClient) connectViaJump(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
	defer cancel()

	jump := c.config.jumpConfig()
	jumpClientConfig, err := jump.BuildSSHClientConfig()
	if err != nil {
		return opError("connect", ErrAuth, fmt.Errorf("jump host: %w", err))
	}

	c.logger.Debug().Str("jump", jump.Address()).Msg("connecting to jump host")
	d := &net.Dialer{}
	bastion, err := dial(ctx, d.DialContext, jump.Address(), jumpClientConfig)
	if err != nil {
		return err
	}

	client, err := dial(ctx, bastion.DialContext, c.config.Address(), targetConfig)
	if err != nil {
		_ = bastion.Close()
		return err
	}

	c.client = client
	c.bastion = bastion
	c.logger.Info().Str("jump", jump.Address()).Msg("SSH connection established via jump host")
	return nil
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}
	c.logger.Debug().Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return opError("disconnect", ErrPermanent, err)
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	if c.bastion != nil {
		_ = c.bastion.Close()
	}
	c.client = nil
	c.bastion = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return opError("healthcheck", ErrPermanent, fmt.Errorf("not connected"))
	}
	return c.healthCheckLocked()
}

func (c *SSHClient) healthCheckLocked() error {
	session, err := c.client.NewSession()
	if err != nil {
		return opError("healthcheck", ErrTemporary, err)
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return opError("healthcheck", ErrTemporary, err)
	}
	return nil
}

// keepAlive sends keep-alive requests until stop is closed or too many fail.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	var last time.Time
	if n := c.lastUsed.Load(); n > 0 {
		last = time.Unix(0, n)
	}
	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: last,
		Commands:     c.commands.Load(),
	}
}

func (c *SSHClient) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

// getClient returns the live SSH client, connecting first when needed.
func (c *SSHClient) getClient(ctx context.Context) (*ssh.Client, error) {
	c.connMu.RLock()
	client := c.client
	connected := c.isConnected
	c.connMu.RUnlock()
	if connected && client != nil {
		c.touch()
		return client, nil
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.client, nil
}
