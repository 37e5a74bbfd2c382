// Package ssh runs commands on container hosts over SSH. The docker adapter
// uses it to drive the docker CLI on a remote host.
package ssh

import (
	"context"
	"fmt"
	"time"
)

// Transport is a command channel to one container host.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	HealthCheck(ctx context.Context) error

	// ExecuteCommand connects on demand and returns trimmed stdout and
	// stderr. A non-zero exit is reported as a *TransportError.
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// ExecuteCommandWithSudo uses sudo -n when sudoPassword is empty.
	ExecuteCommandWithSudo(ctx context.Context, cmd string, sudoPassword string) (stdout string, stderr string, err error)

	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo is a snapshot of the host connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
	Commands     int64
}

// ErrorKind classifies transport failures for retry decisions.
type ErrorKind int

const (
	// ErrPermanent covers remote command failures and misuse.
	ErrPermanent ErrorKind = iota
	// ErrTemporary covers network and session failures worth retrying.
	ErrTemporary
	// ErrAuth covers rejected credentials and host keys.
	ErrAuth
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTemporary:
		return "temporary"
	case ErrAuth:
		return "auth"
	default:
		return "permanent"
	}
}

// TransportError wraps a failure of one transport step.
type TransportError struct {
	Op   string
	Kind ErrorKind
	Err  error

	// ExitCode is the remote exit status, or -1 when no command finished.
	ExitCode int
}

func opError(op string, kind ErrorKind, err error) *TransportError {
	return &TransportError{Op: op, Kind: kind, Err: err, ExitCode: -1}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool { return e.Kind == ErrTemporary }
