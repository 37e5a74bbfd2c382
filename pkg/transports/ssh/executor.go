package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ExecuteCommand runs a command on the remote host. The config's
// CommandTimeout applies when ctx has no deadline of its own.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	return c.execute(ctx, cmd)
}

// ExecuteCommandWithSudo runs a command with sudo privileges.
func (c *SSHClient) ExecuteCommandWithSudo(ctx context.Context, cmd string, sudoPassword string) (stdout string, stderr string, err error) {
	if sudoPassword != "" {
		return c.execute(ctx, fmt.Sprintf("echo %s | sudo -S -p '' %s", quote(sudoPassword), cmd))
	}
	return c.execute(ctx, "sudo -n "+cmd)
}

// quote wraps s in single quotes for a POSIX shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (c *SSHClient) execute(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	if _, ok := ctx.Deadline(); !ok && c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}
	start := time.Now()

	client, err := c.getClient(ctx)
	if err != nil {
		return "", "", err
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", opError("execute", ErrTemporary, fmt.Errorf("failed to create session: %w", err))
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		execErr = ctx.Err()
	case execErr = <-done:
	}
	c.commands.Add(1)

	stdout = strings.TrimSpace(stdoutBuf.String())
	stderr = strings.TrimSpace(stderrBuf.String())

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(start)).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return stdout, stderr, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		return stdout, stderr, &TransportError{
			Op:       "execute",
			Kind:     ErrPermanent,
			Err:      fmt.Errorf("command exited with code %d", exitErr.ExitStatus()),
			ExitCode: exitErr.ExitStatus(),
		}
	}
	return stdout, stderr, opError("execute", ErrTemporary, execErr)
}
