package adapter

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/harbormaster/pkg/callback"
	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/stores"
	"github.com/rs/zerolog"
)

// Executor runs shell commands on a container host. The SSH transport
// implements it.
type Executor interface {
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)
}

// Docker runs container operations with the docker CLI on one host.
type Docker struct {
	dispatcher

	exec     Executor
	hostLink string
}

// NewDocker creates a docker adapter. hostLink is recorded as the parent of
// the containers it creates.
func NewDocker(exec Executor, hostLink string, store stores.Store, notifier *callback.Notifier, logger zerolog.Logger, opts ...Option) *Docker {
	o := buildOptions(opts)
	return &Docker{
		dispatcher: newDispatcher("docker", store, notifier, logger, o.tel),
		exec:       exec,
		hostLink:   hostLink,
	}
}

// Invoke implements engine.Adapter.
func (d *Docker) Invoke(ctx context.Context, req engine.AdapterRequest) error {
	return d.invoke(ctx, req, func(ctx context.Context, c engine.Container) (func(*engine.Container), error) {
		if c.ID == "" && req.Operation != engine.OperationCreate {
			if req.Operation == engine.OperationDelete {
				return func(c *engine.Container) { c.PowerState = engine.PowerStateRetired }, nil
			}
			return nil, fmt.Errorf("container was never provisioned")
		}

		cmd, err := dockerCommand(req.Operation, c)
		if err != nil {
			return nil, err
		}
		stdout, stderr, err := d.exec.ExecuteCommand(ctx, cmd)
		if err != nil {
			if req.Operation == engine.OperationCreate {
				return func(c *engine.Container) { c.PowerState = engine.PowerStateError }, commandError(err, stderr)
			}
			return nil, commandError(err, stderr)
		}

		state := powerStateFor(req.Operation)
		id := strings.TrimSpace(stdout)
		return func(c *engine.Container) {
			c.PowerState = state
			if req.Operation == engine.OperationCreate {
				c.ID = id
				c.HostLink = d.hostLink
			}
		}, nil
	})
}

func commandError(err error, stderr string) error {
	if msg := strings.TrimSpace(stderr); msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

// dockerCommand builds the docker CLI invocation for op on c.
func dockerCommand(op engine.ResourceOperation, c engine.Container) (string, error) {
	switch op {
	case engine.OperationCreate:
		if c.Image == "" {
			return "", engine.NewValidationError("container image is required", nil).WithResource(c.Link)
		}
		args := []string{"docker", "run", "-d"}
		if len(c.Names) > 0 {
			args = append(args, "--name", shellQuote(c.Names[0]))
		}
		env := append([]string(nil), c.Env...)
		sort.Strings(env)
		for _, kv := range env {
			args = append(args, "-e", shellQuote(kv))
		}
		args = append(args, "--label", shellQuote("harbormaster.link="+c.Link))
		if c.ContextID != "" {
			args = append(args, "--label", shellQuote("harbormaster.context="+c.ContextID))
		}
		args = append(args, shellQuote(c.Image))
		return strings.Join(args, " "), nil
	case engine.OperationDelete:
		return "docker rm -f " + shellQuote(c.ID), nil
	case engine.OperationStart:
		return "docker start " + shellQuote(c.ID), nil
	case engine.OperationStop:
		return "docker stop " + shellQuote(c.ID), nil
	default:
		return "", engine.NewValidationError(fmt.Sprintf("unsupported operation %s", op), nil)
	}
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
