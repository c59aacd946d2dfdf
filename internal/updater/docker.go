package updater

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
)

// Redeployer applies a patched deployment descriptor to the running
// deployment.
type Redeployer interface {
	Redeploy(ctx context.Context) error
}

// DockerRedeployer restarts the node's container through the Docker
// Engine API so a patched descriptor takes effect.
type DockerRedeployer struct {
	Container string
	Timeout   time.Duration

	logger *slog.Logger
}

// NewDockerRedeployer restarts the named container on Redeploy.
func NewDockerRedeployer(containerName string) *DockerRedeployer {
	return &DockerRedeployer{
		Container: containerName,
		Timeout:   30 * time.Second,
		logger:    slog.With("component", "redeploy"),
	}
}

func (r *DockerRedeployer) Redeploy(ctx context.Context) error {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return fmt.Errorf("creating docker client: %w", err)
	}
	defer cli.Close()

	timeoutSec := int(r.Timeout.Seconds())
	stopOpts := container.StopOptions{Timeout: &timeoutSec}
	if err := cli.ContainerRestart(ctx, r.Container, stopOpts); err != nil {
		return fmt.Errorf("restarting container %s: %w", r.Container, err)
	}

	r.logger.Info("container restarted", "container", r.Container)
	return nil
}
