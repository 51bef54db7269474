package adminclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerKernelHost provisions one kernel gateway container when it is
// built and delegates every admin call (each kernel create included) to
// an HTTPKernelAdmin pointed at the container's published port. This is the self-hosted path: the
// literal §6 contract assumes a kernel gateway is already reachable,
// but a from-scratch deployment needs something to put behind it
// (adapted from the teacher's DockerBackend).
type DockerKernelHost struct {
	image    string
	hostPort int
	http     *HTTPKernelAdmin
}

// NewDockerKernelHost provisions one long-lived kernel gateway
// container from image, publishing its 8888 port at hostPort on the
// local Docker daemon, and returns a KernelHost backed by it.
func NewDockerKernelHost(ctx context.Context, image string, hostPort int) (*DockerKernelHost, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	portStr := strconv.Itoa(hostPort)
	containerPort := nat.Port("8888/tcp")
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: portStr}},
		},
		Resources: container.Resources{
			NanoCPUs: 2_000_000_000,
			Memory:   2 * 1024 * 1024 * 1024,
		},
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:        image,
		Env:          []string{"KG_ALLOW_ORIGIN=*"},
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}, hostConfig, nil, nil, "kernel-gateway-"+portStr)
	if err != nil {
		return nil, fmt.Errorf("create kernel gateway container: %w", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("start kernel gateway container: %w", err)
	}

	base := net.JoinHostPort("127.0.0.1", portStr)
	if err := waitForPort(ctx, base); err != nil {
		return nil, fmt.Errorf("kernel gateway container never accepted connections: %w", err)
	}
	host := &DockerKernelHost{
		image:    image,
		hostPort: hostPort,
		http:     NewHTTPKernelAdmin("http://"+base, "ws://"+base),
	}

	slog.Info("kernel gateway container started", "container_id", resp.ID[:12], "port", hostPort)
	return host, nil
}

func (d *DockerKernelHost) Create(ctx context.Context) (string, error) { return d.http.Create(ctx) }
func (d *DockerKernelHost) Delete(ctx context.Context, id string)      { d.http.Delete(ctx, id) }
func (d *DockerKernelHost) Probe(ctx context.Context, id string) bool  { return d.http.Probe(ctx, id) }
func (d *DockerKernelHost) WSBase() string                             { return d.http.WSBase() }
func (d *DockerKernelHost) BreakerStatus() map[string]string           { return d.http.BreakerStatus() }

// waitForPort polls until the gateway's published port accepts TCP
// connections or ctx expires, used right after container start since
// the gateway process needs a moment to bind.
func waitForPort(ctx context.Context, addr string) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
