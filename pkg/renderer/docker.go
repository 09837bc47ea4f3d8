package renderer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// stderrForwarder copies a slot's container stderr to the coordinator
// process's own stderr, matching the original's forwarded-error-channel
// behavior for engraver diagnostics.
type stderrForwarder struct{}

func (stderrForwarder) Write(p []byte) (int, error) {
	return os.Stderr.Write(p)
}

// Config selects the container image used for each engraver version.
type Config struct {
	StableImage   string
	UnstableImage string
}

// dockerBackend starts one sandboxed container per renderer slot with a
// ContainerCreate/ContainerAttach/ContainerStart sequence and the
// host-config assembly pattern of a typical docker/client-based runtime,
// generalized here to a fixed sandbox posture rather than a caller-supplied
// mount set. Container exit is noticed through the attached stdout stream.
type dockerBackend struct {
	cli *client.Client
	cfg Config
}

// NewDockerBackend connects to the local Docker daemon using the standard
// environment-derived configuration (DOCKER_HOST etc).
func NewDockerBackend(cfg Config) (*dockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &dockerBackend{cli: cli, cfg: cfg}, nil
}

func (b *dockerBackend) imageFor(version string) string {
	if version == "unstable" {
		return b.cfg.UnstableImage
	}
	return b.cfg.StableImage
}

// sandboxHostConfig builds the HostConfig for the sandbox posture: no
// network, 1 GiB memory, 1 CPU, no capabilities, no new privileges,
// auto-removed on exit.
func sandboxHostConfig() *container.HostConfig {
	return &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   1 << 30,
			NanoCPUs: 1_000_000_000,
		},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		AutoRemove:     true,
		Privileged:     false,
		ReadonlyRootfs: false,
	}
}

// Start implements containerBackend: it creates, starts, and attaches to a
// container for the given engraver version, returning a child whose
// Write/ReadLine drive the container's stdin/stdout.
func (b *dockerBackend) Start(ctx context.Context, version string) (child, error) {
	image := b.imageFor(version)
	if image == "" {
		return nil, fmt.Errorf("renderer: no image configured for version %q", version)
	}

	resp, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image:        image,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		StdinOnce:    false,
		Tty:          false,
	}, sandboxHostConfig(), nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create renderer container: %w", err)
	}

	hijacked, err := b.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach renderer container: %w", err)
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		hijacked.Close()
		return nil, fmt.Errorf("start renderer container: %w", err)
	}

	return newContainerChild(b.cli, resp.ID, hijacked), nil
}

// containerChild adapts a docker HijackedResponse to the child interface.
// stdout and stderr arrive multiplexed on the same connection (no Tty), so
// stdcopy.StdCopy demultiplexes them; stderr is forwarded to the process's
// own stderr, matching the original's forwarded-error-channel behavior.
type containerChild struct {
	cli      *client.Client
	id       string
	hijacked types.HijackedResponse
	scanner  *lineScanner
}

func newContainerChild(cli *client.Client, id string, hijacked types.HijackedResponse) *containerChild {
	stdoutR, stdoutW := io.Pipe()
	go func() {
		_, _ = stdcopy.StdCopy(stdoutW, stderrForwarder{}, hijacked.Reader)
		stdoutW.Close()
	}()

	return &containerChild{
		cli:      cli,
		id:       id,
		hijacked: hijacked,
		scanner:  newLineScanner(bufio.NewScanner(stdoutR)),
	}
}

func (c *containerChild) Write(line []byte) error {
	_, err := c.hijacked.Conn.Write(line)
	return err
}

func (c *containerChild) ReadLine() ([]byte, error) {
	return c.scanner.ReadLine()
}

func (c *containerChild) Close() error {
	c.hijacked.Close()
	return c.cli.ContainerKill(context.Background(), c.id, "SIGKILL")
}
