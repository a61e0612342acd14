package workspace

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

const (
	LabelWorkspace = "hive.workspace"
	LabelManagedBy = "hive.managed-by"
	DefaultImage   = "debian:bookworm-slim"

	containerPrefix = "hive-ws-"
)

// DockerManager backs each workspace with a long-lived container that bind
// mounts the workspace directory at /workspace. If Docker is unavailable the
// manager reports available=false and every provisioning call fails; callers
// that need a guaranteed workspace should fall back to a DirManager.
type DockerManager struct {
	client    *client.Client
	baseDir   string
	img       string
	available bool

	mu    sync.Mutex
	cache map[string]*Workspace
}

// DockerOption configures a DockerManager.
type DockerOption func(*DockerManager)

// WithImage sets the container image for new workspaces.
func WithImage(img string) DockerOption {
	return func(m *DockerManager) {
		m.img = img
	}
}

// NewDockerManager creates a DockerManager rooted at baseDir. If no Docker
// daemon answers, it returns a manager with available=false rather than an
// error, so callers can probe with IsAvailable.
func NewDockerManager(baseDir string, opts ...DockerOption) (*DockerManager, error) {
	m := &DockerManager{
		baseDir: baseDir,
		img:     DefaultImage,
		cache:   make(map[string]*Workspace),
	}
	for _, opt := range opts {
		opt(m)
	}

	cli, err := createDockerClient()
	if err != nil {
		return m, nil
	}
	m.client = cli
	m.available = true
	return m, nil
}

// createDockerClient creates a Docker client, trying the environment first
// and then common socket locations.
func createDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := cli.Ping(ctx); err == nil {
			return cli, nil
		}
		cli.Close()
	}

	socketPaths := []string{
		"unix:///var/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.docker/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.colima/docker.sock",
	}
	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = cli.Ping(ctx)
		cancel()
		if err == nil {
			return cli, nil
		}
		cli.Close()
	}

	return nil, fmt.Errorf("could not connect to Docker daemon")
}

// IsAvailable returns whether Docker is available.
func (m *DockerManager) IsAvailable() bool {
	return m.available
}

// GetWorkspace returns the workspace for an id, provisioning it on first use.
func (m *DockerManager) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	m.mu.Lock()
	if ws, ok := m.cache[id]; ok {
		m.mu.Unlock()
		return ws, nil
	}
	m.mu.Unlock()

	if containerID, err := m.findContainer(ctx, id); err == nil && containerID != "" {
		ws := &Workspace{ID: id, Path: m.pathFor(id), ContainerID: containerID}
		m.remember(ws)
		return ws, nil
	}
	return m.CreateWorkspace(ctx, id)
}

// CreateWorkspace creates the workspace directory and a container with the
// directory bind mounted at /workspace.
func (m *DockerManager) CreateWorkspace(ctx context.Context, id string) (*Workspace, error) {
	if !m.available {
		return nil, fmt.Errorf("docker not available")
	}
	if id == "" {
		return nil, fmt.Errorf("workspace id required")
	}

	path, err := filepath.Abs(m.pathFor(id))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir %s: %w", id, err)
	}

	if err := m.ensureImage(ctx, m.img); err != nil {
		return nil, fmt.Errorf("pull image: %w", err)
	}

	containerCfg := &container.Config{
		Image:      m.img,
		WorkingDir: "/workspace",
		Labels: map[string]string{
			LabelWorkspace: id,
			LabelManagedBy: "hive",
		},
		Tty:       true,
		OpenStdin: true,
		Cmd:       []string{"tail", "-f", "/dev/null"}, // Keep container running
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: path,
				Target: "/workspace",
			},
		},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	ws := &Workspace{ID: id, Path: path, ContainerID: resp.ID}
	m.remember(ws)
	return ws, nil
}

// WorkspaceExists reports whether a workspace has been provisioned.
func (m *DockerManager) WorkspaceExists(id string) bool {
	m.mu.Lock()
	_, cached := m.cache[id]
	m.mu.Unlock()
	if cached {
		return true
	}
	if !m.available {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	containerID, err := m.findContainer(ctx, id)
	return err == nil && containerID != ""
}

// RemoveWorkspace stops and removes a workspace container. The backing
// directory is left in place.
func (m *DockerManager) RemoveWorkspace(ctx context.Context, id string) error {
	if !m.available {
		return fmt.Errorf("docker not available")
	}

	containerID, err := m.findContainer(ctx, id)
	if err != nil || containerID == "" {
		return nil
	}

	timeout := 5
	_ = m.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err := m.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()
	return nil
}

// Close releases the Docker client.
func (m *DockerManager) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// findContainer looks up the container labelled with the workspace id.
func (m *DockerManager) findContainer(ctx context.Context, id string) (string, error) {
	if !m.available {
		return "", fmt.Errorf("docker not available")
	}
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelWorkspace+"="+id)),
	})
	if err != nil {
		return "", err
	}
	if len(containers) == 0 {
		return "", nil
	}
	return containers[0].ID, nil
}

// ensureImage pulls the image if it is not present locally.
func (m *DockerManager) ensureImage(ctx context.Context, img string) error {
	images, err := m.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", img)),
	})
	if err != nil {
		return err
	}
	if len(images) > 0 {
		return nil
	}

	reader, err := m.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (m *DockerManager) pathFor(id string) string {
	return filepath.Join(m.baseDir, id)
}

func (m *DockerManager) remember(ws *Workspace) {
	m.mu.Lock()
	m.cache[ws.ID] = ws
	m.mu.Unlock()
}
