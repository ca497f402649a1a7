package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/hivegate/hivegate/internal/config"
)

const (
	labelPrefix = "hivegate"
	networkName = "hivegate-net"
)

// Docker implements Provider on the local Docker daemon. Each sandbox is one
// container on a dedicated bridge network, labeled so stale ones can be found
// after a crash.
type Docker struct {
	docker      *client.Client
	cfg         config.SandboxConfig
	mu          sync.RWMutex
	active      map[string]string // sandboxID → container name
	networkName string            // resolved network name
}

func NewDocker(cfg config.SandboxConfig) (*Docker, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return &Docker{
		docker: docker,
		cfg:    cfg,
		active: make(map[string]string),
	}, nil
}

func (d *Docker) ensureNetwork(ctx context.Context) error {
	if d.networkName != "" {
		return nil
	}

	_, err := d.docker.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err == nil {
		d.networkName = networkName
		return nil
	}

	_, err = d.docker.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	d.networkName = networkName
	slog.Info("created docker network", "network", networkName)
	return nil
}

func (d *Docker) Create(ctx context.Context, req CreateRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureNetwork(ctx); err != nil {
		return "", err
	}

	image := req.Template
	if image == "" {
		image = d.cfg.Image
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = d.cfg.CreateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containerName := fmt.Sprintf("hivegate-sbx-%s", req.Name)

	// Remove any stale container with the same name
	stopTimeout := 5
	_ = d.docker.ContainerStop(ctx, containerName, dockercontainer.StopOptions{Timeout: &stopTimeout})
	_ = d.docker.ContainerRemove(ctx, containerName, dockercontainer.RemoveOptions{Force: true})

	env := make([]string, 0, len(req.Metadata))
	for k, v := range req.Metadata {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &dockercontainer.Config{
		Image: image,
		Env:   env,
		// Keep the sandbox alive until terminated; work arrives via exec.
		Cmd: []string{"sleep", "infinity"},
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".sandbox": req.Name,
		},
	}

	hostCfg := &dockercontainer.HostConfig{
		NetworkMode: dockercontainer.NetworkMode(d.networkName),
	}

	resp, err := d.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("create sandbox: %w", err)
	}

	if err := d.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = d.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return "", fmt.Errorf("start sandbox: %w", err)
	}

	d.active[resp.ID] = containerName
	slog.Info("sandbox created", "sandbox", resp.ID[:12], "template", image)
	return resp.ID, nil
}

// interpreterCmd maps a language to the command that runs inline code.
func interpreterCmd(code, language string) ([]string, error) {
	switch strings.ToLower(language) {
	case "python", "python3", "":
		return []string{"python3", "-c", code}, nil
	case "javascript", "node":
		return []string{"node", "-e", code}, nil
	case "bash", "sh", "shell":
		return []string{"sh", "-c", code}, nil
	default:
		return nil, fmt.Errorf("unsupported language %q", language)
	}
}

func (d *Docker) Execute(ctx context.Context, sandboxID, code, language string, timeout time.Duration) (*ExecResult, error) {
	cmd, err := interpreterCmd(code, language)
	if err != nil {
		return nil, err
	}

	if timeout == 0 {
		timeout = d.cfg.ExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCfg := dockercontainer.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := d.docker.ContainerExecCreate(ctx, sandboxID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	attachResp, err := d.docker.ContainerExecAttach(ctx, execResp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return nil, fmt.Errorf("read exec output: %w", err)
	}

	inspectResp, err := d.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec: %w", err)
	}

	return &ExecResult{
		Output:   stdout.String(),
		ExitCode: inspectResp.ExitCode,
		Error:    stderr.String(),
	}, nil
}

func (d *Docker) Terminate(ctx context.Context, sandboxID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stopTimeout := 10
	if err := d.docker.ContainerStop(ctx, sandboxID, dockercontainer.StopOptions{Timeout: &stopTimeout}); err != nil {
		slog.Warn("failed to stop sandbox gracefully", "sandbox", short(sandboxID), "error", err)
	}

	if err := d.docker.ContainerRemove(ctx, sandboxID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			delete(d.active, sandboxID)
			return nil
		}
		return fmt.Errorf("remove sandbox: %w", err)
	}

	delete(d.active, sandboxID)
	slog.Info("sandbox terminated", "sandbox", short(sandboxID))
	return nil
}

// CleanupStale removes managed containers no live swarm references. Called at
// startup after the durable swarm records are loaded.
func (d *Docker) CleanupStale(ctx context.Context, keep map[string]bool) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := d.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list sandboxes: %w", err)
	}

	for _, c := range containers {
		if !keep[c.ID] {
			slog.Info("cleaning up stale sandbox", "sandbox", short(c.ID))
			_ = d.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

func (d *Docker) ActiveCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.active)
}

func (d *Docker) BuildImage(ctx context.Context) error {
	return BuildTemplateImage(ctx, d.docker, d.cfg.Image)
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
