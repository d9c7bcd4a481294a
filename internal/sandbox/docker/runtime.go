// Package docker backs the sandbox runtime with a Docker container per
// workspace: files are copied in as a tar stream and commands run as execs.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	dockercontext "github.com/docker/go-sdk/context"
	"github.com/google/uuid"

	"github.com/buildroom-dev/buildroom/internal/logger"
	"github.com/buildroom-dev/buildroom/internal/model"
	"github.com/buildroom-dev/buildroom/internal/sandbox"
)

const (
	// workspacePath is where workspace files live inside the container.
	workspacePath = "/workspace"

	// pidDir holds the pid files of spawned commands, keyed by spawn token.
	pidDir = "/tmp/buildroom"

	readyPollInterval = 250 * time.Millisecond
	exitPollInterval  = 100 * time.Millisecond
)

// DetectDockerHost resolves the Docker host from the current Docker context.
// This handles Docker Desktop, Colima, Rancher Desktop, Podman, and custom
// contexts automatically. Returns empty string if detection fails.
func DetectDockerHost() string {
	host, err := dockercontext.CurrentDockerHost()
	if err != nil {
		return ""
	}
	return host
}

// Runtime implements sandbox.Runtime on the Docker Engine API.
type Runtime struct {
	image         string
	containerPort int
	log           *logger.Logger

	client *client.Client

	mu         sync.Mutex
	containers map[string]*containerInfo // workspaceID -> container
}

type containerInfo struct {
	id       string
	hostPort int
}

// NewRuntime creates a Docker runtime. dockerHost overrides auto-detection
// when non-empty. The connection is verified eagerly; image pulling happens
// in Boot.
func NewRuntime(dockerHost, image string, containerPort int, log *logger.Logger) (*Runtime, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if dockerHost == "" {
		dockerHost = DetectDockerHost()
	}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	return &Runtime{
		image:         image,
		containerPort: containerPort,
		log:           log,
		client:        cli,
		containers:    make(map[string]*containerInfo),
	}, nil
}

// Boot makes the sandbox image available locally.
func (r *Runtime) Boot(ctx context.Context) error {
	if _, err := r.client.ImageInspect(ctx, r.image); err == nil {
		return nil
	}

	r.log.Info("pulling sandbox image", "image", r.image)
	reader, err := r.client.ImagePull(ctx, r.image, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", r.image, err)
	}
	defer func() { _ = reader.Close() }()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull for %s: %w", r.image, err)
	}
	return nil
}

// Close releases the Docker client connection.
func (r *Runtime) Close() error {
	return r.client.Close()
}

func containerName(workspaceID string) string {
	return "buildroom-workspace-" + workspaceID
}

// container returns the workspace's container, creating and starting it on
// first use. The container idles on sleep; all work happens through execs.
func (r *Runtime) container(ctx context.Context, workspaceID string) (*containerInfo, error) {
	r.mu.Lock()
	info, ok := r.containers[workspaceID]
	r.mu.Unlock()
	if ok {
		return info, nil
	}

	name := containerName(workspaceID)

	// A container left over from a previous process is stale: its filesystem
	// does not match the current workspace. Replace it.
	if existing, err := r.client.ContainerInspect(ctx, name); err == nil {
		if err := r.client.ContainerRemove(ctx, existing.ID, containerTypes.RemoveOptions{Force: true}); err != nil {
			return nil, fmt.Errorf("failed to remove stale container: %w", err)
		}
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", r.containerPort))
	containerConfig := &containerTypes.Config{
		Image:      r.image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: workspacePath,
		Labels: map[string]string{
			"buildroom.workspace.id": workspaceID,
			"buildroom.managed":      "true",
		},
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostConfig := &containerTypes.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: "", // Docker assigns a random available port
			}},
		},
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	if err := r.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspected, err := r.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	hostPort, err := mappedHostPort(inspected.NetworkSettings, port)
	if err != nil {
		return nil, err
	}

	info = &containerInfo{id: resp.ID, hostPort: hostPort}
	r.mu.Lock()
	r.containers[workspaceID] = info
	r.mu.Unlock()
	return info, nil
}

func mappedHostPort(settings *containerTypes.NetworkSettings, port nat.Port) (int, error) {
	if settings != nil {
		for _, binding := range settings.Ports[port] {
			if hostPort, err := strconv.Atoi(binding.HostPort); err == nil && hostPort > 0 {
				return hostPort, nil
			}
		}
	}
	return 0, fmt.Errorf("container does not expose port %s", port)
}

// Mount replaces the container's workspace directory with files.
func (r *Runtime) Mount(ctx context.Context, workspaceID string, files model.FileTree) error {
	info, err := r.container(ctx, workspaceID)
	if err != nil {
		return err
	}

	// Clear the previous generation so deleted files do not linger.
	reset := fmt.Sprintf("rm -rf %s && mkdir -p %s %s", workspacePath, workspacePath, pidDir)
	if code, err := r.execWait(ctx, info.id, []string{"sh", "-c", reset}); err != nil {
		return fmt.Errorf("failed to reset workspace: %w", err)
	} else if code != 0 {
		return fmt.Errorf("failed to reset workspace: exit status %d", code)
	}

	archive, err := tarFileTree(files)
	if err != nil {
		return err
	}
	if err := r.client.CopyToContainer(ctx, info.id, workspacePath, archive, containerTypes.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy workspace files: %w", err)
	}
	return nil
}

// tarFileTree encodes the workspace file map as a tar stream.
func tarFileTree(files model.FileTree) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, node := range files {
		contents := []byte(node.File.Contents)
		header := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(contents)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", name, err)
		}
		if _, err := tw.Write(contents); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// Spawn runs a command in the workspace container. The command is wrapped in
// a shell that records its pid so Kill can target exactly this process.
func (r *Runtime) Spawn(ctx context.Context, workspaceID string, tool string, args []string) (sandbox.Process, error) {
	info, err := r.container(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	pidFile := pidDir + "/" + token + ".pid"

	execCreate, err := r.client.ContainerExecCreate(ctx, info.id, containerTypes.ExecOptions{
		Cmd:          []string{"sh", "-c", spawnScript(pidFile, tool, args)},
		WorkingDir:   workspacePath,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := r.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}

	outReader, outWriter := io.Pipe()
	go func() {
		defer outWriter.Close()
		defer resp.Close()
		// Combined output: both streams demux into the same writer.
		_, _ = stdcopy.StdCopy(outWriter, outWriter, resp.Reader)
	}()

	proc := &dockerProcess{
		runtime:     r,
		containerID: info.id,
		execID:      execCreate.ID,
		pidFile:     pidFile,
		hostPort:    info.hostPort,
		output:      outReader,
		ready:       make(chan string, 1),
		done:        make(chan struct{}),
	}
	go proc.watch()
	go proc.pollReady()
	return proc, nil
}

// spawnScript records the shell's pid and execs the tool in its place, so
// the pid file names the process group Kill signals later.
func spawnScript(pidFile, tool string, args []string) string {
	return fmt.Sprintf("echo $$ > %s; exec %s", pidFile, shellJoin(tool, args))
}

// killScript terminates the recorded process group. The exec'd tool leads its
// own group, and tools like npm run the real server as a child, so the
// negative pid takes the children down with it. The plain kill is the
// fallback when the group is already gone.
func killScript(pidFile string) string {
	return fmt.Sprintf(`pid=$(cat %s 2>/dev/null) && { kill -9 -"$pid" 2>/dev/null || kill -9 "$pid" 2>/dev/null; }; rm -f %s`, pidFile, pidFile)
}

// shellJoin renders a tool invocation as a shell command line. Arguments are
// single-quoted; the tool names themselves come from a fixed allow-list.
func shellJoin(tool string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, tool)
	for _, a := range args {
		parts = append(parts, "'"+strings.ReplaceAll(a, "'", `'\''`)+"'")
	}
	return strings.Join(parts, " ")
}

// execWait runs a short command to completion and returns its exit code.
func (r *Runtime) execWait(ctx context.Context, containerID string, cmd []string) (int, error) {
	execCreate, err := r.client.ContainerExecCreate(ctx, containerID, containerTypes.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, err
	}

	resp, err := r.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{})
	if err != nil {
		return 0, err
	}
	defer resp.Close()
	_, _ = io.Copy(io.Discard, resp.Reader)

	inspect, err := r.client.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return 0, err
	}
	return inspect.ExitCode, nil
}

// dockerProcess implements sandbox.Process for one exec.
type dockerProcess struct {
	runtime     *Runtime
	containerID string
	execID      string
	pidFile     string
	hostPort    int

	output io.Reader
	ready  chan string
	done   chan struct{}

	mu       sync.Mutex
	exitCode int
	exitErr  error
}

func (p *dockerProcess) Output() io.Reader { return p.output }

func (p *dockerProcess) Ready() <-chan string { return p.ready }

// watch polls the exec until it finishes, then records the exit code.
func (p *dockerProcess) watch() {
	defer close(p.done)
	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()

	for range ticker.C {
		inspect, err := p.runtime.client.ContainerExecInspect(context.Background(), p.execID)
		if err != nil {
			p.mu.Lock()
			p.exitErr = err
			p.mu.Unlock()
			return
		}
		if !inspect.Running {
			p.mu.Lock()
			p.exitCode = inspect.ExitCode
			p.mu.Unlock()
			// The exec finishing does not mean the port is free: npm exiting
			// can leave the node server it forked still listening. Reap the
			// group before the next run probes the same port.
			p.reap()
			return
		}
	}
}

// pollReady dials the mapped host port until the server accepts, then
// publishes the preview address. Closes without a value when the process
// exits first.
func (p *dockerProcess) pollReady() {
	defer close(p.ready)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	addr := fmt.Sprintf("127.0.0.1:%d", p.hostPort)
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", addr, readyPollInterval)
			if err != nil {
				continue
			}
			conn.Close()
			p.ready <- "http://" + addr
			return
		}
	}
}

func (p *dockerProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-p.done:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exitErr
}

// Kill terminates the process group via the recorded pid. It runs even when
// the exec already finished: the tool exiting does not guarantee its
// children did.
func (p *dockerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := p.runtime.execWait(ctx, p.containerID, []string{"sh", "-c", killScript(p.pidFile)})
	return err
}

// reap is the best-effort variant used by the exit watcher.
func (p *dockerProcess) reap() {
	_ = p.Kill()
}
