package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/buildroom-dev/buildroom/internal/ai"
	"github.com/buildroom-dev/buildroom/internal/apperr"
	"github.com/buildroom-dev/buildroom/internal/logger"
	"github.com/buildroom-dev/buildroom/internal/model"
)

// State is the run pipeline phase of one workspace.
type State string

const (
	StateIdle       State = "idle"
	StateMounting   State = "mounting"
	StateInstalling State = "installing"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateError      State = "error"
)

// Status is the externally visible snapshot of a workspace.
type Status struct {
	State      State  `json:"state"`
	PreviewURL string `json:"previewUrl,omitempty"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Timeouts bounds the phases of the run pipeline.
type Timeouts struct {
	Install time.Duration
	Start   time.Duration
	Ready   time.Duration
}

// Orchestrator drives the sandbox run pipeline. The runtime boots once per
// process; each workspace holds at most one running server at a time, and a
// new run replaces the previous one.
type Orchestrator struct {
	runtime  Runtime
	timeouts Timeouts
	log      *logger.Logger

	// bootMu is held for the duration of a boot attempt, so concurrent
	// callers share one attempt. A failed boot leaves booted false and the
	// next run retries from scratch.
	bootMu sync.Mutex
	booted bool

	mu         sync.Mutex
	workspaces map[string]*workspace
}

// workspace is the orchestrator's per-project state. runMu serializes the
// whole mount/install/start pipeline; stateMu guards the snapshot fields.
type workspace struct {
	id    string
	runMu sync.Mutex

	stateMu sync.Mutex
	state   State
	preview string
	errMsg  string
	proc    Process

	tail tailBuffer
}

// New creates an orchestrator over the given runtime.
func New(rt Runtime, timeouts Timeouts, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		runtime:    rt,
		timeouts:   timeouts,
		log:        log,
		workspaces: make(map[string]*workspace),
	}
}

func (o *Orchestrator) boot(ctx context.Context) error {
	o.bootMu.Lock()
	defer o.bootMu.Unlock()
	if o.booted {
		return nil
	}
	if err := o.runtime.Boot(ctx); err != nil {
		return &apperr.SandboxError{Kind: apperr.SandboxBootFailed, Err: err}
	}
	o.booted = true
	return nil
}

func (o *Orchestrator) workspace(id string) *workspace {
	o.mu.Lock()
	defer o.mu.Unlock()
	ws, ok := o.workspaces[id]
	if !ok {
		ws = &workspace{id: id, state: StateIdle}
		o.workspaces[id] = ws
	}
	return ws
}

// Run executes the full pipeline for a workspace: boot the runtime if
// needed, kill any server from a previous run, mount the files, install
// dependencies, and start the server. It returns once the server reports
// ready (or the pipeline fails); callers wanting detachment run it on their
// own goroutine and poll Status.
func (o *Orchestrator) Run(ctx context.Context, workspaceID string, files model.FileTree, build, start *ai.Command) error {
	if err := o.boot(ctx); err != nil {
		ws := o.workspace(workspaceID)
		ws.setError(err)
		return err
	}

	ws := o.workspace(workspaceID)
	ws.runMu.Lock()
	defer ws.runMu.Unlock()

	ws.killCurrent()
	ws.tail.Reset()

	ws.setState(StateMounting)
	if err := o.runtime.Mount(ctx, workspaceID, files); err != nil {
		err = &apperr.SandboxError{Kind: apperr.SandboxSpawnFailed, Err: fmt.Errorf("mount: %w", err)}
		ws.setError(err)
		return err
	}

	ws.setState(StateInstalling)
	if err := o.install(ctx, ws, files, build); err != nil {
		ws.setError(err)
		return err
	}

	ws.setState(StateStarting)
	if err := o.start(ctx, ws, files, start); err != nil {
		ws.setError(err)
		return err
	}
	return nil
}

// install runs the derived install command to completion. An exit status
// meaning "tool not found" triggers one retry with the fallback installer.
func (o *Orchestrator) install(ctx context.Context, ws *workspace, files model.FileTree, declared *ai.Command) error {
	cmd := DeriveInstall(files, declared)
	code, err := o.runToCompletion(ctx, ws, cmd)
	if err != nil && !errors.Is(err, ErrToolNotFound) {
		return &apperr.SandboxError{Kind: apperr.SandboxInstallFailed, Output: ws.tail.String(), Err: err}
	}
	if errors.Is(err, ErrToolNotFound) || code == toolNotFoundExitCode {
		o.log.Warn("install tool unavailable, retrying with fallback", "workspace", ws.id, "tool", cmd.Tool)
		cmd = fallbackInstall()
		code, err = o.runToCompletion(ctx, ws, cmd)
		if err != nil {
			return &apperr.SandboxError{Kind: apperr.SandboxInstallFailed, Output: ws.tail.String(), Err: err}
		}
	}
	if code != 0 {
		return &apperr.SandboxError{
			Kind:   apperr.SandboxInstallFailed,
			Output: ws.tail.String(),
			Err:    fmt.Errorf("%s exited with status %d", cmd.Tool, code),
		}
	}
	return nil
}

func (o *Orchestrator) runToCompletion(ctx context.Context, ws *workspace, cmd ai.Command) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeouts.Install)
	defer cancel()

	proc, err := o.runtime.Spawn(ctx, ws.id, cmd.Tool, cmd.Args)
	if err != nil {
		return 0, err
	}
	done := make(chan struct{})
	go func() {
		io.Copy(&ws.tail, proc.Output())
		close(done)
	}()

	code, err := proc.Wait(ctx)
	if err != nil {
		proc.Kill()
		return 0, err
	}
	<-done
	return code, nil
}

// start spawns the server process and waits for it to report ready.
func (o *Orchestrator) start(ctx context.Context, ws *workspace, files model.FileTree, declared *ai.Command) error {
	cmd := DeriveStart(files, declared)

	spawnCtx, cancel := context.WithTimeout(ctx, o.timeouts.Start)
	proc, err := o.runtime.Spawn(spawnCtx, ws.id, cmd.Tool, cmd.Args)
	cancel()
	if err != nil {
		return &apperr.SandboxError{Kind: apperr.SandboxSpawnFailed, Output: ws.tail.String(), Err: err}
	}

	go io.Copy(&ws.tail, proc.Output())
	ws.setProcess(proc)

	select {
	case url, ok := <-proc.Ready():
		if !ok {
			ws.clearProcess(proc)
			return &apperr.SandboxError{
				Kind:   apperr.SandboxSpawnFailed,
				Output: ws.tail.String(),
				Err:    errors.New("server exited before becoming ready"),
			}
		}
		ws.setRunning(url)
	case <-time.After(o.timeouts.Ready):
		proc.Kill()
		ws.clearProcess(proc)
		return &apperr.SandboxError{
			Kind:   apperr.SandboxSpawnFailed,
			Output: ws.tail.String(),
			Err:    errors.New("server did not become ready in time"),
		}
	case <-ctx.Done():
		proc.Kill()
		ws.clearProcess(proc)
		return &apperr.SandboxError{Kind: apperr.SandboxSpawnFailed, Err: ctx.Err()}
	}

	// Watch for the server dying on its own so the status does not keep
	// advertising a dead preview.
	go func() {
		proc.Wait(context.Background())
		ws.processExited(proc)
	}()
	return nil
}

// Stop kills the workspace's server, if any, and returns it to idle.
func (o *Orchestrator) Stop(workspaceID string) {
	ws := o.workspace(workspaceID)
	ws.killCurrent()
	ws.setState(StateIdle)
}

// Status returns the workspace snapshot.
func (o *Orchestrator) Status(workspaceID string) Status {
	o.mu.Lock()
	ws, ok := o.workspaces[workspaceID]
	o.mu.Unlock()
	if !ok {
		return Status{State: StateIdle}
	}

	ws.stateMu.Lock()
	defer ws.stateMu.Unlock()
	return Status{
		State:      ws.state,
		PreviewURL: ws.preview,
		Output:     ws.tail.String(),
		Error:      ws.errMsg,
	}
}

func (ws *workspace) setState(s State) {
	ws.stateMu.Lock()
	ws.state = s
	if s != StateRunning {
		ws.preview = ""
	}
	if s != StateError {
		ws.errMsg = ""
	}
	ws.stateMu.Unlock()
}

func (ws *workspace) setError(err error) {
	ws.stateMu.Lock()
	ws.state = StateError
	ws.preview = ""
	ws.errMsg = err.Error()
	ws.stateMu.Unlock()
}

func (ws *workspace) setRunning(url string) {
	ws.stateMu.Lock()
	ws.state = StateRunning
	ws.preview = url
	ws.errMsg = ""
	ws.stateMu.Unlock()
}

func (ws *workspace) setProcess(p Process) {
	ws.stateMu.Lock()
	ws.proc = p
	ws.stateMu.Unlock()
}

// clearProcess drops p if it is still the current process.
func (ws *workspace) clearProcess(p Process) {
	ws.stateMu.Lock()
	if ws.proc == p {
		ws.proc = nil
	}
	ws.stateMu.Unlock()
}

// killCurrent terminates the current server before a new run or on Stop.
func (ws *workspace) killCurrent() {
	ws.stateMu.Lock()
	proc := ws.proc
	ws.proc = nil
	ws.stateMu.Unlock()
	if proc != nil {
		proc.Kill()
	}
}

// processExited marks the workspace idle when its server exits while still
// current. A process replaced by a newer run changes nothing.
func (ws *workspace) processExited(p Process) {
	ws.stateMu.Lock()
	if ws.proc != p {
		ws.stateMu.Unlock()
		return
	}
	ws.proc = nil
	ws.state = StateIdle
	ws.preview = ""
	ws.stateMu.Unlock()
}
