package sandbox

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buildroom-dev/buildroom/internal/ai"
	"github.com/buildroom-dev/buildroom/internal/apperr"
	"github.com/buildroom-dev/buildroom/internal/logger"
	"github.com/buildroom-dev/buildroom/internal/model"
)

type spawnRecord struct {
	tool string
	args []string
}

// fakeProcess scripts one spawned command.
type fakeProcess struct {
	output   string
	exitCode int
	readyURL string // non-empty: the process reports ready with this URL
	spawnErr error

	killOnce sync.Once
	killedCh chan struct{}
	killed   bool
}

func newFakeProcess(output string, exitCode int, readyURL string) *fakeProcess {
	return &fakeProcess{
		output:   output,
		exitCode: exitCode,
		readyURL: readyURL,
		killedCh: make(chan struct{}),
	}
}

func (p *fakeProcess) Output() io.Reader { return strings.NewReader(p.output) }

func (p *fakeProcess) Ready() <-chan string {
	ch := make(chan string, 1)
	if p.readyURL != "" {
		ch <- p.readyURL
	}
	close(ch)
	return ch
}

func (p *fakeProcess) Wait(ctx context.Context) (int, error) {
	if p.readyURL != "" {
		// A server process runs until killed.
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-p.killedCh:
			return 137, nil
		}
	}
	return p.exitCode, nil
}

func (p *fakeProcess) Kill() error {
	p.killOnce.Do(func() {
		p.killed = true
		close(p.killedCh)
	})
	return nil
}

// fakeRuntime scripts the runtime: each Spawn shifts the next process off
// the queue.
type fakeRuntime struct {
	mu        sync.Mutex
	bootErr   error
	bootDelay time.Duration
	bootCalls int
	mounts    []string
	spawns    []spawnRecord
	processes []*fakeProcess
}

func (r *fakeRuntime) Boot(ctx context.Context) error {
	r.mu.Lock()
	r.bootCalls++
	err := r.bootErr
	delay := r.bootDelay
	r.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (r *fakeRuntime) Mount(ctx context.Context, workspaceID string, files model.FileTree) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mounts = append(r.mounts, workspaceID)
	return nil
}

func (r *fakeRuntime) Spawn(ctx context.Context, workspaceID string, tool string, args []string) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawns = append(r.spawns, spawnRecord{tool: tool, args: args})
	if len(r.processes) == 0 {
		return nil, errors.New("unexpected spawn")
	}
	proc := r.processes[0]
	r.processes = r.processes[1:]
	if proc.spawnErr != nil {
		return nil, proc.spawnErr
	}
	return proc, nil
}

func (r *fakeRuntime) queue(procs ...*fakeProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes = append(r.processes, procs...)
}

func newTestOrchestrator(rt Runtime) *Orchestrator {
	return New(rt, Timeouts{
		Install: 5 * time.Second,
		Start:   5 * time.Second,
		Ready:   5 * time.Second,
	}, logger.NewNop())
}

func testFiles() model.FileTree {
	return model.FileTree{
		"package.json": model.NewFileNode(`{"dependencies":{"express":"^4.18.3"},"scripts":{"start":"node index.js"}}`),
		"index.js":     model.NewFileNode("require('express')"),
	}
}

func TestRunHappyPath(t *testing.T) {
	rt := &fakeRuntime{}
	install := newFakeProcess("added 1 package", 0, "")
	server := newFakeProcess("listening", 0, "http://127.0.0.1:3000")
	rt.queue(install, server)

	o := newTestOrchestrator(rt)
	if err := o.Run(context.Background(), "ws1", testFiles(), nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	status := o.Status("ws1")
	if status.State != StateRunning {
		t.Errorf("state = %v, want running", status.State)
	}
	if status.PreviewURL != "http://127.0.0.1:3000" {
		t.Errorf("preview = %q", status.PreviewURL)
	}

	if len(rt.spawns) != 2 {
		t.Fatalf("spawns = %d, want 2", len(rt.spawns))
	}
	if rt.spawns[0].tool != "npm" || rt.spawns[0].args[0] != "install" || rt.spawns[0].args[1] != "express@^4.18.3" {
		t.Errorf("install spawn = %+v", rt.spawns[0])
	}
	if rt.spawns[1].tool != "npm" || rt.spawns[1].args[0] != "start" {
		t.Errorf("start spawn = %+v", rt.spawns[1])
	}
	if len(rt.mounts) != 1 || rt.mounts[0] != "ws1" {
		t.Errorf("mounts = %v", rt.mounts)
	}
}

func TestInstallToolNotFoundFallsBack(t *testing.T) {
	rt := &fakeRuntime{}
	missing := newFakeProcess("sh: yarn: not found", toolNotFoundExitCode, "")
	fallback := newFakeProcess("added 5 packages", 0, "")
	server := newFakeProcess("up", 0, "http://127.0.0.1:3000")
	rt.queue(missing, fallback, server)

	files := model.FileTree{"index.js": model.NewFileNode("x")}
	declared := &ai.Command{Tool: "yarn", Args: []string{"install"}}

	o := newTestOrchestrator(rt)
	if err := o.Run(context.Background(), "ws1", files, declared, &ai.Command{Tool: "node", Args: []string{"index.js"}}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rt.spawns) != 3 {
		t.Fatalf("spawns = %d, want 3", len(rt.spawns))
	}
	if rt.spawns[0].tool != "yarn" {
		t.Errorf("first spawn = %+v, want yarn", rt.spawns[0])
	}
	second := rt.spawns[1]
	if second.tool != "npm" || second.args[len(second.args)-1] != "--legacy-peer-deps" {
		t.Errorf("fallback spawn = %+v", second)
	}
}

func TestInstallFailureCapturesStrippedTail(t *testing.T) {
	rt := &fakeRuntime{}
	install := newFakeProcess("\x1b[31mnpm ERR!\x1b[0m peer dep conflict", 1, "")
	rt.queue(install)

	o := newTestOrchestrator(rt)
	err := o.Run(context.Background(), "ws1", testFiles(), nil, nil)
	if err == nil {
		t.Fatal("expected install failure")
	}

	var sbErr *apperr.SandboxError
	if !errors.As(err, &sbErr) || sbErr.Kind != apperr.SandboxInstallFailed {
		t.Fatalf("error = %v, want install_failed", err)
	}
	if strings.Contains(sbErr.Output, "\x1b") {
		t.Errorf("output tail still has escape codes: %q", sbErr.Output)
	}
	if !strings.Contains(sbErr.Output, "npm ERR! peer dep conflict") {
		t.Errorf("output tail = %q", sbErr.Output)
	}

	status := o.Status("ws1")
	if status.State != StateError {
		t.Errorf("state = %v, want error", status.State)
	}
	if status.PreviewURL != "" {
		t.Errorf("preview should be cleared, got %q", status.PreviewURL)
	}
}

func TestNewRunKillsPriorServer(t *testing.T) {
	rt := &fakeRuntime{}
	firstServer := newFakeProcess("up", 0, "http://127.0.0.1:3000")
	secondServer := newFakeProcess("up again", 0, "http://127.0.0.1:3000")
	rt.queue(
		newFakeProcess("ok", 0, ""), firstServer,
		newFakeProcess("ok", 0, ""), secondServer,
	)

	o := newTestOrchestrator(rt)
	if err := o.Run(context.Background(), "ws1", testFiles(), nil, nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := o.Run(context.Background(), "ws1", testFiles(), nil, nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if !firstServer.killed {
		t.Error("prior server was not killed")
	}
	if secondServer.killed {
		t.Error("new server should still be running")
	}
	if got := o.Status("ws1").State; got != StateRunning {
		t.Errorf("state = %v, want running", got)
	}
}

func TestServerExitReturnsWorkspaceToIdle(t *testing.T) {
	rt := &fakeRuntime{}
	server := newFakeProcess("up", 0, "http://127.0.0.1:3000")
	rt.queue(newFakeProcess("ok", 0, ""), server)

	o := newTestOrchestrator(rt)
	if err := o.Run(context.Background(), "ws1", testFiles(), nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Simulate the server dying on its own.
	server.Kill()

	deadline := time.After(2 * time.Second)
	for o.Status("ws1").State != StateIdle {
		select {
		case <-deadline:
			t.Fatalf("state = %v, want idle after server exit", o.Status("ws1").State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStopKillsServerAndClearsPreview(t *testing.T) {
	rt := &fakeRuntime{}
	server := newFakeProcess("up", 0, "http://127.0.0.1:3000")
	rt.queue(newFakeProcess("ok", 0, ""), server)

	o := newTestOrchestrator(rt)
	if err := o.Run(context.Background(), "ws1", testFiles(), nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	o.Stop("ws1")

	if !server.killed {
		t.Error("server was not killed")
	}
	status := o.Status("ws1")
	if status.State != StateIdle {
		t.Errorf("state = %v, want idle", status.State)
	}
	if status.PreviewURL != "" {
		t.Errorf("preview = %q, want empty", status.PreviewURL)
	}
}

func TestBootRunsOnceAcrossConcurrentRuns(t *testing.T) {
	rt := &fakeRuntime{bootDelay: 50 * time.Millisecond}
	// Interchangeable short-lived processes: the run outcome does not matter
	// here, only that all four runs share a single boot.
	for i := 0; i < 8; i++ {
		rt.queue(newFakeProcess("ok", 0, ""))
	}

	o := newTestOrchestrator(rt)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		id := string(rune('a' + i))
		go func() {
			defer wg.Done()
			_ = o.Run(context.Background(), "ws-"+id, testFiles(), nil, nil)
		}()
	}
	wg.Wait()

	if rt.bootCalls != 1 {
		t.Errorf("boot called %d times, want 1", rt.bootCalls)
	}
}

func TestBootFailureIsRetriedNextRun(t *testing.T) {
	rt := &fakeRuntime{bootErr: errors.New("daemon unreachable")}

	o := newTestOrchestrator(rt)
	err := o.Run(context.Background(), "ws1", testFiles(), nil, nil)
	var sbErr *apperr.SandboxError
	if !errors.As(err, &sbErr) || sbErr.Kind != apperr.SandboxBootFailed {
		t.Fatalf("error = %v, want boot_failed", err)
	}
	if got := o.Status("ws1").State; got != StateError {
		t.Errorf("state = %v, want error", got)
	}

	rt.mu.Lock()
	rt.bootErr = nil
	rt.mu.Unlock()
	rt.queue(newFakeProcess("ok", 0, ""), newFakeProcess("up", 0, "http://127.0.0.1:3000"))

	if err := o.Run(context.Background(), "ws1", testFiles(), nil, nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if rt.bootCalls != 2 {
		t.Errorf("boot called %d times, want 2", rt.bootCalls)
	}
}

func TestServerExitBeforeReadyFails(t *testing.T) {
	rt := &fakeRuntime{}
	crash := newFakeProcess("Error: cannot find module", 1, "")
	rt.queue(newFakeProcess("ok", 0, ""), crash)

	o := newTestOrchestrator(rt)
	err := o.Run(context.Background(), "ws1", testFiles(), nil, nil)
	var sbErr *apperr.SandboxError
	if !errors.As(err, &sbErr) || sbErr.Kind != apperr.SandboxSpawnFailed {
		t.Fatalf("error = %v, want spawn_failed", err)
	}
}
