package shim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	taskAPI "github.com/containerd/containerd/api/runtime/task/v2"
	tasktypes "github.com/containerd/containerd/api/types/task"
	"github.com/containerd/containerd/protobuf"
	ptypes "github.com/containerd/containerd/v2/pkg/protobuf/types"
	"github.com/containerd/containerd/v2/pkg/shim"
	"github.com/containerd/containerd/v2/pkg/shutdown"
	"github.com/containerd/containerd/v2/plugins"
	"github.com/containerd/errdefs"
	"github.com/containerd/fifo"
	"github.com/containerd/log"
	"github.com/containerd/plugin"
	"github.com/containerd/plugin/registry"
	"github.com/containerd/ttrpc"
	"google.golang.org/protobuf/types/known/anypb"
)

func init() {
	registry.Register(&plugin.Registration{
		Type: plugins.TTRPCPlugin,
		ID:   "task",
		Requires: []plugin.Type{
			plugins.InternalPlugin,
		},
		InitFn: func(ic *plugin.InitContext) (interface{}, error) {
			ss, err := ic.GetByID(plugins.InternalPlugin, "shutdown")
			if err != nil {
				return nil, err
			}
			return newTaskService(ic.Context, ss.(shutdown.Service))
		},
	})
}

// proc is the interpreter process backing one task.
type proc struct {
	pid     int
	program string

	done       context.Context
	exitTime   time.Time
	exitStatus int

	stdout string
	stdin  string
	stderr string
}

func (p *proc) exited() bool {
	return p.done.Err() != nil
}

func (p *proc) String() string {
	if p.exited() {
		return fmt.Sprintf("pid:%d program:%s, exitTime:%s, exitStatus:%d", p.pid, p.program, p.exitTime.Format(time.RFC3339), p.exitStatus)
	}
	return fmt.Sprintf("pid:%d program:%s running", p.pid, p.program)
}

type bfTaskService struct {
	mu       sync.RWMutex
	procs    map[string]*proc
	shutdown shutdown.Service
}

func newTaskService(ctx context.Context, sd shutdown.Service) (taskAPI.TaskService, error) {
	return &bfTaskService{
		procs:    make(map[string]*proc, 1),
		shutdown: sd,
	}, nil
}

var (
	_ = shim.TTRPCService(&bfTaskService{})
)

// RegisterTTRPC allows TTRPC services to be registered with the underlying server
func (s *bfTaskService) RegisterTTRPC(server *ttrpc.Server) error {
	taskAPI.RegisterTaskService(server, s)
	return nil
}

func (s *bfTaskService) get(id string) (*proc, error) {
	proc, ok := s.procs[id]
	if !ok {
		return nil, fmt.Errorf("task not created: %w", errdefs.ErrNotFound)
	}
	return proc, nil
}

func (s *bfTaskService) grab_context(id string) (context.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return proc.done, nil
}

// exitStatus converts the state of a finished process to a shell-style
// exit status.
func exitStatus(state *os.ProcessState) int {
	if state == nil {
		return 255
	}
	if state.Exited() {
		return state.ExitCode()
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return exitCodeSignal + int(ws.Signal())
	}
	return 255
}

// reap waits for the interpreter process of task id, releases its stdio,
// records its exit and shuts the shim down once no task is left running.
func (s *bfTaskService) reap(ctx context.Context, id string, cmd *exec.Cmd, stdio io.Closer, done func()) {
	pid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			log.G(ctx).WithError(err).Errorf("failed to wait for init process %d", pid)
		}
	}
	if stdio != nil {
		if err := stdio.Close(); err != nil {
			log.G(ctx).WithError(err).Debug("closing task stdio")
		}
	}
	if cmd.ProcessState == nil {
		log.G(ctx).Warn("init process wait returned without setting process state")
	}
	status := exitStatus(cmd.ProcessState)
	log.G(ctx).WithFields(log.Fields{"pid": pid, "status": status}).Debug("init process exited")

	s.mu.Lock()
	defer s.mu.Unlock()

	proc, ok := s.procs[id]
	if !ok {
		log.G(ctx).Errorf("failed to write final status of done init process: task %s was removed", id)
		done()
		return
	}
	proc.exitStatus = status
	proc.exitTime = time.Now()
	done()

	for _, p := range s.procs {
		if !p.exited() {
			return
		}
	}
	log.G(ctx).Debug("all procs exited. shutting down the shim")
	s.shutdown.Shutdown()
}

const start_stopped_script = `
#!/bin/sh
kill -STOP $$
exec "$@"
`

const command_wait_delay = 100 * time.Millisecond

func openFifo(ctx context.Context, path string, flag int) (io.ReadWriteCloser, error) {
	ok, err := fifo.IsFifo(path)
	if err != nil {
		return nil, fmt.Errorf("checking whether file %s is a fifo: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("file %s is not a fifo", path)
	}
	f, err := fifo.OpenFifo(ctx, path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("opening fifo %s: %w", path, err)
	}
	return f, nil
}

func copyAndLog(ctx context.Context, name string, dst io.Writer, src io.Reader) {
	if _, err := io.Copy(dst, src); err != nil {
		log.G(ctx).WithError(err).Errorf("failed to copy %s", name)
	}
}

// closers releases the fifos and pipes of one task.
type closers []io.Closer

func (c closers) Close() error {
	var first error
	for _, closer := range c {
		// cmd.Wait has already closed the pipe ends of a finished process
		if err := closer.Close(); err != nil && !errors.Is(err, os.ErrClosed) && first == nil {
			first = err
		}
	}
	return first
}

// connectStdio attaches the task's fifos to the interpreter process. The
// returned closer releases them once the process is gone. On error
// everything opened so far is already closed.
func connectStdio(ctx context.Context, cmd *exec.Cmd, stdin, stdout, stderr string) (_ io.Closer, retErr error) {
	var opened closers
	defer func() {
		if retErr != nil {
			opened.Close()
		}
	}()

	fw, err := openFifo(ctx, stdout, syscall.O_WRONLY)
	if err != nil {
		return nil, err
	}
	opened = append(opened, fw)
	stdout_pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stdout pipe: %w", err)
	}
	opened = append(opened, stdout_pipe)

	// without an attached stdin the interpreter reads from /dev/null
	var fr io.ReadCloser
	var stdin_pipe io.WriteCloser
	if stdin != "" {
		if fr, err = openFifo(ctx, stdin, syscall.O_RDONLY); err != nil {
			return nil, err
		}
		opened = append(opened, fr)
		if stdin_pipe, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("getting stdin pipe: %w", err)
		}
		opened = append(opened, stdin_pipe)
	}

	if stderr == "" {
		stderr = stdout
	}
	fe, err := openFifo(ctx, stderr, syscall.O_WRONLY)
	if err != nil {
		return nil, err
	}
	opened = append(opened, fe)
	stderr_pipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stderr pipe: %w", err)
	}
	opened = append(opened, stderr_pipe)

	go copyAndLog(ctx, "stdout pipe to "+stdout, fw, stdout_pipe)
	go copyAndLog(ctx, "stderr pipe to "+stderr, fe, stderr_pipe)
	if fr != nil {
		go func() {
			copyAndLog(ctx, stdin+" to stdin pipe", stdin_pipe, fr)
			// the interpreter sees end of input once the task's stdin closes
			stdin_pipe.Close()
		}()
	}
	return opened, nil
}

// Create a new task running the bundle's program. The interpreter is
// started suspended and resumed by Start.
func (s *bfTaskService) Create(ctx context.Context, r *taskAPI.CreateTaskRequest) (_ *taskAPI.CreateTaskResponse, retErr error) {
	log.G(ctx).WithField("id", r.ID).Debug("create (service)")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.procs[r.ID]; ok {
		return nil, errdefs.ErrAlreadyExists
	}

	config, err := ReadConfig(ctx, r.Bundle)
	if err != nil {
		return nil, errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("reading config file: %v", err))
	}
	if _, err := config.LoadProgram(); err != nil {
		return nil, errdefs.ErrInvalidArgument.WithMessage(err.Error())
	}

	script := filepath.Join(r.Bundle, "start-stopped.sh")
	if err := os.WriteFile(script, []byte(start_stopped_script), 0755); err != nil {
		return nil, fmt.Errorf("writing start-stopped.sh: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("getting executable of current process: %w", err)
	}

	args := append([]string{script, self}, config.Args()...)
	cmd := exec.Command("/bin/sh", args...)
	cmd.Env = os.Environ()
	if len(config.Path) > 0 {
		cmd.Env = append(cmd.Env, "PATH="+strings.Join(config.Path, ":"))
	}

	stdio, err := connectStdio(ctx, cmd, r.Stdin, r.Stdout, r.Stderr)
	if err != nil {
		return nil, err
	}
	cmd.WaitDelay = command_wait_delay

	if err := cmd.Start(); err != nil {
		stdio.Close()
		return nil, fmt.Errorf("running init command: %w", err)
	}
	pid := cmd.Process.Pid

	doneCtx, mark_done := context.WithCancel(context.Background())
	go s.reap(log.WithLogger(context.Background(), log.G(ctx)), r.ID, cmd, stdio, mark_done)

	if err := writePidFile(filepath.Join(r.Bundle, initPidFile), pid); err != nil {
		log.G(ctx).WithError(err).Warn("failed to write pid file")
	}

	s.procs[r.ID] = &proc{
		pid:     pid,
		program: config.Entrypoint,
		done:    doneCtx,
		stdout:  r.Stdout,
		stdin:   r.Stdin,
		stderr:  r.Stderr,
	}
	log.G(ctx).Debugf("created task %s: %s", r.ID, s.procs[r.ID])

	return &taskAPI.CreateTaskResponse{
		Pid: uint32(pid),
	}, nil
}

// Start the primary user process inside the container
func (s *bfTaskService) Start(ctx context.Context, r *taskAPI.StartRequest) (*taskAPI.StartResponse, error) {
	log.G(ctx).WithField("id", r.ID).Debug("start (service)")

	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, err := s.get(r.ID)
	if err != nil {
		return nil, err
	}

	if err := syscall.Kill(proc.pid, syscall.SIGCONT); err != nil {
		return nil, fmt.Errorf("resuming init process %d: %w", proc.pid, err)
	}

	return &taskAPI.StartResponse{
		Pid: uint32(proc.pid),
	}, nil
}

// Delete a process or container
func (s *bfTaskService) Delete(ctx context.Context, r *taskAPI.DeleteRequest) (*taskAPI.DeleteResponse, error) {
	log.G(ctx).WithField("id", r.ID).Debug("delete (service)")

	s.mu.Lock()
	defer s.mu.Unlock()

	proc, err := s.get(r.ID)
	if err != nil {
		return nil, err
	}
	if !proc.exited() {
		return nil, errdefs.ErrFailedPrecondition.WithMessage(fmt.Sprintf("init process %d is not done yet", proc.pid))
	}
	delete(s.procs, r.ID)

	return &taskAPI.DeleteResponse{
		Pid:        uint32(proc.pid),
		ExitStatus: uint32(proc.exitStatus),
		ExitedAt:   protobuf.ToTimestamp(proc.exitTime),
	}, nil
}

// Exec an additional process inside the container
func (s *bfTaskService) Exec(ctx context.Context, r *taskAPI.ExecProcessRequest) (*ptypes.Empty, error) {
	return nil, errdefs.ErrNotImplemented.WithMessage("Exec (task)")
}

// ResizePty of a process
func (s *bfTaskService) ResizePty(ctx context.Context, r *taskAPI.ResizePtyRequest) (*ptypes.Empty, error) {
	return &ptypes.Empty{}, nil
}

// State returns runtime state of a process
func (s *bfTaskService) State(ctx context.Context, r *taskAPI.StateRequest) (*taskAPI.StateResponse, error) {
	log.G(ctx).WithField("id", r.ID).Debug("state (service)")

	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, err := s.get(r.ID)
	if err != nil {
		return nil, err
	}

	status := tasktypes.Status_RUNNING
	if proc.exited() {
		status = tasktypes.Status_STOPPED
	}

	return &taskAPI.StateResponse{
		ID:         r.ID,
		Pid:        uint32(proc.pid),
		Status:     status,
		Stdout:     proc.stdout,
		Stdin:      proc.stdin,
		Stderr:     proc.stderr,
		ExitStatus: uint32(proc.exitStatus),
		ExitedAt:   protobuf.ToTimestamp(proc.exitTime),
	}, nil
}

// Pause the container
func (s *bfTaskService) Pause(ctx context.Context, r *taskAPI.PauseRequest) (*ptypes.Empty, error) {
	return nil, errdefs.ErrNotImplemented.WithMessage("Pause (task)")
}

// Resume the container
func (s *bfTaskService) Resume(ctx context.Context, r *taskAPI.ResumeRequest) (*ptypes.Empty, error) {
	return nil, errdefs.ErrNotImplemented.WithMessage("Resume (task)")
}

// Kill the interpreter process and wait for it to be reaped.
func (s *bfTaskService) Kill(ctx context.Context, r *taskAPI.KillRequest) (*ptypes.Empty, error) {
	log.G(ctx).WithField("id", r.ID).Debug("kill (service)")

	already_exited, done, err := func() (bool, context.Context, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		proc, err := s.get(r.ID)
		if err != nil {
			return false, nil, err
		}
		if proc.exited() {
			return true, proc.done, nil
		}
		if proc.pid > 0 {
			// The interpreter has no signal handling of its own, so
			// anything but a kill would leave it blocked on input.
			if err := syscall.Kill(proc.pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
				return false, nil, fmt.Errorf("sending SIGKILL to init process %d: %w", proc.pid, err)
			}
		}
		return false, proc.done, nil
	}()
	if err != nil {
		log.G(ctx).WithError(err).Errorf("failed to kill init process of %s", r.ID)
		return nil, err
	}

	if already_exited {
		log.G(ctx).Warnf("task already exited: %s", r.ID)
		return &ptypes.Empty{}, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done.Done():
	}
	return &ptypes.Empty{}, nil
}

// Pids returns all pids inside the container
func (s *bfTaskService) Pids(ctx context.Context, r *taskAPI.PidsRequest) (*taskAPI.PidsResponse, error) {
	return nil, errdefs.ErrNotImplemented.WithMessage("Pids (task)")
}

// CloseIO of a process
func (s *bfTaskService) CloseIO(ctx context.Context, r *taskAPI.CloseIORequest) (*ptypes.Empty, error) {
	return nil, errdefs.ErrNotImplemented.WithMessage("CloseIO (task)")
}

// Checkpoint the container
func (s *bfTaskService) Checkpoint(ctx context.Context, r *taskAPI.CheckpointTaskRequest) (*ptypes.Empty, error) {
	return nil, errdefs.ErrNotImplemented.WithMessage("Checkpoint (task)")
}

// Connect returns shim information of the underlying service
func (s *bfTaskService) Connect(ctx context.Context, r *taskAPI.ConnectRequest) (*taskAPI.ConnectResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	proc, err := s.get(r.ID)
	if err != nil {
		return nil, err
	}

	return &taskAPI.ConnectResponse{
		ShimPid: uint32(os.Getpid()),
		TaskPid: uint32(proc.pid),
	}, nil
}

// Shutdown is called after the underlying resources of the shim are cleaned up and the service can be stopped
func (s *bfTaskService) Shutdown(ctx context.Context, r *taskAPI.ShutdownRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("shutdown (service)")
	s.shutdown.Shutdown()
	return &ptypes.Empty{}, nil
}

// Stats carries no metrics; the interpreter runs in a single process with
// a fixed tape.
func (s *bfTaskService) Stats(ctx context.Context, r *taskAPI.StatsRequest) (*taskAPI.StatsResponse, error) {
	return &taskAPI.StatsResponse{
		Stats: &anypb.Any{},
	}, nil
}

// Update the live container
func (s *bfTaskService) Update(ctx context.Context, r *taskAPI.UpdateTaskRequest) (*ptypes.Empty, error) {
	return nil, errdefs.ErrAborted.WithMessage("Update (task)")
}

// Wait for a process to exit
func (s *bfTaskService) Wait(ctx context.Context, r *taskAPI.WaitRequest) (*taskAPI.WaitResponse, error) {
	log.G(ctx).WithField("id", r.ID).Debug("wait (service)")

	done, err := s.grab_context(r.ID)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done.Done():
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, ok := s.procs[r.ID]
	if !ok {
		return nil, fmt.Errorf("task was removed: %w", errdefs.ErrNotFound)
	}

	return &taskAPI.WaitResponse{
		ExitStatus: uint32(proc.exitStatus),
		ExitedAt:   protobuf.ToTimestamp(proc.exitTime),
	}, nil
}
