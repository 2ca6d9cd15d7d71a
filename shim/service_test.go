package shim

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	taskAPI "github.com/containerd/containerd/api/runtime/task/v2"
	"github.com/containerd/errdefs"

	"github.com/MarcinKonowalczyk/bfvm/utils"
)

type fakeShutdown struct {
	called int
}

func (f *fakeShutdown) Shutdown() {
	f.called++
}

func (f *fakeShutdown) RegisterCallback(func(context.Context) error) {}

func (f *fakeShutdown) Done() <-chan struct{} {
	return nil
}

func (f *fakeShutdown) Err() error {
	return nil
}

func newTestService(t *testing.T) (*bfTaskService, *fakeShutdown) {
	t.Helper()
	sd := &fakeShutdown{}
	svc, err := newTaskService(context.Background(), sd)
	utils.AssertNoError(t, err)
	return svc.(*bfTaskService), sd
}

func TestPidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), initPidFile)
	utils.AssertNoError(t, writePidFile(path, 4242))
	pid, err := readPidFile(path)
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, pid, 4242)

	_, err = readPidFile(filepath.Join(t.TempDir(), initPidFile))
	utils.Assert(t, os.IsNotExist(err), "missing pid file")
}

func TestPidFilePath(t *testing.T) {
	utils.AssertEqual(t, pidFilePath("/run/tasks/abc", "abc"), "/run/tasks/abc/bf.pid")
}

func TestExitStatus(t *testing.T) {
	utils.AssertEqual(t, exitStatus(nil), 255)

	cmd := exec.Command("/bin/sh", "-c", "exit 3")
	_ = cmd.Run()
	utils.AssertEqual(t, exitStatus(cmd.ProcessState), 3)

	cmd = exec.Command("/bin/sh", "-c", "kill -9 $$")
	_ = cmd.Run()
	utils.AssertEqual(t, exitStatus(cmd.ProcessState), exitCodeSignal+9)
}

func TestService_UnknownTask(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.State(ctx, &taskAPI.StateRequest{ID: "nope"})
	utils.AssertErrorIs(t, err, errdefs.ErrNotFound)
	_, err = svc.Start(ctx, &taskAPI.StartRequest{ID: "nope"})
	utils.AssertErrorIs(t, err, errdefs.ErrNotFound)
	_, err = svc.Delete(ctx, &taskAPI.DeleteRequest{ID: "nope"})
	utils.AssertErrorIs(t, err, errdefs.ErrNotFound)
	_, err = svc.Wait(ctx, &taskAPI.WaitRequest{ID: "nope"})
	utils.AssertErrorIs(t, err, errdefs.ErrNotFound)
	_, err = svc.Kill(ctx, &taskAPI.KillRequest{ID: "nope"})
	utils.AssertErrorIs(t, err, errdefs.ErrNotFound)
}

func TestService_NotImplemented(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Exec(ctx, &taskAPI.ExecProcessRequest{})
	utils.AssertErrorIs(t, err, errdefs.ErrNotImplemented)
	_, err = svc.Pause(ctx, &taskAPI.PauseRequest{})
	utils.AssertErrorIs(t, err, errdefs.ErrNotImplemented)
	_, err = svc.Pids(ctx, &taskAPI.PidsRequest{})
	utils.AssertErrorIs(t, err, errdefs.ErrNotImplemented)
	_, err = svc.Update(ctx, &taskAPI.UpdateTaskRequest{})
	utils.AssertErrorIs(t, err, errdefs.ErrAborted)
}

func TestService_CreateRejectsUnbalancedProgram(t *testing.T) {
	svc, _ := newTestService(t)
	bundle := writeBundle(t, "bad.bf", "[[]", nil)
	_, err := svc.Create(context.Background(), &taskAPI.CreateTaskRequest{ID: "bad", Bundle: bundle})
	utils.AssertErrorIs(t, err, errdefs.ErrInvalidArgument)
	utils.Assert(t, strings.Contains(err.Error(), "unbalanced loop at position 0"), "error should carry the position")
	utils.AssertEqual(t, len(svc.procs), 0)
}

func TestService_CreateRejectsMissingConfig(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), &taskAPI.CreateTaskRequest{ID: "x", Bundle: t.TempDir()})
	utils.AssertErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestService_ExitedTaskLifecycle(t *testing.T) {
	svc, sd := newTestService(t)
	ctx := context.Background()

	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	utils.AssertNoError(t, cmd.Start())
	done, mark_done := context.WithCancel(context.Background())
	svc.procs["t1"] = &proc{pid: cmd.Process.Pid, program: "t1.bf", done: done}
	svc.reap(ctx, "t1", cmd, nil, mark_done)

	utils.AssertEqual(t, sd.called, 1)
	utils.Assert(t, strings.Contains(svc.procs["t1"].String(), "exitStatus:0"), "proc should be exited")

	state, err := svc.State(ctx, &taskAPI.StateRequest{ID: "t1"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, state.ExitStatus, 0)

	wait, err := svc.Wait(ctx, &taskAPI.WaitRequest{ID: "t1"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, wait.ExitStatus, 0)

	_, err = svc.Kill(ctx, &taskAPI.KillRequest{ID: "t1"})
	utils.AssertNoError(t, err)

	_, err = svc.Delete(ctx, &taskAPI.DeleteRequest{ID: "t1"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, len(svc.procs), 0)
}

func mkfifo(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	utils.AssertNoError(t, syscall.Mkfifo(path, 0o600))
	return path
}

// openPeer opens the far end of a fifo in the background, since opening
// either end blocks until the other one is open too.
func openPeer(t *testing.T, path string, flag int) <-chan *os.File {
	t.Helper()
	ch := make(chan *os.File, 1)
	go func() {
		f, err := os.OpenFile(path, flag, 0)
		if err != nil {
			t.Errorf("opening %s: %v", path, err)
			close(ch)
			return
		}
		ch <- f
	}()
	return ch
}

func TestConnectStdio(t *testing.T) {
	ctx := context.Background()
	stdin := mkfifo(t, "stdin")
	stdout := mkfifo(t, "stdout")

	reader_ch := openPeer(t, stdout, os.O_RDONLY)
	writer_ch := openPeer(t, stdin, os.O_WRONLY)

	cmd := exec.Command("/bin/sh", "-c", "read l; echo $l; read m || echo eof")
	stdio, err := connectStdio(ctx, cmd, stdin, stdout, "")
	utils.AssertNoError(t, err)

	reader, writer := <-reader_ch, <-writer_ch
	utils.Assert(t, reader != nil && writer != nil, "fifo peers should open")
	defer reader.Close()

	utils.AssertNoError(t, cmd.Start())
	_, err = io.WriteString(writer, "hello\n")
	utils.AssertNoError(t, err)
	// closing the task's stdin is end of input for the process
	utils.AssertNoError(t, writer.Close())

	lines := bufio.NewScanner(reader)
	for _, want := range []string{"hello", "eof"} {
		utils.Assert(t, lines.Scan(), "expected another line")
		utils.AssertEqual(t, lines.Text(), want)
	}
	utils.AssertNoError(t, cmd.Wait())
	utils.AssertNoError(t, stdio.Close())
}

func TestConnectStdio_ClosesOnError(t *testing.T) {
	ctx := context.Background()
	stdout := mkfifo(t, "stdout")
	stderr := filepath.Join(t.TempDir(), "stderr")
	utils.AssertNoError(t, os.WriteFile(stderr, nil, 0o600))

	reader_ch := openPeer(t, stdout, os.O_RDONLY)
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	stdio, err := connectStdio(ctx, cmd, "", stdout, stderr)
	utils.Assert(t, err != nil, "stderr is not a fifo")
	utils.Assert(t, stdio == nil, "no closer on error")

	reader := <-reader_ch
	utils.Assert(t, reader != nil, "stdout peer should open")
	defer reader.Close()
	// the stdout writer is already released, so the reader sees end of file
	n, err := reader.Read(make([]byte, 1))
	utils.AssertEqual(t, n, 0)
	utils.AssertErrorIs(t, err, io.EOF)
}
