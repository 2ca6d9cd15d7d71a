package shim

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	apitypes "github.com/containerd/containerd/api/types"
	"github.com/containerd/containerd/v2/pkg/shim"
	"github.com/containerd/log"
)

// https://pubs.opengroup.org/onlinepubs/9699919799/utilities/V3_chap02.html#tag_18_21_18
const exitCodeSignal = 128
const (
	initPidFile = "bf.pid"
	shimPidFile = "shim.pid"
)

// RuntimeVersion is reported through Info.
const RuntimeVersion = "v1.3.0"

// comptime override for debug flag
// set with `-ldflags="-X 'github.com/MarcinKonowalczyk/bfvm/shim.debug=true'"`
var debug string

type bfManager struct {
	name string
}

func NewManager(name string) shim.Manager {
	return bfManager{name: name}
}

var (
	_ = shim.Manager(&bfManager{})
)

func (m bfManager) Name() string {
	return m.name
}

func (m bfManager) Start(ctx context.Context, id string, opts shim.StartOpts) (shim.BootstrapParams, error) {
	log.G(ctx).WithField("id", id).Debug("start (manager)")

	cwd, err := os.Getwd()
	if err != nil {
		return shim.BootstrapParams{}, fmt.Errorf("getting current working directory: %w", err)
	}
	cmd, err := shimCommand(ctx, cwd, opts)
	if err != nil {
		return shim.BootstrapParams{}, err
	}
	sockAddr, sockF, err := listen(ctx, id, opts)
	if err != nil {
		return shim.BootstrapParams{}, err
	}
	cmd.ExtraFiles = append(cmd.ExtraFiles, sockF)

	if err := startDetached(ctx, cmd); err != nil {
		sockF.Close()
		return shim.BootstrapParams{}, err
	}
	pid := cmd.Process.Pid
	if err := writePidFile(filepath.Join(cwd, shimPidFile), pid); err != nil {
		log.G(ctx).WithError(err).Warn("failed to write shim pid file")
	}
	if err := shim.AdjustOOMScore(pid); err != nil {
		return shim.BootstrapParams{}, fmt.Errorf("adjusting shim process OOM score: %w", err)
	}
	return bootstrapParams(sockAddr), nil
}

func shimArgs(opts shim.StartOpts) []string {
	if opts.Debug || debug != "" {
		return []string{"-debug"}
	}
	return nil
}

// shimCommand re-executes the current binary as the long-lived shim
// serving tasks from cwd.
func shimCommand(ctx context.Context, cwd string, opts shim.StartOpts) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("getting executable of current process: %w", err)
	}
	cmd, err := shim.Command(ctx, &shim.CommandConfig{
		Runtime:      self,
		Address:      opts.Address,
		TTRPCAddress: opts.TTRPCAddress,
		Path:         cwd,
		Args:         shimArgs(opts),
	})
	if err != nil {
		return nil, fmt.Errorf("creating shim command: %w", err)
	}
	return cmd, nil
}

// listen binds the ttrpc socket of task id. The shim process inherits it
// as its first extra file.
func listen(ctx context.Context, id string, opts shim.StartOpts) (string, *os.File, error) {
	sockAddr, err := shim.SocketAddress(ctx, opts.Address, id, opts.Debug)
	if err != nil {
		return "", nil, fmt.Errorf("getting a socket address: %w", err)
	}
	socket, err := shim.NewSocket(sockAddr)
	if err != nil {
		return "", nil, fmt.Errorf("creating socket: %w", err)
	}
	sockF, err := socket.File()
	if err != nil {
		return "", nil, fmt.Errorf("getting shim socket file descriptor: %w", err)
	}
	return sockAddr, sockF, nil
}

// startDetached starts cmd from a locked OS thread and reaps it in the
// background.
func startDetached(ctx context.Context, cmd *exec.Cmd) error {
	runtime.LockOSThread()
	err := cmd.Start()
	runtime.UnlockOSThread()
	if err != nil {
		return fmt.Errorf("starting shim command: %w", err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				log.G(ctx).WithError(err).Errorf("failed to wait for shim process %d", cmd.Process.Pid)
			}
		}
	}()
	return nil
}

func bootstrapParams(sockAddr string) shim.BootstrapParams {
	return shim.BootstrapParams{
		Version:  2,
		Address:  sockAddr,
		Protocol: "ttrpc",
	}
}

func (m bfManager) Stop(ctx context.Context, id string) (shim.StopStatus, error) {
	log.G(ctx).WithField("id", id).Debug("stop (manager)")

	cwd, err := os.Getwd()
	if err != nil {
		return shim.StopStatus{}, fmt.Errorf("getting current working directory: %w", err)
	}
	pid, err := readPidFile(pidFilePath(cwd, id))
	if err != nil {
		return shim.StopStatus{}, fmt.Errorf("reading pid file: %w", err)
	}

	if pid > 0 {
		p, _ := os.FindProcess(pid)
		// The POSIX standard specifies that a null-signal can be sent to check
		// whether a PID is valid.
		if err := p.Signal(syscall.Signal(0)); err == nil {
			if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
				log.G(ctx).WithError(err).Warnf("failed to send kill syscall to init process %d", pid)
			}
		}
	}

	return shim.StopStatus{
		Pid:        pid,
		ExitedAt:   time.Now(),
		ExitStatus: int(exitCodeSignal + syscall.SIGKILL),
	}, nil
}

func (m bfManager) Info(ctx context.Context, optionsR io.Reader) (*apitypes.RuntimeInfo, error) {
	log.G(ctx).Debug("info (manager)")
	return &apitypes.RuntimeInfo{
		Name: m.name,
		Version: &apitypes.RuntimeVersion{
			Version: RuntimeVersion,
		},
	}, nil
}

// The pid file of task id lives in the task's bundle, a sibling of the
// shim's working directory.
func pidFilePath(cwd, id string) string {
	return filepath.Join(filepath.Dir(cwd), id, initPidFile)
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return -1, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// If containerd needs to resort to calling the shim's "stop" command to
// clean things up, having the process' pid readable from a file is the
// only way for it to know what init process is associated with the task.
func writePidFile(path string, pid int) error {
	if err := shim.WritePidFile(path, pid); err != nil {
		return fmt.Errorf("writing pid file of init process: %w", err)
	}
	// rw-r--r--
	if err := os.Chmod(path, 0644); err != nil {
		return fmt.Errorf("changing pid file permissions: %w", err)
	}
	return nil
}
