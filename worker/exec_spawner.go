package worker

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fleetrpc/channel"
)

// EnvChildParams marks a re-executed worker child and carries its params.
const EnvChildParams = "FLEETRPC_WORKER_PARAMS"

// Descriptors a child finds its files on: ExtraFiles start at 3.
const (
	childChannelFd  = 3
	childListenerFd = 4
)

type childParams struct {
	ID                  int           `json:"id"`
	Kind                Kind          `json:"kind"`
	TaskIndex           int           `json:"task_index"`
	MaxConnections      int           `json:"max_connections"`
	LoopInterval        time.Duration `json:"loop_interval"`
	ChannelWriteTimeout time.Duration `json:"channel_write_timeout"`
}

// ExecSpawner re-executes a binary (by default the running one) for every worker. The
// child must call RunChild early in main.
type ExecSpawner struct {
	Path string   // defaults to os.Executable()
	Args []string // defaults to os.Args[1:]
	Env  []string // appended to os.Environ()
	Log  *zap.Logger
}

func (s *ExecSpawner) Spawn(params SpawnParams) (Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "worker: locate executable")
		}
		path = exe
	}
	args := s.Args
	if args == nil {
		args = os.Args[1:]
	}
	cs, err := json.Marshal(childParams{
		ID:                  params.ID,
		Kind:                params.Kind,
		TaskIndex:           params.TaskIndex,
		MaxConnections:      params.Config.MaxConnections,
		LoopInterval:        params.Config.LoopInterval,
		ChannelWriteTimeout: params.Config.ChannelWriteTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "worker: encode child params")
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(append(os.Environ(), s.Env...), EnvChildParams+"="+string(cs))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{params.Channel}
	if params.Kind == KindSocket {
		cmd.ExtraFiles = append(cmd.ExtraFiles, params.Listener)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "worker: start %s", path)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if s.Log != nil {
			s.Log.Debug("worker process exited", zap.Int("worker", params.ID), zap.Int("pid", p.Pid()), zap.Error(err))
		}
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Signal(sig os.Signal) error {
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// IsChild reports whether the current process was started by ExecSpawner.
func IsChild() bool {
	_, ok := os.LookupEnv(EnvChildParams)
	return ok
}

// RunChild runs the worker described by the environment and returns true, or returns
// false right away when the process is not a worker child.
//
// The child ignores SIGINT and SIGHUP, which belong to the manager, and stops on SIGTERM
// or when ctx is done.
func RunChild(ctx context.Context, app Application, log *zap.Logger) (bool, error) {
	raw, ok := os.LookupEnv(EnvChildParams)
	if !ok {
		return false, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	var cs childParams
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		return true, errors.Wrap(err, "worker: decode child params")
	}
	log = log.With(zap.Int("pid", os.Getpid()))

	signal.Ignore(syscall.SIGINT, syscall.SIGHUP, syscall.SIGPIPE)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	chFile := os.NewFile(childChannelFd, "channel")
	ch, err := channel.FromFile(chFile)
	chFile.Close()
	if err != nil {
		return true, err
	}
	ch.SetWriteTimeout(cs.ChannelWriteTimeout)

	cfg := Config{MaxConnections: cs.MaxConnections, LoopInterval: cs.LoopInterval}.withDefaults()
	if cs.Kind == KindTask {
		return true, newTaskWorker(cs.ID, cs.TaskIndex, app, ch, log).run(ctx)
	}

	lnFile := os.NewFile(childListenerFd, "listener-"+strconv.Itoa(cs.ID))
	ln, err := net.FileListener(lnFile)
	lnFile.Close()
	if err != nil {
		ch.Close()
		return true, errors.Wrap(err, "worker: listener")
	}
	return true, newSocketWorker(cs.ID, app, ln, ch, cfg, log).run(ctx)
}
