package ipc

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"

	"github.com/briarworks/offloadpool/pkg/types"
)

// WorkerEnvFlag, when present in a child's environment, tells
// cmd/offloadpool's main to run internal/worker.Main instead of building
// the Cobra command tree (the re-exec trick — see DESIGN.md; no library in
// the example corpus spawns a process's own binary as a worker, so this
// piece is necessarily hand-rolled).
const WorkerEnvFlag = "OFFLOADPOOL_WORKER"

// WorkerIDEnv carries the assigned worker ordinal to the child.
const WorkerIDEnv = "OFFLOADPOOL_WORKER_ID"

// WorkerGenerationEnv carries the spawn generation id to the child, purely
// for log correlation; the child never needs to interpret it.
const WorkerGenerationEnv = "OFFLOADPOOL_WORKER_GENERATION"

// Proc is the main-process handle to one spawned worker: the OS process
// plus its three pipes.
type Proc struct {
	Record *types.WorkerRecord

	cmd    *exec.Cmd
	subW   *os.File // write submissions to the worker's stdin
	resR   *os.File // read results from the worker's stdout
	notifW *os.File // write notifications to the worker's dedicated pipe
}

// Spawn starts worker ordinal id as a re-exec'd copy of the current binary,
// wired with a submission pipe (stdin), a result pipe (stdout), and a
// dedicated notification pipe delivered via ExtraFiles (landing on fd 3 in
// the child, since fds 0-2 are already spoken for).
func Spawn(id int) (*Proc, error) {
	subR, subW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("offloadpool: submission pipe: %w", err)
	}
	resR, resW, err := os.Pipe()
	if err != nil {
		subR.Close()
		subW.Close()
		return nil, fmt.Errorf("offloadpool: result pipe: %w", err)
	}
	notifR, notifW, err := os.Pipe()
	if err != nil {
		subR.Close()
		subW.Close()
		resR.Close()
		resW.Close()
		return nil, fmt.Errorf("offloadpool: notification pipe: %w", err)
	}

	generation := uuid.New()

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=1", WorkerEnvFlag),
		fmt.Sprintf("%s=%d", WorkerIDEnv, id),
		fmt.Sprintf("%s=%s", WorkerGenerationEnv, generation.String()),
	)
	cmd.Stdin = subR
	cmd.Stdout = resW
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{notifR}

	if err := cmd.Start(); err != nil {
		subR.Close()
		subW.Close()
		resR.Close()
		resW.Close()
		notifR.Close()
		notifW.Close()
		return nil, fmt.Errorf("offloadpool: spawn worker %d: %w", id, err)
	}

	// The child inherited subR/resW/notifR across fork+exec; the parent's
	// copies of the child-side ends are no longer needed and would
	// otherwise keep the pipe open after the child exits.
	subR.Close()
	resW.Close()
	notifR.Close()

	rec := &types.WorkerRecord{
		ID:         id,
		PID:        cmd.Process.Pid,
		Generation: generation,
		Alive:      true,
	}

	return &Proc{Record: rec, cmd: cmd, subW: subW, resR: resR, notifW: notifW}, nil
}

// SendCommand writes a CommandFrame to the worker's submission pipe.
func (p *Proc) SendCommand(f CommandFrame) error {
	return WriteFrame(p.subW, f)
}

// ReadEvent blocks for the next WorkerEvent on the worker's result pipe.
func (p *Proc) ReadEvent() (WorkerEvent, error) {
	return ReadFrame[WorkerEvent](p.resR)
}

// SendNotification writes a Notification to the worker's notification
// pipe.
func (p *Proc) SendNotification(n types.Notification) error {
	return WriteFrame(p.notifW, n)
}

// Kill forcibly terminates the worker process.
func (p *Proc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Wait blocks until the worker process exits.
func (p *Proc) Wait() error {
	return p.cmd.Wait()
}

// Close releases the parent-side pipe ends. Call after the worker has
// exited (or been killed) to avoid leaking file descriptors.
func (p *Proc) Close() {
	p.subW.Close()
	p.resR.Close()
	p.notifW.Close()
}

// IsWorkerProcess reports whether the current process was spawned as a
// worker, i.e. whether cmd/offloadpool's main should hand off to
// internal/worker.Main.
func IsWorkerProcess() bool {
	return os.Getenv(WorkerEnvFlag) == "1"
}
