// ============================================================================
// offloadpool entrypoint
// ============================================================================
//
// cmd/offloadpool is one binary with two personalities, distinguished by
// ipc.IsWorkerProcess(): the main process builds and runs the Cobra command
// tree; a re-exec'd child (internal/ipc.Spawn sets OFFLOADPOOL_WORKER=1)
// instead hands off straight to internal/worker.Main. Both branches call
// register (cmd/offloadpool/callables.go) to populate their own Registry,
// since a worker cannot receive Go closures over its pipes — it has to
// reconstruct the identical callable table by running the same source code.
//
// Grounded on the teacher's cmd/demo/main.go and cmd/node/main.go, which
// split "run as controller" vs "run as worker node" on a CLI flag rather
// than an environment variable and a re-exec; this repo's worker has no
// independent binary to invoke; it is the same binary re-executing itself.
//
// ============================================================================

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/briarworks/offloadpool/internal/cli"
	"github.com/briarworks/offloadpool/internal/ipc"
	"github.com/briarworks/offloadpool/internal/registry"
	"github.com/briarworks/offloadpool/internal/worker"
)

func main() {
	if ipc.IsWorkerProcess() {
		if err := runWorker(); err != nil {
			fmt.Fprintln(os.Stderr, "offloadpool worker:", err)
			os.Exit(1)
		}
		return
	}

	root := cli.BuildCLI(register)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorker() error {
	id, err := strconv.Atoi(os.Getenv(ipc.WorkerIDEnv))
	if err != nil {
		return fmt.Errorf("offloadpool: invalid %s: %w", ipc.WorkerIDEnv, err)
	}

	reg := registry.New()
	register(reg)

	slog.Default().Info("worker starting", "worker_id", id)
	return worker.Main(reg, id)
}
