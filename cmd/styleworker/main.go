// styleworker is the per-device render process. It speaks framed jobs
// on stdin/stdout and must not write anything else to stdout, so all
// logging goes to stderr.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/danmuck/stylectl/internal/logging"
	"github.com/danmuck/stylectl/internal/network"
	"github.com/danmuck/stylectl/internal/worker"
)

func main() {
	workerID := flag.Int("worker-id", 0, "worker index assigned by the supervisor")
	device := flag.Int("device", -1, "compute device number (-1 for CPU)")
	backend := flag.String("network", "pyramid", "network backend to evaluate")
	threads := flag.Int("threads", 0, "initial compute thread cap (0 for default)")
	flag.Parse()

	log := logging.Init("styleworker", os.Stderr).With().Int("worker", *workerID).Logger()
	if *threads > 0 {
		runtime.GOMAXPROCS(*threads)
	}

	net, err := network.New(*backend, *device)
	if err != nil {
		log.Error().Err(err).Str("network", *backend).Msg("backend init failed")
		fmt.Fprintf(os.Stderr, "styleworker: %v\n", err)
		os.Exit(1)
	}

	w := worker.New(net, log)
	log.Info().Int("device", *device).Str("network", *backend).Msg("worker ready")
	if err := w.Loop(os.Stdin, os.Stdout); err != nil {
		log.Error().Err(err).Msg("worker loop failed")
		os.Exit(1)
	}
}
