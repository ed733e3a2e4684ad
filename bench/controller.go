package bench

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/chainbench/fleetbench/fleet"
	"github.com/chainbench/fleetbench/remote"
)

// Fetcher copies one remote file to a local path. Satisfied by
// *transfer.Client.
type Fetcher interface {
	Fetch(host, remotePath, localPath string) error
}

const settleDelay = 5 * time.Second

type ControllerInput struct {
	Registry    *fleet.Registry
	Coordinator *remote.Coordinator
	Fetcher     Fetcher

	WorkloadScript  string // remote launcher, e.g. /home/ec2-user/main.sh
	WorkloadBinary  string // remote workload binary
	WorkloadProcess string // process name matched by pkill
	RemoteLogFiles  []string
	RemoteDataDirs  []string
	LogRoot         string
	ServicePort     int

	TransferConcurrency int
	MinWorkloadVersion  string

	Sleep func(time.Duration)
	Out   io.Writer
}

// Controller exposes the benchmark verbs: run, stop, clean, collect logs,
// and a deployment check. Each one is a fixed shell command fanned out over
// the running fleet, plus SFTP pulls for log collection.
type Controller struct {
	input *ControllerInput
}

func NewController(input *ControllerInput) *Controller {
	if input.WorkloadScript == "" {
		input.WorkloadScript = "/home/ec2-user/main.sh"
	}
	if input.WorkloadBinary == "" {
		input.WorkloadBinary = "/home/ec2-user/benchd"
	}
	if input.WorkloadProcess == "" {
		input.WorkloadProcess = "benchd"
	}
	if len(input.RemoteLogFiles) == 0 {
		input.RemoteLogFiles = []string{"/home/ec2-user/main.log", "/home/ec2-user/stats.csv"}
	}
	if input.LogRoot == "" {
		input.LogRoot = "log"
	}
	if input.ServicePort == 0 {
		input.ServicePort = 8333
	}
	if input.TransferConcurrency == 0 {
		input.TransferConcurrency = 8
	}
	if input.Sleep == nil {
		input.Sleep = time.Sleep
	}
	if input.Out == nil {
		input.Out = os.Stdout
	}
	return &Controller{input: input}
}

// RunParams keys one benchmark run. Nodes is the configured fleet size used
// for the local log directory name; the command itself carries the live
// running count.
type RunParams struct {
	RoundDuration int
	Nodes         int
	Workers       int
	Long          bool
}

// Run stops any prior workload, clears its logs, and launches a fresh run on
// every running instance. The launch itself is not waited on.
func (c *Controller) Run(ctx context.Context, p RunParams) error {
	if err := c.Stop(ctx, false); err != nil {
		return err
	}
	if err := c.Clean(ctx, false); err != nil {
		return err
	}
	c.input.Sleep(settleDelay)

	running := c.input.Registry.Running()
	peers := strings.Join(c.input.Registry.Peers(c.input.ServicePort), ",")
	cmd := fmt.Sprintf("%s %d %d %d %s",
		c.input.WorkloadScript, p.RoundDuration, running.Len(), p.Workers, peers)

	slog.Info("starting workload", slog.String("command", cmd))
	_, err := c.input.Coordinator.Dispatch(ctx, cmd)
	return err
}

// Stop kills the workload (and its stats collector) on every running
// instance. Non-blocking unless asked otherwise.
func (c *Controller) Stop(ctx context.Context, blocking bool) error {
	cmd := fmt.Sprintf("pkill -9 -f %s & pkill -9 -f dstat", c.input.WorkloadProcess)
	slog.Info("killing workload processes")
	return c.dispatchMaybeBlocking(ctx, cmd, blocking)
}

// Clean removes the workload's log and data paths on every running instance.
func (c *Controller) Clean(ctx context.Context, blocking bool) error {
	paths := append(append([]string{}, c.input.RemoteLogFiles...), c.input.RemoteDataDirs...)
	cmd := "rm -rf " + strings.Join(paths, " ")
	slog.Info("removing remote logs")
	return c.dispatchMaybeBlocking(ctx, cmd, blocking)
}

func (c *Controller) dispatchMaybeBlocking(ctx context.Context, cmd string, blocking bool) error {
	if !blocking {
		_, err := c.input.Coordinator.Dispatch(ctx, cmd)
		return err
	}
	outputs, err := c.input.Coordinator.RunBlocking(ctx, cmd)
	if err != nil {
		return err
	}
	for _, id := range sortedKeys(outputs) {
		out := outputs[id]
		if out.ExitCode == 0 {
			fmt.Fprintf(c.input.Out, "done at %s\n", id)
		} else {
			fmt.Fprintf(c.input.Out, "error (or already done) at %s: %s\n", id, out.Stdout)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
