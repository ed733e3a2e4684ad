package bench

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/alitto/pond"
	"github.com/schollz/progressbar/v3"
)

// TransferResult is the outcome of one log download. Transfers run to
// completion even when some fail; every result is reported.
type TransferResult struct {
	Host       string
	RemotePath string
	LocalPath  string
	Skipped    bool
	Err        error
}

// LogDir is the local directory the run's logs land in, keyed by the run
// parameters.
func (c *Controller) LogDir(p RunParams) string {
	name := fmt.Sprintf("%d_%d_%d", p.RoundDuration, p.Nodes, p.Workers)
	if p.Long {
		name += "_long"
	}
	return filepath.Join(c.input.LogRoot, name)
}

// CollectLogs pulls the well-known log files from every running instance
// into LogDir(p), skipping files already present locally. Downloads run
// concurrently; the call returns only after every transfer has finished.
func (c *Controller) CollectLogs(ctx context.Context, p RunParams) ([]TransferResult, error) {
	dir := c.LogDir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	type job struct {
		host       string
		remotePath string
		localPath  string
	}
	jobs := []job{}
	results := []TransferResult{}
	for _, inst := range c.input.Registry.Running().Instances() {
		for _, remotePath := range c.input.RemoteLogFiles {
			localPath := filepath.Join(dir, inst.DNSName+"_"+path.Base(remotePath))
			if _, err := os.Stat(localPath); err == nil {
				slog.Debug("already collected", slog.String("path", localPath))
				results = append(results, TransferResult{
					Host:       inst.DNSName,
					RemotePath: remotePath,
					LocalPath:  localPath,
					Skipped:    true,
				})
				continue
			}
			jobs = append(jobs, job{inst.DNSName, remotePath, localPath})
		}
	}
	if len(jobs) == 0 {
		return results, nil
	}

	slog.Info("collecting logs", slog.Int("files", len(jobs)), slog.String("dir", dir))
	fetched := make([]TransferResult, len(jobs))
	pool := pond.New(c.input.TransferConcurrency, 0, pond.MinWorkers(c.input.TransferConcurrency))
	bar := progressbar.Default(int64(len(jobs)), "Downloading logs:")
	for i, j := range jobs {
		pool.Submit(func() {
			defer bar.Add(1)
			err := c.input.Fetcher.Fetch(j.host, j.remotePath, j.localPath)
			if err != nil {
				slog.Debug("transfer failed",
					slog.String("host", j.host),
					slog.String("remotePath", j.remotePath),
					slog.String("error", err.Error()),
				)
			}
			fetched[i] = TransferResult{
				Host:       j.host,
				RemotePath: j.remotePath,
				LocalPath:  j.localPath,
				Err:        err,
			}
		})
	}
	pool.StopAndWait()

	return append(results, fetched...), nil
}
