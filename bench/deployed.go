package bench

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chainbench/fleetbench/util"
	"github.com/hashicorp/go-version"
)

// DeployStatus reports whether the workload is present on one instance, and
// whether the deployed version is older than the configured minimum.
type DeployStatus struct {
	InstanceID string
	Deployed   bool
	Version    string
	Outdated   bool
}

// CheckDeployed asks every running instance for the workload's version and
// reports which instances have it, which do not, and which run a version
// older than MinWorkloadVersion (when one is configured).
func (c *Controller) CheckDeployed(ctx context.Context) ([]DeployStatus, error) {
	var minVersion *version.Version
	if c.input.MinWorkloadVersion != "" {
		v, err := version.NewVersion(c.input.MinWorkloadVersion)
		if err != nil {
			return nil, fmt.Errorf("bad minimum workload version %q: %w", c.input.MinWorkloadVersion, err)
		}
		minVersion = v
	}

	cmd := c.input.WorkloadBinary + " --version"
	outputs, err := c.input.Coordinator.RunBlocking(ctx, cmd)
	if err != nil {
		return nil, err
	}

	statuses := []DeployStatus{}
	for _, id := range sortedKeys(outputs) {
		out := outputs[id]
		status := DeployStatus{InstanceID: id}
		if out.ExitCode == 0 {
			status.Deployed = true
			status.Version = util.LastNonEmptyLine([]byte(out.Stdout))
			if minVersion != nil {
				deployed, err := version.NewVersion(status.Version)
				if err != nil {
					slog.Debug("can't parse workload version",
						slog.String("instanceID", id),
						slog.String("version", status.Version),
					)
					status.Outdated = true
				} else if deployed.LessThan(minVersion) {
					status.Outdated = true
				}
			}
			fmt.Fprintf(c.input.Out, "%s: deployed (%s)\n", id, status.Version)
		} else {
			fmt.Fprintf(c.input.Out, "%s: not deployed yet, please wait\n", id)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
