package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/chainbench/fleetbench/fleet"
)

const DefaultPollInterval = 5 * time.Second

// Dispatched correlates one dispatch with the exact instances it went to, so
// collection polls the same set even if the fleet changes underneath.
type Dispatched struct {
	commands map[string]string   // region → command id
	ids      map[string][]string // region → instance ids
}

func (d *Dispatched) CommandID(region string) string { return d.commands[region] }

type CoordinatorInput struct {
	Registry *fleet.Registry
	Runner   Runner

	PollInterval time.Duration
	Sleep        func(time.Duration)
}

// Coordinator fans one shell command out to every running instance, one
// batched request per region, and polls per-instance completion. It holds no
// state of its own; the running subset is read from the registry at dispatch
// time.
type Coordinator struct {
	input *CoordinatorInput
}

func NewCoordinator(input *CoordinatorInput) *Coordinator {
	if input.PollInterval == 0 {
		input.PollInterval = DefaultPollInterval
	}
	if input.Sleep == nil {
		input.Sleep = time.Sleep
	}
	return &Coordinator{input: input}
}

// Refresh re-queries instance state so the next dispatch sees the current
// running subset.
func (c *Coordinator) Refresh(ctx context.Context) error {
	return c.input.Registry.Refresh(ctx, fleet.SelectAll())
}

// Dispatch submits cmd to every running instance, grouped by region.
func (c *Coordinator) Dispatch(ctx context.Context, cmd string) (*Dispatched, error) {
	d := &Dispatched{
		commands: map[string]string{},
		ids:      map[string][]string{},
	}
	byRegion := c.input.Registry.Running().ByRegion()
	regions := make([]string, 0, len(byRegion))
	for region := range byRegion {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	for _, region := range regions {
		ids := byRegion[region].IDs()
		commandID, err := c.input.Runner.Send(ctx, region, ids, cmd)
		if err != nil {
			return nil, fmt.Errorf("send command in %s: %w", region, err)
		}
		slog.Debug("dispatched command",
			slog.String("region", region),
			slog.String("commandID", commandID),
			slog.Int("instances", len(ids)),
		)
		d.commands[region] = commandID
		d.ids[region] = ids
	}
	return d, nil
}

// Collect polls the result of every dispatched invocation once. Invocations
// still in flight come back with Pending set.
func (c *Coordinator) Collect(ctx context.Context, d *Dispatched) (map[string]*Invocation, error) {
	out := map[string]*Invocation{}
	for region, commandID := range d.commands {
		for _, id := range d.ids[region] {
			inv, err := c.input.Runner.Invocation(ctx, region, commandID, id)
			if err != nil {
				return nil, fmt.Errorf("get invocation for %s in %s: %w", id, region, err)
			}
			out[id] = inv
		}
	}
	return out, nil
}

// Wait polls Collect until no invocation is pending. The first collect
// happens immediately; a sleep only occurs when something is still in
// flight. The context is the only bound.
func (c *Coordinator) Wait(ctx context.Context, d *Dispatched) (map[string]*Invocation, error) {
	for {
		out, err := c.Collect(ctx, d)
		if err != nil {
			return nil, err
		}
		if !anyPending(out) {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		c.input.Sleep(c.input.PollInterval)
	}
}

// RunBlocking dispatches cmd and waits for every instance to finish.
func (c *Coordinator) RunBlocking(ctx context.Context, cmd string) (map[string]*Invocation, error) {
	d, err := c.Dispatch(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, d)
}

func anyPending(out map[string]*Invocation) bool {
	for _, inv := range out {
		if inv.Pending {
			return true
		}
	}
	return false
}
