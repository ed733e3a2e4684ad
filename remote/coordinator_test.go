package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainbench/fleetbench/fleet"
	"github.com/chainbench/fleetbench/provider"
)

// staticProvider serves canned snapshots so Coordinator.Refresh can be
// exercised end to end through the registry.
type staticProvider struct {
	snaps map[string][]provider.Snapshot
}

func (p *staticProvider) DescribeInstances(ctx context.Context, region string, ids []string) ([]provider.Snapshot, error) {
	return p.snaps[region], nil
}

func (p *staticProvider) DescribeInstanceStatus(ctx context.Context, region string, ids []string) (map[string]*provider.Status, error) {
	return map[string]*provider.Status{}, nil
}

func (p *staticProvider) StartInstances(ctx context.Context, region string, ids []string, dryrun bool) error {
	return nil
}

func (p *staticProvider) StopInstances(ctx context.Context, region string, ids []string, dryrun bool) error {
	return nil
}

func (p *staticProvider) TerminateInstances(ctx context.Context, region string, ids []string, dryrun bool) error {
	return nil
}

func (p *staticProvider) CreateInstances(ctx context.Context, region string, count int, dryrun bool) ([]string, error) {
	return nil, nil
}

type sendRecord struct {
	region string
	ids    []string
	cmd    string
}

type fakeRunner struct {
	sends []sendRecord

	// pendingRounds maps instance id to how many polls report it as still
	// in flight before it completes.
	pendingRounds map[string]int

	exitCode int
	stdout   string
}

func (f *fakeRunner) Send(ctx context.Context, region string, ids []string, cmd string) (string, error) {
	f.sends = append(f.sends, sendRecord{region, ids, cmd})
	return "cmd-" + region, nil
}

func (f *fakeRunner) Invocation(ctx context.Context, region, commandID, instanceID string) (*Invocation, error) {
	if n := f.pendingRounds[instanceID]; n > 0 {
		f.pendingRounds[instanceID] = n - 1
		return &Invocation{InstanceID: instanceID, Region: region, Pending: true}, nil
	}
	return &Invocation{
		InstanceID: instanceID,
		Region:     region,
		ExitCode:   f.exitCode,
		Stdout:     f.stdout,
	}, nil
}

func running(t *testing.T, reg *fleet.Registry, id, region, ip string) {
	t.Helper()
	inst := fleet.NewInstance(id, region)
	inst.SetState(fleet.StateRunning)
	inst.PublicIP = ip
	inst.DNSName = id + ".example.com"
	require.NoError(t, reg.Insert(inst))
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeRunner, *int) {
	t.Helper()
	reg := fleet.NewRegistry(&fleet.RegistryInput{})
	running(t, reg, "i-1", "r1", "192.0.2.1")
	running(t, reg, "i-2", "r1", "192.0.2.2")
	running(t, reg, "i-3", "r2", "192.0.2.3")

	stopped := fleet.NewInstance("i-4", "r1")
	stopped.SetState(fleet.StateStopped)
	require.NoError(t, reg.Insert(stopped))

	runner := &fakeRunner{pendingRounds: map[string]int{}}
	sleeps := 0
	c := NewCoordinator(&CoordinatorInput{
		Registry: reg,
		Runner:   runner,
		Sleep:    func(time.Duration) { sleeps++ },
	})
	return c, runner, &sleeps
}

func TestRefreshNarrowsDispatchToRunning(t *testing.T) {
	prov := &staticProvider{snaps: map[string][]provider.Snapshot{
		"r1": {
			{ID: "i-1", DNSName: "one.example.com", State: "running"},
			{ID: "i-2", DNSName: "two.example.com", State: "stopped"},
		},
	}}
	reg := fleet.NewRegistry(&fleet.RegistryInput{
		Provider: prov,
		Catalog:  fleet.NewCatalog(fleet.Region{ID: "r1", Name: "Region One"}),
		Probe:    func(string, time.Duration) bool { return true },
		Resolve:  func(string) (string, error) { return "192.0.2.1", nil },
	})
	runner := &fakeRunner{pendingRounds: map[string]int{}}
	c := NewCoordinator(&CoordinatorInput{Registry: reg, Runner: runner})

	require.NoError(t, c.Refresh(context.Background()))
	_, err := c.Dispatch(context.Background(), "hostname")
	require.NoError(t, err)
	require.Len(t, runner.sends, 1)
	assert.Equal(t, []string{"i-1"}, runner.sends[0].ids)

	// After the instance stops, a fresh Refresh drops it from the dispatch
	// set and nothing is sent.
	prov.snaps["r1"][0].State = "stopped"
	require.NoError(t, c.Refresh(context.Background()))
	d, err := c.Dispatch(context.Background(), "hostname")
	require.NoError(t, err)
	require.Len(t, runner.sends, 1)
	assert.Empty(t, d.CommandID("r1"))
}

func TestDispatchBatchesPerRegion(t *testing.T) {
	c, runner, _ := newTestCoordinator(t)

	d, err := c.Dispatch(context.Background(), "uname -a")
	require.NoError(t, err)

	require.Len(t, runner.sends, 2)
	assert.Equal(t, "r1", runner.sends[0].region)
	assert.ElementsMatch(t, []string{"i-1", "i-2"}, runner.sends[0].ids)
	assert.Equal(t, "uname -a", runner.sends[0].cmd)
	assert.Equal(t, "r2", runner.sends[1].region)
	assert.Equal(t, []string{"i-3"}, runner.sends[1].ids)

	assert.Equal(t, "cmd-r1", d.CommandID("r1"))
	assert.Equal(t, "cmd-r2", d.CommandID("r2"))
}

func TestRunBlockingImmediateCompletion(t *testing.T) {
	c, runner, sleeps := newTestCoordinator(t)
	runner.stdout = "ok"

	out, err := c.RunBlocking(context.Background(), "true")
	require.NoError(t, err)

	// Everything completed on the first collect, so no sleep happened.
	assert.Equal(t, 0, *sleeps)
	require.Len(t, out, 3)
	for _, id := range []string{"i-1", "i-2", "i-3"} {
		require.Contains(t, out, id)
		assert.False(t, out[id].Pending)
		assert.Equal(t, "ok", out[id].Stdout)
	}
}

func TestRunBlockingPollsWhilePending(t *testing.T) {
	c, runner, sleeps := newTestCoordinator(t)
	runner.pendingRounds["i-2"] = 2

	out, err := c.RunBlocking(context.Background(), "sleep 10")
	require.NoError(t, err)
	assert.Equal(t, 2, *sleeps)
	assert.False(t, out["i-2"].Pending)
}

func TestWaitHonorsContext(t *testing.T) {
	c, runner, _ := newTestCoordinator(t)
	runner.pendingRounds["i-1"] = 1000

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.RunBlocking(ctx, "sleep forever")
	require.ErrorIs(t, err, context.Canceled)
}

func TestCollectReportsPendingSentinel(t *testing.T) {
	c, runner, _ := newTestCoordinator(t)
	runner.pendingRounds["i-3"] = 1

	d, err := c.Dispatch(context.Background(), "hostname")
	require.NoError(t, err)
	out, err := c.Collect(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, out["i-3"].Pending)
	assert.False(t, out["i-1"].Pending)
}
