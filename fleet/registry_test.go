package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainbench/fleetbench/provider"
)

type fakeInstance struct {
	id     string
	region string
	dns    string
	state  string
}

type lifecycleCallRecord struct {
	region string
	ids    []string
	dryrun bool
}

type describeCallRecord struct {
	region string
	ids    []string
}

// fakeProvider is an in-memory Provider whose instances change state in
// response to lifecycle calls, so refresh loops converge immediately.
type fakeProvider struct {
	instances []*fakeInstance

	describeCalls  []describeCallRecord
	startCalls     []lifecycleCallRecord
	stopCalls      []lifecycleCallRecord
	terminateCalls []lifecycleCallRecord
	createCalls    []lifecycleCallRecord

	// extraSnapshot, when set, is returned from every DescribeInstances
	// call regardless of the requested ids.
	extraSnapshot *provider.Snapshot

	lifecycleErr error
	nextID       int
}

func (f *fakeProvider) find(id string) *fakeInstance {
	for _, inst := range f.instances {
		if inst.id == id {
			return inst
		}
	}
	return nil
}

func (f *fakeProvider) DescribeInstances(ctx context.Context, region string, ids []string) ([]provider.Snapshot, error) {
	f.describeCalls = append(f.describeCalls, describeCallRecord{region, ids})
	snaps := []provider.Snapshot{}
	for _, inst := range f.instances {
		if inst.region != region {
			continue
		}
		if len(ids) > 0 && !contains(ids, inst.id) {
			continue
		}
		snaps = append(snaps, provider.Snapshot{ID: inst.id, DNSName: inst.dns, State: inst.state})
	}
	if f.extraSnapshot != nil {
		snaps = append(snaps, *f.extraSnapshot)
	}
	return snaps, nil
}

func (f *fakeProvider) DescribeInstanceStatus(ctx context.Context, region string, ids []string) (map[string]*provider.Status, error) {
	statuses := map[string]*provider.Status{}
	for _, inst := range f.instances {
		if inst.region == region && inst.state == "running" {
			statuses[inst.id] = &provider.Status{Summary: "ok"}
		}
	}
	return statuses, nil
}

func (f *fakeProvider) lifecycle(record *[]lifecycleCallRecord, region string, ids []string, dryrun bool, next string) error {
	*record = append(*record, lifecycleCallRecord{region, ids, dryrun})
	if f.lifecycleErr != nil {
		return f.lifecycleErr
	}
	if dryrun {
		return provider.ErrDryRunSucceeded
	}
	for _, id := range ids {
		if inst := f.find(id); inst != nil {
			inst.state = next
		}
	}
	return nil
}

func (f *fakeProvider) StartInstances(ctx context.Context, region string, ids []string, dryrun bool) error {
	return f.lifecycle(&f.startCalls, region, ids, dryrun, "running")
}

func (f *fakeProvider) StopInstances(ctx context.Context, region string, ids []string, dryrun bool) error {
	return f.lifecycle(&f.stopCalls, region, ids, dryrun, "stopped")
}

func (f *fakeProvider) TerminateInstances(ctx context.Context, region string, ids []string, dryrun bool) error {
	return f.lifecycle(&f.terminateCalls, region, ids, dryrun, "terminated")
}

func (f *fakeProvider) CreateInstances(ctx context.Context, region string, count int, dryrun bool) ([]string, error) {
	f.createCalls = append(f.createCalls, lifecycleCallRecord{region: region, ids: []string{fmt.Sprint(count)}, dryrun: dryrun})
	if dryrun {
		return nil, provider.ErrDryRunSucceeded
	}
	ids := []string{}
	for i := 0; i < count; i++ {
		f.nextID++
		id := fmt.Sprintf("i-new-%d", f.nextID)
		f.instances = append(f.instances, &fakeInstance{id: id, region: region, dns: id + ".example.com", state: "pending"})
		ids = append(ids, id)
	}
	return ids, nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

type testEnv struct {
	provider *fakeProvider
	registry *Registry
	sleeps   int
}

func newTestEnv(t *testing.T, instances ...*fakeInstance) *testEnv {
	t.Helper()
	env := &testEnv{provider: &fakeProvider{instances: instances}}
	env.registry = NewRegistry(&RegistryInput{
		Provider: env.provider,
		Catalog:  NewCatalog(Region{"r1", "Region One"}, Region{"r2", "Region Two"}),
		Sleep:    func(time.Duration) { env.sleeps++ },
		Probe:    func(string, time.Duration) bool { return true },
		Resolve:  func(host string) (string, error) { return "192.0.2.1", nil },
		Confirm:  func(string) bool { return true },
		Out:      io.Discard,
	})
	return env
}

func (e *testEnv) mustRefresh(t *testing.T) {
	t.Helper()
	require.NoError(t, e.registry.Refresh(context.Background(), SelectAll()))
}

func TestInsertDuplicateID(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.Insert(NewInstance("i-1", "r1")))
	err := env.registry.Insert(NewInstance("i-1", "r1"))
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestRefreshDiscoversAndKeepsIdentity(t *testing.T) {
	env := newTestEnv(t,
		&fakeInstance{"i-1", "r1", "one.example.com", "running"},
		&fakeInstance{"i-2", "r2", "two.example.com", "stopped"},
	)
	env.mustRefresh(t)
	require.Equal(t, 2, env.registry.Len())

	one, ok := env.registry.Get("i-1")
	require.True(t, ok)
	assert.Equal(t, "r1", one.Region)
	assert.Equal(t, StateRunning, one.State())
	assert.True(t, one.Reachable())
	assert.Equal(t, "192.0.2.1", one.PublicIP)
	assert.Equal(t, "ok", one.HealthStatus)

	two, ok := env.registry.Get("i-2")
	require.True(t, ok)
	assert.Equal(t, StateStopped, two.State())
	assert.False(t, two.Reachable())
	assert.Empty(t, two.PublicIP)

	// A later refresh never removes records or rewrites identity.
	env.provider.instances = env.provider.instances[:1]
	env.mustRefresh(t)
	assert.Equal(t, 2, env.registry.Len())
	two, _ = env.registry.Get("i-2")
	assert.Equal(t, "i-2", two.ID)
	assert.Equal(t, "r2", two.Region)
}

func TestRefreshConstrainedQueriesExactIDs(t *testing.T) {
	env := newTestEnv(t,
		&fakeInstance{"i-1", "r1", "one.example.com", "stopped"},
		&fakeInstance{"i-2", "r1", "two.example.com", "stopped"},
	)
	env.mustRefresh(t)
	env.provider.describeCalls = nil

	require.NoError(t, env.registry.Refresh(context.Background(), SelectIDs("i-2")))
	require.Len(t, env.provider.describeCalls, 1)
	assert.Equal(t, "r1", env.provider.describeCalls[0].region)
	assert.Equal(t, []string{"i-2"}, env.provider.describeCalls[0].ids)
}

func TestRefreshConstrainedRejectsUnknownIDs(t *testing.T) {
	env := newTestEnv(t, &fakeInstance{"i-2", "r1", "two.example.com", "stopped"})
	env.mustRefresh(t)

	env.provider.extraSnapshot = &provider.Snapshot{ID: "i-9", DNSName: "nine.example.com", State: "running"}
	err := env.registry.Refresh(context.Background(), SelectIDs("i-2"))
	require.ErrorIs(t, err, ErrUnknownInstance)

	// The same response is fine for an unconstrained refresh.
	require.NoError(t, env.registry.Refresh(context.Background(), SelectAll()))
	_, ok := env.registry.Get("i-9")
	assert.True(t, ok)
}

func TestLookup(t *testing.T) {
	env := newTestEnv(t,
		&fakeInstance{"i-1", "r1", "one.example.com", "stopped"},
		&fakeInstance{"i-2", "r1", "two.example.com", "stopped"},
		&fakeInstance{"i-3", "r2", "three.example.com", "stopped"},
	)
	env.mustRefresh(t)

	two, _ := env.registry.Get("i-2")

	// Mixed ids and records, with a duplicate: exactly the union, no dupes.
	sel, err := env.registry.Lookup(SelectIDs("i-1", "i-2").Merge(SelectInstances(two)))
	require.NoError(t, err)
	got := sel.IDs()
	sort.Strings(got)
	assert.Equal(t, []string{"i-1", "i-2"}, got)

	_, err = env.registry.Lookup(SelectIDs("i-404"))
	require.ErrorIs(t, err, ErrNotFound)

	all, err := env.registry.Lookup(SelectAll())
	require.NoError(t, err)
	assert.Equal(t, 3, all.Len())
}

func TestViewsFilterByState(t *testing.T) {
	env := newTestEnv(t,
		&fakeInstance{"i-1", "r1", "one.example.com", "running"},
		&fakeInstance{"i-2", "r1", "two.example.com", "stopped"},
		&fakeInstance{"i-3", "r2", "three.example.com", "pending"},
	)
	env.mustRefresh(t)

	assert.Equal(t, []string{"i-1"}, env.registry.Running().IDs())
	assert.Equal(t, []string{"i-2"}, env.registry.Stopped().IDs())
	assert.Equal(t, []string{"i-3"}, env.registry.Pending().IDs())
	assert.Equal(t, 0, env.registry.Terminated().Len())

	byRegion := env.registry.All().ByRegion()
	require.Len(t, byRegion, 2)
	assert.Equal(t, 2, byRegion["r1"].Len())
	assert.Equal(t, 1, byRegion["r2"].Len())
}

func TestStartAllStoppedInstances(t *testing.T) {
	env := newTestEnv(t,
		&fakeInstance{"i-1", "r1", "one.example.com", "stopped"},
		&fakeInstance{"i-2", "r1", "two.example.com", "stopped"},
		&fakeInstance{"i-3", "r1", "three.example.com", "stopped"},
	)
	env.mustRefresh(t)

	require.NoError(t, env.registry.Start(context.Background(), Selector{}, false))

	// One batched call for the region, listing all three ids.
	require.Len(t, env.provider.startCalls, 1)
	assert.Equal(t, "r1", env.provider.startCalls[0].region)
	assert.ElementsMatch(t, []string{"i-1", "i-2", "i-3"}, env.provider.startCalls[0].ids)

	for _, id := range []string{"i-1", "i-2", "i-3"} {
		inst, _ := env.registry.Get(id)
		assert.Equal(t, StateRunning, inst.State(), id)
		assert.True(t, inst.Reachable(), id)
	}
	// The fake converges after one poll cycle.
	assert.Equal(t, 1, env.sleeps)
}

func TestStartRejectsWrongSourceState(t *testing.T) {
	env := newTestEnv(t,
		&fakeInstance{"i-1", "r1", "one.example.com", "stopped"},
		&fakeInstance{"i-2", "r1", "two.example.com", "running"},
	)
	env.mustRefresh(t)

	err := env.registry.Start(context.Background(), SelectIDs("i-1", "i-2"), false)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, env.provider.startCalls)

	err = env.registry.Stop(context.Background(), SelectIDs("i-1"), false)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, env.provider.stopCalls)
}

func TestStopDefaultsToRunning(t *testing.T) {
	env := newTestEnv(t,
		&fakeInstance{"i-1", "r1", "one.example.com", "running"},
		&fakeInstance{"i-2", "r2", "two.example.com", "stopped"},
	)
	env.mustRefresh(t)

	require.NoError(t, env.registry.Stop(context.Background(), Selector{}, false))
	require.Len(t, env.provider.stopCalls, 1)
	assert.Equal(t, "r1", env.provider.stopCalls[0].region)
	assert.Equal(t, []string{"i-1"}, env.provider.stopCalls[0].ids)

	inst, _ := env.registry.Get("i-1")
	assert.Equal(t, StateStopped, inst.State())
}

func TestTerminateSkipsAlreadyTerminated(t *testing.T) {
	env := newTestEnv(t,
		&fakeInstance{"i-1", "r1", "one.example.com", "running"},
		&fakeInstance{"i-2", "r1", "two.example.com", "terminated"},
	)
	env.mustRefresh(t)

	require.NoError(t, env.registry.Terminate(context.Background(), Selector{}, false))
	require.Len(t, env.provider.terminateCalls, 1)
	assert.Equal(t, []string{"i-1"}, env.provider.terminateCalls[0].ids)

	// Explicitly naming a terminated instance is an error.
	env2 := newTestEnv(t, &fakeInstance{"i-2", "r1", "two.example.com", "terminated"})
	env2.mustRefresh(t)
	err := env2.registry.Terminate(context.Background(), SelectIDs("i-2"), false)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, env2.provider.terminateCalls)
}

func TestDryRunSwallowsOnlyDryRunSignal(t *testing.T) {
	env := newTestEnv(t, &fakeInstance{"i-1", "r1", "one.example.com", "stopped"})
	env.mustRefresh(t)

	// The fake returns ErrDryRunSucceeded for dry runs; no state changes,
	// no polling.
	require.NoError(t, env.registry.Start(context.Background(), Selector{}, true))
	inst, _ := env.registry.Get("i-1")
	assert.Equal(t, StateStopped, inst.State())
	assert.Equal(t, 0, env.sleeps)

	// Any other failure propagates, dry-run or not.
	env.provider.lifecycleErr = errors.New("throttled")
	err := env.registry.Start(context.Background(), Selector{}, true)
	require.Error(t, err)
	require.NotErrorIs(t, err, provider.ErrDryRunSucceeded)
}

func TestRefreshUntilStopsImmediately(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.RefreshUntil(context.Background(), func() bool { return true }))
	assert.Equal(t, 0, env.sleeps)
	assert.Empty(t, env.provider.describeCalls)
}

func TestRefreshUntilHonorsContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := env.registry.RefreshUntil(ctx, func() bool { return false })
	require.ErrorIs(t, err, context.Canceled)
}

func TestCreateLaunchesOnlyDeficit(t *testing.T) {
	env := newTestEnv(t,
		&fakeInstance{"i-1", "r1", "one.example.com", "running"},
		&fakeInstance{"i-2", "r1", "two.example.com", "running"},
		&fakeInstance{"i-3", "r2", "three.example.com", "running"},
		&fakeInstance{"i-4", "r2", "four.example.com", "running"},
		&fakeInstance{"i-5", "r2", "five.example.com", "running"},
	)
	env.mustRefresh(t)

	// Targets r1:5, r2:3 with r1:2, r2:3 running: launch 3 in r1, none in
	// r2, never a negative count.
	counts := map[string]int{"r1": 5, "r2": 3}
	require.NoError(t, env.registry.Create(context.Background(), counts, false))

	require.Len(t, env.provider.createCalls, 1)
	assert.Equal(t, "r1", env.provider.createCalls[0].region)
	assert.Equal(t, []string{"3"}, env.provider.createCalls[0].ids)

	// The launched instances were absorbed by the follow-up refresh.
	assert.Equal(t, 8, env.registry.Len())
	assert.Equal(t, 3, env.registry.Pending().Len())
}

func TestCreateAbortsWithoutConfirmation(t *testing.T) {
	env := newTestEnv(t)
	env.registry.input.Confirm = func(string) bool { return false }
	env.mustRefresh(t)

	require.NoError(t, env.registry.Create(context.Background(), map[string]int{"r1": 2}, false))
	assert.Empty(t, env.provider.createCalls)
	assert.Equal(t, 0, env.registry.Len())
}

func TestPeers(t *testing.T) {
	env := newTestEnv(t,
		&fakeInstance{"i-1", "r1", "one.example.com", "running"},
		&fakeInstance{"i-2", "r1", "two.example.com", "stopped"},
	)
	env.mustRefresh(t)
	assert.Equal(t, []string{"192.0.2.1:8333"}, env.registry.Peers(8333))
}
