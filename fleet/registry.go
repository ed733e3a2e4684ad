package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/chainbench/fleetbench/provider"
)

var (
	// ErrNotFound is returned when a selector names an id the registry does
	// not know.
	ErrNotFound = errors.New("instance not found")

	// ErrDuplicateID is returned when an insert would overwrite an existing
	// record. Existing records are only ever updated through Refresh.
	ErrDuplicateID = errors.New("instance already registered")

	// ErrInvalidState is returned when a lifecycle operation targets an
	// instance that is not in the required source state.
	ErrInvalidState = errors.New("instance in invalid state")

	// ErrUnknownInstance is returned when a refresh constrained to specific
	// ids gets back an instance it did not ask for.
	ErrUnknownInstance = errors.New("provider returned unrecognized instance")
)

const DefaultPollInterval = 5 * time.Second

// RegistryInput wires a Registry to its collaborators. Provider is required;
// everything else gets a sensible default so tests can substitute fakes for
// sleeping, probing, name resolution, and the create confirmation prompt.
type RegistryInput struct {
	Provider provider.Provider
	Catalog  *Catalog

	// DefaultCounts is the per-region target used by Create when the caller
	// passes no plan.
	DefaultCounts map[string]int

	PollInterval time.Duration
	ProbeTimeout time.Duration

	Sleep   func(time.Duration)
	Probe   func(host string, timeout time.Duration) bool
	Resolve func(host string) (string, error)
	Confirm func(prompt string) bool
	Out     io.Writer
}

// Registry is the in-memory collection of instance records. Records are
// never deleted; termination is a terminal state, not a removal. The
// registry is designed for a single control thread and holds no locks.
type Registry struct {
	input     *RegistryInput
	instances map[string]*Instance
	order     []*Instance
}

func NewRegistry(input *RegistryInput) *Registry {
	if input.Catalog == nil {
		input.Catalog = DefaultCatalog()
	}
	if input.PollInterval == 0 {
		input.PollInterval = DefaultPollInterval
	}
	if input.ProbeTimeout == 0 {
		input.ProbeTimeout = DefaultProbeTimeout
	}
	if input.Sleep == nil {
		input.Sleep = time.Sleep
	}
	if input.Probe == nil {
		input.Probe = ProbeSSH
	}
	if input.Resolve == nil {
		input.Resolve = resolveHost
	}
	if input.Confirm == nil {
		input.Confirm = confirmStdin
	}
	if input.Out == nil {
		input.Out = os.Stdout
	}
	return &Registry{
		input:     input,
		instances: map[string]*Instance{},
	}
}

func resolveHost(host string) (string, error) {
	addrs, err := net.LookupHost(host)
	if err != nil {
		return "", err
	}
	return addrs[0], nil
}

func confirmStdin(prompt string) bool {
	fmt.Print(prompt)
	var answer string
	fmt.Scanln(&answer)
	return answer == "y"
}

// Insert registers a new record. Inserting an id twice is a programming
// error; use Refresh to update existing records.
func (r *Registry) Insert(inst *Instance) error {
	if _, ok := r.instances[inst.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, inst.ID)
	}
	r.instances[inst.ID] = inst
	r.order = append(r.order, inst)
	return nil
}

func (r *Registry) Get(id string) (*Instance, bool) {
	inst, ok := r.instances[id]
	return inst, ok
}

func (r *Registry) Len() int { return len(r.instances) }

// All returns a view over every known record, in insertion order.
func (r *Registry) All() *Selection {
	return &Selection{instances: append([]*Instance{}, r.order...)}
}

func (r *Registry) byState(state InstanceState) *Selection {
	return r.All().Filter(func(i *Instance) bool { return i.State() == state })
}

func (r *Registry) Running() *Selection    { return r.byState(StateRunning) }
func (r *Registry) Pending() *Selection    { return r.byState(StatePending) }
func (r *Registry) Stopped() *Selection    { return r.byState(StateStopped) }
func (r *Registry) Stopping() *Selection   { return r.byState(StateStopping) }
func (r *Registry) Terminated() *Selection { return r.byState(StateTerminated) }

// Lookup canonicalizes a selector into a concrete view. Ids are resolved
// against the registry; an absent id fails with ErrNotFound. Duplicates
// collapse, order of first appearance is kept.
func (r *Registry) Lookup(sel Selector) (*Selection, error) {
	if sel.isAll() {
		return r.All(), nil
	}
	ids := append([]string{}, sel.ids...)
	for _, inst := range sel.instances {
		ids = append(ids, inst.ID)
	}
	seen := map[string]bool{}
	out := &Selection{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		inst, ok := r.instances[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		out.instances = append(out.instances, inst)
	}
	return out, nil
}

// Refresh fetches fresh provider state for the selected instances and merges
// it into the registry. An unconstrained refresh (SelectAll or the zero
// selector) also absorbs instances the registry has not seen yet; a refresh
// constrained to specific ids must get back exactly those ids. After the
// merge, public addresses are resolved and reachability is probed for
// running instances.
func (r *Registry) Refresh(ctx context.Context, sel Selector) error {
	unconstrained := sel.isAll()

	// region → ids to ask for (nil means every instance in the region)
	groups := map[string][]string{}
	if unconstrained {
		for _, id := range r.input.Catalog.IDs() {
			groups[id] = nil
		}
		// Instances can live outside the catalog when the catalog shrank
		// between runs; keep refreshing them anyway.
		for _, inst := range r.order {
			if _, ok := groups[inst.Region]; !ok {
				groups[inst.Region] = nil
			}
		}
	} else {
		target, err := r.Lookup(sel)
		if err != nil {
			return err
		}
		for region, group := range target.ByRegion() {
			groups[region] = group.IDs()
		}
	}

	for _, region := range sortedRegions(groups) {
		ids := groups[region]
		snaps, err := r.input.Provider.DescribeInstances(ctx, region, ids)
		if err != nil {
			return fmt.Errorf("describe instances in %s: %w", region, err)
		}
		statuses, err := r.input.Provider.DescribeInstanceStatus(ctx, region, ids)
		if err != nil {
			return fmt.Errorf("describe instance status in %s: %w", region, err)
		}
		for _, snap := range snaps {
			inst, ok := r.instances[snap.ID]
			if !ok {
				if !unconstrained {
					return fmt.Errorf("%w: %s in %s", ErrUnknownInstance, snap.ID, region)
				}
				inst = NewInstance(snap.ID, region)
				if err := r.Insert(inst); err != nil {
					return err
				}
				slog.Debug("discovered instance", slog.String("instanceID", snap.ID), slog.String("region", region))
			}
			if err := inst.LoadProperties(snap, statuses[snap.ID]); err != nil {
				return err
			}
		}
	}

	return r.loadAddresses()
}

// loadAddresses resolves public addresses for running instances that do not
// have one yet, and probes SSH reachability. Only running instances are
// probed; unreachable is the safe default for every other state.
func (r *Registry) loadAddresses() error {
	for _, inst := range r.Running().Instances() {
		if inst.PublicIP == "" && inst.DNSName != "" {
			ip, err := r.input.Resolve(inst.DNSName)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", inst.DNSName, err)
			}
			inst.PublicIP = ip
		}
		if inst.DNSName != "" {
			inst.SetReachable(r.input.Probe(inst.DNSName, r.input.ProbeTimeout))
		}
	}
	return nil
}

// RefreshUntil polls the provider at the configured interval until pred
// holds over the registry. There is no bound besides the context; attach a
// deadline to ctx if unbounded polling is unacceptable.
func (r *Registry) RefreshUntil(ctx context.Context, pred func() bool) error {
	for !pred() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		r.input.Sleep(r.input.PollInterval)
		if err := r.Refresh(ctx, SelectAll()); err != nil {
			return err
		}
	}
	return nil
}

// Peers lists "ip:port" endpoints for every running instance.
func (r *Registry) Peers(port int) []string {
	peers := []string{}
	for _, inst := range r.Running().Instances() {
		peers = append(peers, fmt.Sprintf("%s:%d", inst.PublicIP, port))
	}
	return peers
}

// Start boots the selected instances (every stopped one by default). All
// selected instances must currently be stopped; otherwise no provider call
// is made. Blocks until every one is running and reachable.
func (r *Registry) Start(ctx context.Context, sel Selector, dryrun bool) error {
	target, err := r.resolveTarget(sel, r.Stopped())
	if err != nil {
		return err
	}
	if err := requireState(target, StateStopped); err != nil {
		return err
	}
	slog.Info("starting instances", slog.String("ids", strings.Join(target.IDs(), ", ")))

	if err := r.transition(ctx, target, dryrun, r.input.Provider.StartInstances, StatePending); err != nil {
		return err
	}
	if dryrun {
		return nil
	}
	return r.RefreshUntil(ctx, func() bool {
		return target.Every(func(i *Instance) bool {
			return i.State() == StateRunning && i.Reachable()
		})
	})
}

// Stop shuts down the selected instances (every running one by default).
// Blocks until every one is stopped or terminated.
func (r *Registry) Stop(ctx context.Context, sel Selector, dryrun bool) error {
	target, err := r.resolveTarget(sel, r.Running())
	if err != nil {
		return err
	}
	if err := requireState(target, StateRunning); err != nil {
		return err
	}
	slog.Info("stopping instances", slog.String("ids", strings.Join(target.IDs(), ", ")))

	if err := r.transition(ctx, target, dryrun, r.input.Provider.StopInstances, StateStopping); err != nil {
		return err
	}
	if dryrun {
		return nil
	}
	return r.RefreshUntil(ctx, func() bool {
		return target.Every(func(i *Instance) bool {
			return i.State() == StateStopped || i.State() == StateTerminated
		})
	})
}

// Terminate destroys the selected instances (everything not already
// terminated by default). Blocks until every one is terminated.
func (r *Registry) Terminate(ctx context.Context, sel Selector, dryrun bool) error {
	notTerminated := r.All().Filter(func(i *Instance) bool { return i.State() != StateTerminated })
	target, err := r.resolveTarget(sel, notTerminated)
	if err != nil {
		return err
	}
	for _, inst := range target.Instances() {
		if inst.State() == StateTerminated {
			return fmt.Errorf("%w: %s is already terminated", ErrInvalidState, inst.ID)
		}
	}
	slog.Info("terminating instances", slog.String("ids", strings.Join(target.IDs(), ", ")))

	if err := r.transition(ctx, target, dryrun, r.input.Provider.TerminateInstances, StateShuttingDown); err != nil {
		return err
	}
	if dryrun {
		return nil
	}
	return r.RefreshUntil(ctx, func() bool {
		return target.Every(func(i *Instance) bool { return i.State() == StateTerminated })
	})
}

type lifecycleCall func(ctx context.Context, region string, ids []string, dryrun bool) error

// transition issues one batched provider call per region and, outside of
// dry-run mode, optimistically sets the expected intermediate state.
func (r *Registry) transition(ctx context.Context, target *Selection, dryrun bool, call lifecycleCall, next InstanceState) error {
	byRegion := target.ByRegion()
	for _, region := range sortedRegions(byRegion) {
		group := byRegion[region]
		err := call(ctx, region, group.IDs(), dryrun)
		if err != nil {
			if dryrun && errors.Is(err, provider.ErrDryRunSucceeded) {
				continue
			}
			return fmt.Errorf("lifecycle call in %s: %w", region, err)
		}
		if !dryrun {
			for _, inst := range group.Instances() {
				inst.SetState(next)
			}
		}
	}
	return nil
}

func requireState(target *Selection, want InstanceState) error {
	for _, inst := range target.Instances() {
		if inst.State() != want {
			return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidState, inst.ID, inst.State(), want)
		}
	}
	return nil
}

func (r *Registry) resolveTarget(sel Selector, fallback *Selection) (*Selection, error) {
	if sel.isDefault() {
		return fallback, nil
	}
	return r.Lookup(sel)
}

// Create launches enough instances per region to reach the requested target
// counts, given what is already running. The plan is printed and must be
// confirmed interactively before anything is launched.
func (r *Registry) Create(ctx context.Context, counts map[string]int, dryrun bool) error {
	if counts == nil {
		counts = r.input.DefaultCounts
	}
	if len(counts) == 0 {
		return fmt.Errorf("no target instance counts configured")
	}

	runningByRegion := r.Running().ByRegion()
	plan := map[string]int{}
	toLaunch := 0
	for region, want := range counts {
		running := 0
		if group, ok := runningByRegion[region]; ok {
			running = group.Len()
		}
		deficit := want - running
		if deficit < 0 {
			deficit = 0
		}
		plan[region] = deficit
		toLaunch += deficit
	}

	out := r.input.Out
	fmt.Fprintln(out)
	fmt.Fprintln(out, "launch initiated, aiming to launch the following instances:")
	for _, region := range sortedRegions(plan) {
		fmt.Fprintf(out, "    %-41s %3d\n", r.input.Catalog.Name(region)+":", plan[region])
	}
	running := r.Running().Len()
	fmt.Fprintln(out)
	fmt.Fprintf(out, "number of currently running instances:        %3d\n", running)
	fmt.Fprintf(out, "total number of instances to launch:          %3d\n", toLaunch)
	fmt.Fprintf(out, "total number of instances after launch:       %3d\n", running+toLaunch)
	fmt.Fprintln(out)

	if !r.input.Confirm("type 'y' and press enter to continue: ") {
		fmt.Fprintln(out, "aborted")
		return nil
	}

	for _, region := range sortedRegions(plan) {
		count := plan[region]
		if count == 0 {
			continue
		}
		slog.Info("launching instances", slog.String("region", region), slog.Int("count", count))
		ids, err := r.input.Provider.CreateInstances(ctx, region, count, dryrun)
		if err != nil {
			if dryrun && errors.Is(err, provider.ErrDryRunSucceeded) {
				continue
			}
			return fmt.Errorf("create instances in %s: %w", region, err)
		}
		// Speculative records; the refresh below confirms them.
		for _, id := range ids {
			inst := NewInstance(id, region)
			inst.SetState(StatePending)
			if err := r.Insert(inst); err != nil {
				return err
			}
		}
	}

	if dryrun {
		return nil
	}
	r.input.Sleep(time.Second)
	return r.Refresh(ctx, SelectAll())
}

// Status refreshes the registry and prints a per-region summary of running
// instances.
func (r *Registry) Status(ctx context.Context) error {
	if err := r.Refresh(ctx, SelectAll()); err != nil {
		return err
	}
	running := r.Running()
	fmt.Fprintf(r.input.Out, "number of running instances: %d\n", running.Len())
	byRegion := running.ByRegion()
	for _, region := range sortedRegions(byRegion) {
		fmt.Fprintf(r.input.Out, "    %s %s: %d\n", region, r.input.Catalog.Name(region), byRegion[region].Len())
	}
	return nil
}

func sortedRegions[V any](m map[string]V) []string {
	regions := make([]string, 0, len(m))
	for region := range m {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}
