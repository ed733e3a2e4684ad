package provider

import (
	"context"
	"errors"
)

// ErrDryRunSucceeded is returned by lifecycle calls when the provider
// confirms the operation would have succeeded in dry-run mode. Callers that
// requested a dry run treat it as success; any other error propagates.
var ErrDryRunSucceeded = errors.New("dry run succeeded")

// Snapshot is one instance's state as returned by the provider. Raw carries
// the unparsed provider response for debugging.
type Snapshot struct {
	ID      string
	DNSName string
	State   string
	Raw     any
}

// Status is the provider's own health report for one instance, separate
// from its lifecycle state.
type Status struct {
	Summary string
	Raw     any
}

// Provider is the cloud collaborator the fleet registry drives. Every call
// is scoped to a single region; batching per region is the caller's job.
// Implementations must classify the provider's dry-run-success signal as
// ErrDryRunSucceeded so callers never have to match error strings.
type Provider interface {
	// DescribeInstances returns snapshots for the given ids, or for every
	// instance in the region when ids is empty.
	DescribeInstances(ctx context.Context, region string, ids []string) ([]Snapshot, error)

	// DescribeInstanceStatus returns health reports keyed by instance id.
	DescribeInstanceStatus(ctx context.Context, region string, ids []string) (map[string]*Status, error)

	StartInstances(ctx context.Context, region string, ids []string, dryrun bool) error
	StopInstances(ctx context.Context, region string, ids []string, dryrun bool) error
	TerminateInstances(ctx context.Context, region string, ids []string, dryrun bool) error

	// CreateInstances launches count instances in the region and returns
	// their ids.
	CreateInstances(ctx context.Context, region string, count int, dryrun bool) ([]string, error)
}
