// Package firewall is the entry point used by the container lifecycle and
// the CLI. It detects the environment, serializes mutations on the chain
// and delegates to the baseline and per-container policy layers.
package firewall

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/containai/containai/pkg/baseline"
	"github.com/containai/containai/pkg/domain"
	"github.com/containai/containai/pkg/egress"
	"github.com/containai/containai/pkg/hermes"
	"github.com/containai/containai/pkg/lockfile"
	"github.com/google/uuid"
)

// NetworkDetector resolves the network context for the current environment.
type NetworkDetector interface {
	Detect(ctx context.Context) (domain.NetworkContext, error)
}

type Engine struct {
	Chain    string
	Detector NetworkDetector
	Baseline *baseline.Manager
	Resolver *egress.Resolver
	Applier  *egress.Applier
	Locker   *lockfile.Locker
	Metrics  hermes.Metrics
	Logger   hermes.Logger
}

type operation struct {
	name  string
	id    string
	start time.Time
}

func (e *Engine) begin(ctx context.Context, name string, fields map[string]any) operation {
	op := operation{name: name, id: uuid.New().String(), start: time.Now()}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["op"] = name
	fields["op_id"] = op.id
	e.Logger.Debug(ctx, "operation started", fields)
	return op
}

func (e *Engine) end(ctx context.Context, op operation, err error) {
	elapsed := time.Since(op.start)
	e.Metrics.ObserveHistogram(hermes.MetricOperationTime, elapsed.Seconds(), hermes.Label{Key: "op", Value: op.name})
	fields := map[string]any{
		"op":       op.name,
		"op_id":    op.id,
		"duration": elapsed.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		e.Logger.Error(ctx, "operation failed", fields)
		return
	}
	e.Logger.Debug(ctx, "operation finished", fields)
}

// lock takes the chain lock. Without a Locker it is a no-op.
func (e *Engine) lock(ctx context.Context) (func(), error) {
	if e.Locker == nil {
		return func() {}, nil
	}
	l, err := e.Locker.Acquire(ctx, e.Chain)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := l.Release(); err != nil {
			e.Logger.Warn(ctx, "failed to release chain lock", map[string]any{"error": err.Error()})
		}
	}, nil
}

func (e *Engine) Detect(ctx context.Context) (domain.NetworkContext, error) {
	op := e.begin(ctx, "detect", nil)
	nc, err := e.Detector.Detect(ctx)
	e.end(ctx, op, err)
	return nc, err
}

type baselineFunc func(ctx context.Context, nc domain.NetworkContext, flag bool) (domain.Report, error)

func (e *Engine) runBaseline(ctx context.Context, name string, mutates bool, flag bool, fn baselineFunc) (r domain.Report, err error) {
	op := e.begin(ctx, name, map[string]any{"flag": flag})
	defer func() { e.end(ctx, op, err) }()

	nc, err := e.Detector.Detect(ctx)
	if err != nil {
		return domain.Report{Status: domain.StatusError, Detail: err.Error(), Context: nc}, err
	}

	if mutates {
		unlock, err := e.lock(ctx)
		if err != nil {
			return domain.Report{Status: domain.StatusError, Detail: err.Error(), Context: nc}, err
		}
		defer unlock()
	}
	return fn(ctx, nc, flag)
}

// ApplyBaseline installs the mandatory rule set. It is safe to call at
// every container start.
func (e *Engine) ApplyBaseline(ctx context.Context, dryRun bool) (domain.Report, error) {
	return e.runBaseline(ctx, "baseline-apply", !dryRun, dryRun, e.Baseline.Apply)
}

func (e *Engine) RemoveBaseline(ctx context.Context, dryRun bool) (domain.Report, error) {
	return e.runBaseline(ctx, "baseline-remove", !dryRun, dryRun, e.Baseline.Remove)
}

// CheckBaseline never mutates and does not take the lock.
func (e *Engine) CheckBaseline(ctx context.Context, verbose bool) (domain.Report, error) {
	return e.runBaseline(ctx, "baseline-check", false, verbose, e.Baseline.Check)
}

// ApplyContainerPolicy resolves the two optional declaration files and
// installs the result for one container. Resolution problems degrade the
// policy and come back as warnings; only chain failures are errors.
func (e *Engine) ApplyContainerPolicy(ctx context.Context, containerID string, addr netip.Addr, templatePath, workspacePath string) (res egress.Result, err error) {
	op := e.begin(ctx, "policy-apply", map[string]any{"container": containerID})
	defer func() { e.end(ctx, op, err) }()

	if err := egress.ValidateContainerID(containerID); err != nil {
		return egress.Result{ContainerID: containerID, Address: addr}, err
	}
	nc, err := e.Detector.Detect(ctx)
	if err != nil {
		return egress.Result{ContainerID: containerID, Address: addr}, err
	}

	resolved := e.Resolver.Resolve(ctx, templatePath, workspacePath)

	unlock, err := e.lock(ctx)
	if err != nil {
		return egress.Result{ContainerID: containerID, Address: addr, Warnings: resolved.Warnings}, err
	}
	defer unlock()

	return e.Applier.ApplyPolicy(ctx, nc, containerID, addr, resolved)
}

// RemoveContainerPolicy deletes every rule owned by containerID.
func (e *Engine) RemoveContainerPolicy(ctx context.Context, containerID string) (n int, err error) {
	op := e.begin(ctx, "policy-remove", map[string]any{"container": containerID})
	defer func() { e.end(ctx, op, err) }()

	nc, err := e.Detector.Detect(ctx)
	if err != nil {
		return 0, err
	}
	unlock, err := e.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	n, err = e.Applier.RemovePolicy(ctx, nc, containerID)
	if err != nil {
		return n, err
	}
	e.Logger.Info(ctx, "egress policy removed", map[string]any{"container": containerID, "removed": n})
	return n, nil
}

// ShowContainerPolicy lists the chain lines owned by containerID.
func (e *Engine) ShowContainerPolicy(ctx context.Context, containerID string) ([]string, error) {
	nc, err := e.Detector.Detect(ctx)
	if err != nil {
		return nil, err
	}
	lines, err := e.Applier.ListPolicy(ctx, nc, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy for %s: %w", containerID, err)
	}
	return lines, nil
}
