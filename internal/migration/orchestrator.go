// Package migration runs the nine-step boot disk migration between two
// provider drivers and offers explicit teardown.
package migration

import (
	"context"
	"errors"
	"fmt"

	"kumo/internal/driver"
	"kumo/internal/logging"

	"go.uber.org/zap"
)

// Side names one end of a migration
type Side string

const (
	Source      Side = "source"
	Destination Side = "destination"
)

// ParseSide accepts "source" or "destination"
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case Source, Destination:
		return Side(s), nil
	}
	return "", fmt.Errorf("unknown side %q, expected %q or %q", s, Source, Destination)
}

// Step is one driver call of the pipeline
type Step struct {
	Index     int    `json:"index"`
	Side      Side   `json:"side"`
	Operation string `json:"operation"`
}

func (s Step) String() string {
	return fmt.Sprintf("%s.%s", s.Side, s.Operation)
}

// Steps is the pipeline in execution order. Steps 3 to 9 each consume state
// recorded by the previous one.
var Steps = []Step{
	{1, Source, driver.OpCreateBucket},
	{2, Destination, driver.OpCreateBucket},
	{3, Source, driver.OpStopServer},
	{4, Source, driver.OpExportDisk},
	{5, Source, driver.OpDownloadDisk},
	{6, Destination, driver.OpPrepareDisk},
	{7, Destination, driver.OpUploadDisk},
	{8, Destination, driver.OpImportDisk},
	{9, Destination, driver.OpCreateServer},
}

// StepError is returned by Run when a step fails; the remaining steps did not run
type StepError struct {
	Step  string
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// FailurePolicy is consulted after a step fails, before Run returns
type FailurePolicy interface {
	OnFailure(ctx context.Context, o *Orchestrator, failed *StepError)
}

// FailurePolicyFunc adapts a function to FailurePolicy
type FailurePolicyFunc func(ctx context.Context, o *Orchestrator, failed *StepError)

func (f FailurePolicyFunc) OnFailure(ctx context.Context, o *Orchestrator, failed *StepError) {
	f(ctx, o, failed)
}

// Observer is told about every step as it starts and finishes. err is nil
// on start and on success.
type Observer interface {
	StepStarted(step Step)
	StepFinished(step Step, err error)
}

// Orchestrator drives one migration over a source and a destination driver
type Orchestrator struct {
	vm          string
	source      driver.Driver
	destination driver.Driver
	onFailure   FailurePolicy
	observer    Observer
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithFailurePolicy installs a hook run when a step fails. Without one a
// failed migration leaves every resource as it was.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(o *Orchestrator) { o.onFailure = p }
}

// WithObserver reports step progress to obs
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// New creates an Orchestrator for vm
func New(vm string, source, destination driver.Driver, opts ...Option) *Orchestrator {
	o := &Orchestrator{vm: vm, source: source, destination: destination}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Driver returns the driver for one side
func (o *Orchestrator) Driver(side Side) driver.Driver {
	if side == Destination {
		return o.destination
	}
	return o.source
}

func (o *Orchestrator) logger() *zap.Logger {
	return logging.Logger().With(zap.String("vm", o.vm))
}

// Run executes the steps in order and stops at the first failure. Nothing is
// retried and nothing is rolled back unless a FailurePolicy does so.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger().Info("starting migration", zap.Int("steps", len(Steps)))

	for _, step := range Steps {
		o.logger().Info("executing migration step",
			zap.Int("step_index", step.Index),
			zap.String("step", step.String()))
		if o.observer != nil {
			o.observer.StepStarted(step)
		}

		err := call(ctx, o.Driver(step.Side), step.Operation)
		if o.observer != nil {
			o.observer.StepFinished(step, err)
		}
		if err != nil {
			failed := &StepError{Step: step.String(), Index: step.Index, Err: err}
			o.logger().Error("migration step failed",
				zap.Int("step_index", step.Index),
				zap.String("step", step.String()),
				zap.String("kind", driver.KindOf(err)),
				zap.Error(err))
			if o.onFailure != nil {
				o.onFailure.OnFailure(ctx, o, failed)
			}
			return failed
		}

		o.logger().Info("migration step completed", zap.Int("step_index", step.Index))
	}

	fields := []zap.Field{}
	if in, ok := o.destination.(driver.Inspector); ok {
		fields = append(fields, zap.String("image", in.ImageID()))
	}
	o.logger().Info("migration completed", fields...)
	return nil
}

// Teardown deletes the server, image and bucket on one side. Every delete
// runs even if an earlier one fails; all failures are returned joined.
func (o *Orchestrator) Teardown(ctx context.Context, side Side) error {
	d := o.Driver(side)
	var errs []error
	for _, op := range []string{driver.OpDeleteServer, driver.OpDeleteImage, driver.OpDeleteBucket} {
		o.logger().Info("teardown", zap.String("side", string(side)), zap.String("operation", op))
		if err := call(ctx, d, op); err != nil {
			o.logger().Warn("teardown operation failed",
				zap.String("side", string(side)),
				zap.String("operation", op),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s.%s: %w", side, op, err))
		}
	}
	return errors.Join(errs...)
}

// RestartSource starts the source server again, e.g. after a failed or
// abandoned migration
func (o *Orchestrator) RestartSource(ctx context.Context) error {
	return o.source.StartServer(ctx)
}

// TeardownOnFailure removes what a failed migration created. Sides lists
// which sides to tear down; RestartSource also starts the source server.
type TeardownOnFailure struct {
	Sides         []Side
	RestartSource bool
}

func (t TeardownOnFailure) OnFailure(ctx context.Context, o *Orchestrator, failed *StepError) {
	o.logger().Warn("tearing down after failed migration", zap.String("failed_step", failed.Step))
	for _, side := range t.Sides {
		if err := o.Teardown(ctx, side); err != nil {
			o.logger().Error("teardown after failure incomplete", zap.String("side", string(side)), zap.Error(err))
		}
	}
	if t.RestartSource {
		if err := o.RestartSource(ctx); err != nil {
			o.logger().Error("failed to restart source server", zap.Error(err))
		}
	}
}

func call(ctx context.Context, d driver.Driver, op string) error {
	switch op {
	case driver.OpCreateBucket:
		return d.CreateBucket(ctx)
	case driver.OpStopServer:
		return d.StopServer(ctx)
	case driver.OpStartServer:
		return d.StartServer(ctx)
	case driver.OpExportDisk:
		return d.ExportDisk(ctx)
	case driver.OpDownloadDisk:
		return d.DownloadDisk(ctx)
	case driver.OpPrepareDisk:
		return d.PrepareDisk(ctx)
	case driver.OpUploadDisk:
		return d.UploadDisk(ctx)
	case driver.OpImportDisk:
		return d.ImportDisk(ctx)
	case driver.OpCreateServer:
		return d.CreateServer(ctx)
	case driver.OpDeleteServer:
		return d.DeleteServer(ctx)
	case driver.OpDeleteImage:
		return d.DeleteImage(ctx)
	case driver.OpDeleteBucket:
		return d.DeleteBucket(ctx)
	}
	return fmt.Errorf("unknown driver operation %q", op)
}
