package driver

import (
	"context"
	"fmt"

	"kumo/internal/logging"
	"kumo/internal/poll"
	"kumo/internal/staging"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

// base carries the state every provider driver shares
type base struct {
	provider Provider
	vm       string
	bucket   string
	staging  *staging.Area
	short    poll.Policy
	long     poll.Policy
	clock    clock.Clock

	exportedObject string
	imageID        string
}

func newBase(provider Provider, p Params) base {
	clk := p.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return base{
		provider: provider,
		vm:       p.VM,
		bucket:   p.Account.Bucket,
		staging:  p.Staging,
		short:    p.Short,
		long:     p.Long,
		clock:    clk,
	}
}

func (b *base) Provider() Provider     { return b.provider }
func (b *base) ExportedObject() string { return b.exportedObject }
func (b *base) ImageID() string        { return b.imageID }

// objectName is the remote name of the staged artifact
func (b *base) objectName() string {
	return staging.ArtifactName(b.vm)
}

func (b *base) wait(ctx context.Context, policy poll.Policy, what string, fetch poll.FetchFunc) error {
	return poll.Until(ctx, b.clock, policy, fmt.Sprintf("%s %s %s", b.provider, what, b.vm), transientAware(fetch))
}

// transientAware marks provider throttling and 5xx read errors as transient
func transientAware(fetch poll.FetchFunc) poll.FetchFunc {
	return func(ctx context.Context) (poll.Status, error) {
		status, err := fetch(ctx)
		if err != nil && status != poll.Failed && isTransient(err) {
			return status, poll.Transient(err)
		}
		return status, err
	}
}

func (b *base) fail(kind error, op string, err error) error {
	return opError(kind, b.provider, op, err)
}

func (b *base) logger() *zap.Logger {
	return logging.Logger().With(zap.String("provider", string(b.provider)), zap.String("vm", b.vm))
}
