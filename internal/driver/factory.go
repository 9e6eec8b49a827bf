package driver

import (
	"context"
	"errors"
	"fmt"

	"kumo/internal/poll"
	"kumo/internal/staging"

	"github.com/juju/clock"
)

// Params is everything needed to build a driver for one side of a migration
type Params struct {
	VM       string
	Account  AccountSpec
	Staging  *staging.Area
	Short    poll.Policy
	Long     poll.Policy
	Clock    clock.Clock
	DiskTool DiskTool
	// Runner and GcloudPath drive the gcloud CLI for the Google driver
	Runner     CommandRunner
	GcloudPath string
}

func (p Params) validate() error {
	if err := staging.ValidName(p.VM); err != nil {
		return err
	}
	if p.Staging == nil {
		return errors.New("staging area is required")
	}
	if err := p.Short.Validate(); err != nil {
		return fmt.Errorf("short poll budget: %w", err)
	}
	if err := p.Long.Validate(); err != nil {
		return fmt.Errorf("long poll budget: %w", err)
	}
	return p.Account.Validate()
}

// Factory builds a driver from Params
type Factory func(ctx context.Context, p Params) (Driver, error)

// New builds the driver matching the account's cloud provider
func New(ctx context.Context, p Params) (Driver, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	var (
		d   Driver
		err error
	)
	switch p.Account.Cloud {
	case ProviderAmazon:
		d, err = asDriver(NewAmazon(ctx, p))
	case ProviderGoogle:
		d, err = asDriver(NewGoogle(ctx, p))
	case ProviderMicrosoft:
		d, err = asDriver(NewMicrosoft(ctx, p))
	default:
		return nil, fmt.Errorf("unsupported cloud provider: %q", p.Account.Cloud)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s driver: %w", p.Account.Cloud, err)
	}
	return d, nil
}

func asDriver[T Driver](d T, err error) (Driver, error) {
	if err != nil {
		return nil, err
	}
	return d, nil
}
