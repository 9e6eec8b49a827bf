// Package drivertest provides an in-memory driver for tests of code built
// on top of driver.Driver.
package drivertest

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/juju/clock"

	"kumo/internal/driver"
	"kumo/internal/poll"
	"kumo/internal/staging"
)

// Journal records driver calls across several fakes in call order
type Journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *Journal) record(call string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, call)
}

// Calls returns the recorded calls as "<side>.<operation>"
func (j *Journal) Calls() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

// HangPolicy is the poll budget a hanging operation exhausts
var HangPolicy = poll.Policy{Interval: time.Millisecond, MaxAttempts: 3}

// Fake is a driver whose operations succeed immediately unless told
// otherwise. With Staging set it also creates, converts and removes the
// staged artifact like a real driver would.
type Fake struct {
	Side     string
	Name     driver.Provider
	VM       string
	Journal  *Journal
	Staging  *staging.Area
	Fail     map[string]error
	Hang     map[string]bool
	Artifact []byte

	mu          sync.Mutex
	exported    string
	image       string
	createdFrom string
}

// NewFake returns a Fake for one side of a migration of vm
func NewFake(side string, name driver.Provider, vm string, journal *Journal) *Fake {
	return &Fake{
		Side:     side,
		Name:     name,
		VM:       vm,
		Journal:  journal,
		Fail:     map[string]error{},
		Hang:     map[string]bool{},
		Artifact: []byte("disk"),
	}
}

// KindFor is the error kind a driver reports for op
func KindFor(op string) error {
	switch op {
	case driver.OpExportDisk:
		return driver.ErrExport
	case driver.OpImportDisk:
		return driver.ErrImport
	case driver.OpDownloadDisk, driver.OpPrepareDisk, driver.OpUploadDisk:
		return driver.ErrTransfer
	}
	return driver.ErrProvisioning
}

func (f *Fake) do(ctx context.Context, op string, effect func() error) error {
	if f.Journal != nil {
		f.Journal.record(f.Side + "." + op)
	}
	var err error
	switch {
	case f.Hang[op]:
		err = poll.Until(ctx, clock.WallClock, HangPolicy, op, func(context.Context) (poll.Status, error) {
			return poll.Pending, nil
		})
	case f.Fail[op] != nil:
		err = f.Fail[op]
	case effect != nil:
		err = effect()
	}
	if err == nil {
		return nil
	}
	return &driver.OpError{Kind: KindFor(op), Provider: f.Name, Op: op, Err: err}
}

func (f *Fake) Provider() driver.Provider { return f.Name }

func (f *Fake) ExportedObject() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exported
}

func (f *Fake) ImageID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.image
}

// CreatedFrom is the image the last CreateServer call launched from
func (f *Fake) CreatedFrom() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createdFrom
}

func (f *Fake) CreateBucket(ctx context.Context) error {
	return f.do(ctx, driver.OpCreateBucket, nil)
}

func (f *Fake) StopServer(ctx context.Context) error {
	return f.do(ctx, driver.OpStopServer, nil)
}

func (f *Fake) StartServer(ctx context.Context) error {
	return f.do(ctx, driver.OpStartServer, nil)
}

func (f *Fake) ExportDisk(ctx context.Context) error {
	return f.do(ctx, driver.OpExportDisk, func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.exported = staging.ArtifactName(f.VM)
		return nil
	})
}

func (f *Fake) DownloadDisk(ctx context.Context) error {
	return f.do(ctx, driver.OpDownloadDisk, func() error {
		if f.ExportedObject() == "" {
			return fmt.Errorf("no exported object recorded")
		}
		if f.Staging == nil {
			return nil
		}
		pending, err := f.Staging.Create(f.VM)
		if err != nil {
			return err
		}
		defer pending.Abort()
		if _, err := pending.Write(f.Artifact); err != nil {
			return err
		}
		return pending.Commit()
	})
}

func (f *Fake) PrepareDisk(ctx context.Context) error {
	return f.do(ctx, driver.OpPrepareDisk, func() error {
		if f.Staging == nil {
			return nil
		}
		return f.Staging.Replace(f.VM, func(tmp string) error {
			src, err := f.Staging.Open(f.VM)
			if err != nil {
				return err
			}
			defer src.Close()
			dst, err := os.Create(tmp)
			if err != nil {
				return err
			}
			if _, err := io.Copy(dst, src); err != nil {
				dst.Close()
				return err
			}
			return dst.Close()
		})
	})
}

func (f *Fake) UploadDisk(ctx context.Context) error {
	return f.do(ctx, driver.OpUploadDisk, func() error {
		if f.Staging == nil {
			return nil
		}
		if _, err := os.Stat(f.Staging.ArtifactPath(f.VM)); err != nil {
			return err
		}
		return f.Staging.Remove(f.VM)
	})
}

func (f *Fake) ImportDisk(ctx context.Context) error {
	return f.do(ctx, driver.OpImportDisk, func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.image = fmt.Sprintf("%s-image-%s", f.Name, f.VM)
		return nil
	})
}

func (f *Fake) CreateServer(ctx context.Context) error {
	return f.do(ctx, driver.OpCreateServer, func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.image == "" {
			return fmt.Errorf("no imported image recorded")
		}
		f.createdFrom = f.image
		return nil
	})
}

func (f *Fake) DeleteServer(ctx context.Context) error {
	return f.do(ctx, driver.OpDeleteServer, nil)
}

func (f *Fake) DeleteImage(ctx context.Context) error {
	return f.do(ctx, driver.OpDeleteImage, nil)
}

func (f *Fake) DeleteBucket(ctx context.Context) error {
	return f.do(ctx, driver.OpDeleteBucket, nil)
}

var (
	_ driver.Driver    = (*Fake)(nil)
	_ driver.Inspector = (*Fake)(nil)
)
