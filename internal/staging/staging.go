// Package staging manages the local directory that holds disk artifacts
// between download and upload.
//
// The canonical artifact for a VM lives at <root>/<vm>.vhd. Writers go
// through a temporary file in the same directory and rename it into place,
// so a reader never observes a partial artifact under the canonical name.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"kumo/internal/logging"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// ArtifactExt is the extension of every staged disk artifact
const ArtifactExt = ".vhd"

// ErrLocked is returned by Lock when another job holds the VM
var ErrLocked = errors.New("staging area is locked for this virtual machine")

// Area is a staging root on the local filesystem
type Area struct {
	Root string
}

// New ensures root exists and returns an Area over it
func New(root string) (*Area, error) {
	if root == "" {
		return nil, errors.New("staging root is empty")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create staging root %s: %w", root, err)
	}
	return &Area{Root: root}, nil
}

// ValidName reports whether vm can be used as a single file name component
func ValidName(vm string) error {
	switch {
	case vm == "":
		return errors.New("virtual machine name is empty")
	case vm == "." || vm == "..":
		return fmt.Errorf("invalid virtual machine name %q", vm)
	case strings.ContainsAny(vm, `/\`) || strings.ContainsRune(vm, 0):
		return fmt.Errorf("virtual machine name %q contains a path separator", vm)
	}
	return nil
}

// ArtifactName is the file name of the artifact, also used as the remote object name
func ArtifactName(vm string) string {
	return vm + ArtifactExt
}

// ArtifactPath is the canonical location of the artifact for vm
func (a *Area) ArtifactPath(vm string) string {
	return filepath.Join(a.Root, ArtifactName(vm))
}

// Exists reports whether a committed artifact is present for vm
func (a *Area) Exists(vm string) (bool, error) {
	_, err := os.Stat(a.ArtifactPath(vm))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Open opens the committed artifact for reading
func (a *Area) Open(vm string) (*os.File, error) {
	return os.Open(a.ArtifactPath(vm))
}

// Remove deletes the artifact for vm. A missing artifact is not an error.
func (a *Area) Remove(vm string) error {
	err := os.Remove(a.ArtifactPath(vm))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove artifact for %s: %w", vm, err)
	}
	logging.Logger().Debug("staged artifact removed", zap.String("vm", vm))
	return nil
}

// Pending is an artifact being written. Exactly one of Commit or Abort
// should be called.
type Pending struct {
	*os.File
	area *Area
	vm   string
	done bool
}

// Create starts writing a new artifact for vm
func (a *Area) Create(vm string) (*Pending, error) {
	if err := ValidName(vm); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(a.Root, "."+ArtifactName(vm)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary artifact for %s: %w", vm, err)
	}
	return &Pending{File: f, area: a, vm: vm}, nil
}

// Commit flushes the file and renames it over the canonical artifact
func (p *Pending) Commit() error {
	if p.done {
		return errors.New("artifact already committed or aborted")
	}
	p.done = true
	tmp := p.Name()
	if err := p.Sync(); err != nil {
		p.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync artifact for %s: %w", p.vm, err)
	}
	if err := p.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close artifact for %s: %w", p.vm, err)
	}
	if err := os.Rename(tmp, p.area.ArtifactPath(p.vm)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit artifact for %s: %w", p.vm, err)
	}
	return nil
}

// Abort discards the partial file. Safe to call after Commit.
func (p *Pending) Abort() {
	if p.done {
		return
	}
	p.done = true
	p.Close()
	os.Remove(p.Name())
}

// TempPath returns a scratch path next to the artifact for intermediate
// files. The caller removes it.
func (a *Area) TempPath(vm, suffix string) string {
	return filepath.Join(a.Root, "."+vm+suffix)
}

// Replace lets fn write a new version of the artifact to a scratch path and
// then atomically swaps it in. On error the existing artifact is untouched.
func (a *Area) Replace(vm string, fn func(tmpPath string) error) error {
	tmp := a.TempPath(vm, ArtifactExt+".new")
	if err := fn(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, a.ArtifactPath(vm)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace artifact for %s: %w", vm, err)
	}
	return nil
}

// WriteSecret writes a credential file readable only by the current user.
// The returned cleanup removes it.
func (a *Area) WriteSecret(pattern string, data []byte) (string, func(), error) {
	f, err := os.CreateTemp(a.Root, "."+pattern)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create credential file: %w", err)
	}
	path := f.Name()
	cleanup := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logging.Logger().Warn("failed to remove credential file", zap.String("path", path), zap.Error(err))
		}
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to restrict credential file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to close credential file: %w", err)
	}
	return path, cleanup, nil
}

// TempDir creates a private scratch directory, e.g. for CLI tool state
func (a *Area) TempDir(pattern string) (string, func(), error) {
	dir, err := os.MkdirTemp(a.Root, "."+pattern)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// Lock takes an exclusive lock for vm so two jobs cannot share an artifact.
// It does not block: if the lock is held it returns ErrLocked.
func (a *Area) Lock(vm string) (func(), error) {
	if err := ValidName(vm); err != nil {
		return nil, err
	}
	fl := flock.New(filepath.Join(a.Root, vm+".lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock staging area for %s: %w", vm, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", vm, ErrLocked)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			logging.Logger().Warn("failed to release staging lock", zap.String("vm", vm), zap.Error(err))
		}
	}, nil
}
