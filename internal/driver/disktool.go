package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// MiB is the block unit imported disks are aligned to
const MiB int64 = 1 << 20

// AlignSize returns the smallest multiple of MiB that is >= size
func AlignSize(size int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + MiB - 1) / MiB * MiB
}

// DiskTool converts and resizes disk images on the local filesystem
type DiskTool interface {
	Convert(ctx context.Context, src, srcFormat, dst, dstFormat string, opts ...string) error
	VirtualSize(ctx context.Context, path, format string) (int64, error)
	Resize(ctx context.Context, path, format string, size int64) error
}

// QemuImg is the DiskTool backed by the qemu-img binary
type QemuImg struct {
	Path   string
	Runner CommandRunner
}

// NewQemuImg returns a QemuImg running path, defaulting to qemu-img on PATH
func NewQemuImg(path string) *QemuImg {
	if path == "" {
		path = "qemu-img"
	}
	return &QemuImg{Path: path, Runner: ExecRunner{}}
}

func (q *QemuImg) Convert(ctx context.Context, src, srcFormat, dst, dstFormat string, opts ...string) error {
	args := []string{"convert", "-f", srcFormat, "-O", dstFormat}
	args = append(args, opts...)
	args = append(args, src, dst)
	_, err := q.Runner.Run(ctx, nil, q.Path, args...)
	return err
}

func (q *QemuImg) VirtualSize(ctx context.Context, path, format string) (int64, error) {
	out, err := q.Runner.Run(ctx, nil, q.Path, "info", "-f", format, "--output=json", path)
	if err != nil {
		return 0, err
	}
	var info struct {
		VirtualSize int64 `json:"virtual-size"`
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return 0, fmt.Errorf("failed to parse qemu-img info output: %w", err)
	}
	return info.VirtualSize, nil
}

func (q *QemuImg) Resize(ctx context.Context, path, format string, size int64) error {
	_, err := q.Runner.Run(ctx, nil, q.Path, "resize", "-f", format, path, strconv.FormatInt(size, 10))
	return err
}
