package driver

import (
	"context"
	"sync"
	"time"

	"kumo/internal/logging"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

// OperationRecord is the timing and outcome of one driver call
type OperationRecord struct {
	Provider  Provider      `json:"provider"`
	Side      string        `json:"side"`
	Operation string        `json:"operation"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Recorder receives an OperationRecord after every audited call
type Recorder interface {
	Record(rec OperationRecord)
}

// RecorderFunc adapts a function to Recorder
type RecorderFunc func(OperationRecord)

func (f RecorderFunc) Record(rec OperationRecord) { f(rec) }

// LogRecorder writes records to the process logger
type LogRecorder struct{}

func (LogRecorder) Record(rec OperationRecord) {
	fields := []zap.Field{
		zap.String("provider", string(rec.Provider)),
		zap.String("side", rec.Side),
		zap.String("operation", rec.Operation),
		zap.Time("start", rec.Start),
		zap.Time("end", rec.End),
		zap.Duration("duration", rec.Duration),
	}
	if rec.Error != "" {
		logging.Logger().Warn("driver operation failed", append(fields, zap.String("error", logging.Truncate(rec.Error)))...)
		return
	}
	logging.Logger().Info("driver operation finished", fields...)
}

// MultiRecorder fans a record out to several recorders
type MultiRecorder []Recorder

func (m MultiRecorder) Record(rec OperationRecord) {
	for _, r := range m {
		r.Record(rec)
	}
}

// MemoryRecorder keeps records in memory
type MemoryRecorder struct {
	mu      sync.Mutex
	records []OperationRecord
}

func (m *MemoryRecorder) Record(rec OperationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

// Records returns a copy of everything recorded so far
func (m *MemoryRecorder) Records() []OperationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OperationRecord(nil), m.records...)
}

type audited struct {
	next  Driver
	side  string
	clock clock.Clock
	rec   Recorder
}

// WithAudit wraps d so every operation emits an OperationRecord to rec.
// side labels the records, e.g. "source" or "destination".
func WithAudit(d Driver, side string, clk clock.Clock, rec Recorder) Driver {
	if clk == nil {
		clk = clock.WallClock
	}
	if rec == nil {
		rec = LogRecorder{}
	}
	return &audited{next: d, side: side, clock: clk, rec: rec}
}

func (a *audited) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := a.clock.Now()
	err := fn(ctx)
	end := a.clock.Now()

	rec := OperationRecord{
		Provider:  a.Provider(),
		Side:      a.side,
		Operation: op,
		Start:     start,
		End:       end,
		Duration:  end.Sub(start),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	a.rec.Record(rec)
	return err
}

func (a *audited) Provider() Provider {
	if in, ok := a.next.(Inspector); ok {
		return in.Provider()
	}
	return ""
}

func (a *audited) ExportedObject() string {
	if in, ok := a.next.(Inspector); ok {
		return in.ExportedObject()
	}
	return ""
}

func (a *audited) ImageID() string {
	if in, ok := a.next.(Inspector); ok {
		return in.ImageID()
	}
	return ""
}

func (a *audited) CreateBucket(ctx context.Context) error {
	return a.call(ctx, OpCreateBucket, a.next.CreateBucket)
}

func (a *audited) StopServer(ctx context.Context) error {
	return a.call(ctx, OpStopServer, a.next.StopServer)
}

func (a *audited) StartServer(ctx context.Context) error {
	return a.call(ctx, OpStartServer, a.next.StartServer)
}

func (a *audited) ExportDisk(ctx context.Context) error {
	return a.call(ctx, OpExportDisk, a.next.ExportDisk)
}

func (a *audited) DownloadDisk(ctx context.Context) error {
	return a.call(ctx, OpDownloadDisk, a.next.DownloadDisk)
}

func (a *audited) PrepareDisk(ctx context.Context) error {
	return a.call(ctx, OpPrepareDisk, a.next.PrepareDisk)
}

func (a *audited) UploadDisk(ctx context.Context) error {
	return a.call(ctx, OpUploadDisk, a.next.UploadDisk)
}

func (a *audited) ImportDisk(ctx context.Context) error {
	return a.call(ctx, OpImportDisk, a.next.ImportDisk)
}

func (a *audited) CreateServer(ctx context.Context) error {
	return a.call(ctx, OpCreateServer, a.next.CreateServer)
}

func (a *audited) DeleteServer(ctx context.Context) error {
	return a.call(ctx, OpDeleteServer, a.next.DeleteServer)
}

func (a *audited) DeleteImage(ctx context.Context) error {
	return a.call(ctx, OpDeleteImage, a.next.DeleteImage)
}

func (a *audited) DeleteBucket(ctx context.Context) error {
	return a.call(ctx, OpDeleteBucket, a.next.DeleteBucket)
}
