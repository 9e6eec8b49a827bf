// Package driver defines the provider driver contract used by the migration
// pipeline and its Amazon, Google and Microsoft implementations.
package driver

import "context"

// Operation names, as they appear in audit records and errors
const (
	OpCreateBucket = "create_bucket"
	OpStopServer   = "stop_server"
	OpStartServer  = "start_server"
	OpExportDisk   = "export_disk"
	OpDownloadDisk = "download_disk"
	OpPrepareDisk  = "prepare_disk"
	OpUploadDisk   = "upload_disk"
	OpImportDisk   = "import_disk"
	OpCreateServer = "create_server"
	OpDeleteServer = "delete_server"
	OpDeleteImage  = "delete_image"
	OpDeleteBucket = "delete_bucket"
)

// Driver moves one virtual machine's boot disk in or out of one cloud
// account. A driver is bound to a single VM and account at construction and
// keeps state between calls (the exported object, the imported image), so it
// must not be reused across migrations.
type Driver interface {
	// CreateBucket makes sure the storage location exists, together with any
	// authorization the provider's import service needs. Idempotent.
	CreateBucket(ctx context.Context) error
	// StopServer stops the named server and waits until it is stopped.
	// A missing server is not an error.
	StopServer(ctx context.Context) error
	// StartServer starts the named server and waits until it is running.
	// A missing server is not an error.
	StartServer(ctx context.Context) error
	// ExportDisk exports the server's boot disk as a VHD into the bucket and
	// remembers the resulting object for DownloadDisk.
	ExportDisk(ctx context.Context) error
	// DownloadDisk copies the exported object into the staging area as <vm>.vhd.
	DownloadDisk(ctx context.Context) error
	// PrepareDisk converts the staged artifact into the form this provider
	// imports. Often a no-op.
	PrepareDisk(ctx context.Context) error
	// UploadDisk copies the staged artifact into the bucket and removes the
	// local copy once the remote write is confirmed.
	UploadDisk(ctx context.Context) error
	// ImportDisk registers the uploaded object as a bootable image and
	// remembers its identifier for CreateServer.
	ImportDisk(ctx context.Context) error
	// CreateServer launches a server from the imported image and waits until
	// it is running.
	CreateServer(ctx context.Context) error

	// DeleteServer removes the server named after the VM along with the
	// resources created for it. A missing server counts as deleted.
	DeleteServer(ctx context.Context) error
	// DeleteImage removes the imported image and any snapshot backing it.
	// A missing image counts as deleted.
	DeleteImage(ctx context.Context) error
	// DeleteBucket empties and removes the staging bucket together with any
	// import access granted for it. A missing bucket counts as deleted.
	DeleteBucket(ctx context.Context) error
}

// Inspector exposes the state a driver has recorded so far
type Inspector interface {
	Provider() Provider
	ExportedObject() string
	ImageID() string
}
