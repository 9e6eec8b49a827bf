package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"kumo/internal/logging"
	"kumo/internal/poll"
)

const (
	// pageSize is how much of the artifact each page blob write carries
	pageSize int64 = 4 * MiB
	// pageAlign is the page blob size and offset granularity
	pageAlign int64 = 512
	// snapshotAccessSeconds is how long the snapshot download SAS stays valid
	snapshotAccessSeconds = 5 * 60 * 60
)

// MicrosoftDriver implements Driver on Azure compute, network and page blobs
type MicrosoftDriver struct {
	base
	account   MicrosoftAccount
	compute   azureCompute
	network   azureNetwork
	container azureContainer
	http      *retryablehttp.Client
	disks     DiskTool
}

// NewMicrosoft creates a MicrosoftDriver with a client secret credential
func NewMicrosoft(ctx context.Context, p Params) (*MicrosoftDriver, error) {
	acct := *p.Account.Microsoft
	arm, err := newARMClients(acct)
	if err != nil {
		return nil, err
	}
	blobs, err := newBlobContainer(acct, p.Account.Bucket)
	if err != nil {
		return nil, err
	}
	return newMicrosoftDriver(p, arm, arm, blobs, newDownloadClient()), nil
}

func newMicrosoftDriver(p Params, c azureCompute, n azureNetwork, blobs azureContainer, hc *retryablehttp.Client) *MicrosoftDriver {
	disks := p.DiskTool
	if disks == nil {
		disks = NewQemuImg("")
	}
	return &MicrosoftDriver{
		base:      newBase(ProviderMicrosoft, p),
		account:   *p.Account.Microsoft,
		compute:   c,
		network:   n,
		container: blobs,
		http:      hc,
		disks:     disks,
	}
}

// retryLogger adapts the process logger to retryablehttp
type retryLogger struct {
	log *zap.SugaredLogger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.log.Errorw(msg, kv...) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.log.Infow(msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.log.Debugw(msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.log.Warnw(msg, kv...) }

func newDownloadClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 5
	c.RetryWaitMin = time.Second
	c.RetryWaitMax = 30 * time.Second
	c.Logger = retryLogger{log: logging.Logger().Sugar()}
	return c
}

// awaitOperation drives an ARM operation with the poll helper and returns its result
func awaitOperation[T any](ctx context.Context, b *base, policy poll.Policy, what string, op azureOperation[T]) (T, error) {
	var zero T
	err := b.wait(ctx, policy, what, func(ctx context.Context) (poll.Status, error) {
		if !op.Done() {
			if _, err := op.Poll(ctx); err != nil {
				return poll.Pending, err
			}
		}
		if op.Done() {
			return poll.Succeeded, nil
		}
		return poll.Pending, nil
	})
	if err != nil {
		return zero, err
	}
	res, err := op.Result(ctx)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", what, err)
	}
	return res, nil
}

func (d *MicrosoftDriver) nicName() string {
	return d.vm + "-interface"
}

func (d *MicrosoftDriver) CreateBucket(ctx context.Context) error {
	err := d.container.Properties(ctx)
	switch {
	case err == nil:
		return nil
	case isContainerNotFound(err):
	default:
		return d.fail(ErrProvisioning, OpCreateBucket, fmt.Errorf("failed to check container %s: %w", d.bucket, err))
	}
	if err := d.container.Create(ctx); err != nil {
		return d.fail(ErrProvisioning, OpCreateBucket, fmt.Errorf("failed to create container %s: %w", d.bucket, err))
	}
	d.logger().Info("container created", zap.String("container", d.bucket))
	return nil
}

func (d *MicrosoftDriver) StopServer(ctx context.Context) error {
	if _, err := d.compute.GetVM(ctx, d.vm); err != nil {
		if isAzureNotFound(err) {
			d.logger().Info("server not found, nothing to stop")
			return nil
		}
		return d.fail(ErrProvisioning, OpStopServer, err)
	}
	op, err := d.compute.BeginDeallocate(ctx, d.vm)
	if err != nil {
		return d.fail(ErrProvisioning, OpStopServer, err)
	}
	_, err = awaitOperation(ctx, &d.base, d.short, "deallocate", op)
	return d.fail(ErrProvisioning, OpStopServer, err)
}

func (d *MicrosoftDriver) StartServer(ctx context.Context) error {
	if _, err := d.compute.GetVM(ctx, d.vm); err != nil {
		if isAzureNotFound(err) {
			d.logger().Info("server not found, nothing to start")
			return nil
		}
		return d.fail(ErrProvisioning, OpStartServer, err)
	}
	op, err := d.compute.BeginStart(ctx, d.vm)
	if err != nil {
		return d.fail(ErrProvisioning, OpStartServer, err)
	}
	_, err = awaitOperation(ctx, &d.base, d.short, "start", op)
	return d.fail(ErrProvisioning, OpStartServer, err)
}

// ExportDisk snapshots the managed OS disk; the snapshot is downloaded
// through a read SAS
func (d *MicrosoftDriver) ExportDisk(ctx context.Context) error {
	vm, err := d.compute.GetVM(ctx, d.vm)
	if err != nil {
		if isAzureNotFound(err) {
			return d.fail(ErrExport, OpExportDisk, fmt.Errorf("server %s not found", d.vm))
		}
		return d.fail(ErrExport, OpExportDisk, err)
	}
	if vm.Properties == nil || vm.Properties.StorageProfile == nil || vm.Properties.StorageProfile.OSDisk == nil ||
		vm.Properties.StorageProfile.OSDisk.ManagedDisk == nil || vm.Properties.StorageProfile.OSDisk.ManagedDisk.ID == nil {
		return d.fail(ErrExport, OpExportDisk, fmt.Errorf("server %s has no managed os disk", d.vm))
	}
	osDisk := vm.Properties.StorageProfile.OSDisk

	op, err := d.compute.BeginCreateSnapshot(ctx, d.vm, armcompute.Snapshot{
		Location: to.Ptr(d.account.Location),
		Properties: &armcompute.SnapshotProperties{
			CreationData: &armcompute.CreationData{
				CreateOption:     to.Ptr(armcompute.DiskCreateOptionCopy),
				SourceResourceID: osDisk.ManagedDisk.ID,
			},
			DiskSizeGB: osDisk.DiskSizeGB,
		},
	})
	if err != nil {
		return d.fail(ErrExport, OpExportDisk, fmt.Errorf("snapshot request rejected: %w", err))
	}
	if _, err := awaitOperation(ctx, &d.base, d.long, "snapshot", op); err != nil {
		return d.fail(ErrExport, OpExportDisk, err)
	}
	d.exportedObject = d.vm
	return nil
}

func (d *MicrosoftDriver) DownloadDisk(ctx context.Context) error {
	if d.exportedObject == "" {
		return d.fail(ErrTransfer, OpDownloadDisk, errors.New("no exported snapshot recorded"))
	}
	op, err := d.compute.BeginGrantAccess(ctx, d.exportedObject, armcompute.GrantAccessData{
		Access:            to.Ptr(armcompute.AccessLevelRead),
		DurationInSeconds: to.Ptr[int32](snapshotAccessSeconds),
	})
	if err != nil {
		return d.fail(ErrTransfer, OpDownloadDisk, fmt.Errorf("failed to grant snapshot access: %w", err))
	}
	grant, err := awaitOperation(ctx, &d.base, d.short, "grant access", op)
	if err != nil {
		return d.fail(ErrTransfer, OpDownloadDisk, err)
	}
	if grant.AccessSAS == nil {
		return d.fail(ErrTransfer, OpDownloadDisk, errors.New("snapshot access grant returned no url"))
	}
	defer d.revokeAccess(ctx)

	n, err := d.downloadSAS(ctx, *grant.AccessSAS)
	if err != nil {
		return d.fail(ErrTransfer, OpDownloadDisk, err)
	}
	d.logger().Info("disk downloaded", zap.Int64("bytes", n))
	return nil
}

func (d *MicrosoftDriver) downloadSAS(ctx context.Context, url string) (int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("failed to download snapshot: unexpected status %s", resp.Status)
	}

	pending, err := d.staging.Create(d.vm)
	if err != nil {
		return 0, err
	}
	defer pending.Abort()

	n, err := io.Copy(pending, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to download snapshot: %w", err)
	}
	return n, pending.Commit()
}

func (d *MicrosoftDriver) revokeAccess(ctx context.Context) {
	op, err := d.compute.BeginRevokeAccess(ctx, d.exportedObject)
	if err == nil {
		_, err = awaitOperation(ctx, &d.base, d.short, "revoke access", op)
	}
	if err != nil {
		d.logger().Warn("failed to revoke snapshot access", zap.Error(err))
	}
}

// PrepareDisk turns the staged VHD into a fixed VHD whose virtual size is a
// whole number of MiB, as Azure requires for imported disks
func (d *MicrosoftDriver) PrepareDisk(ctx context.Context) error {
	artifact := d.staging.ArtifactPath(d.vm)
	raw := d.staging.TempPath(d.vm, ".raw")
	defer os.Remove(raw)

	if err := d.disks.Convert(ctx, artifact, "vpc", raw, "raw"); err != nil {
		return d.fail(ErrTransfer, OpPrepareDisk, fmt.Errorf("failed to convert vhd to raw: %w", err))
	}
	size, err := d.disks.VirtualSize(ctx, raw, "raw")
	if err != nil {
		return d.fail(ErrTransfer, OpPrepareDisk, fmt.Errorf("failed to read disk size: %w", err))
	}
	aligned := AlignSize(size)
	if aligned != size {
		if err := d.disks.Resize(ctx, raw, "raw", aligned); err != nil {
			return d.fail(ErrTransfer, OpPrepareDisk, fmt.Errorf("failed to resize disk: %w", err))
		}
	}
	d.logger().Info("disk aligned", zap.Int64("virtual_size", size), zap.Int64("aligned_size", aligned))

	err = d.staging.Replace(d.vm, func(tmp string) error {
		return d.disks.Convert(ctx, raw, "raw", tmp, "vpc", "-o", "subformat=fixed,force_size")
	})
	if err != nil {
		return d.fail(ErrTransfer, OpPrepareDisk, fmt.Errorf("failed to convert raw to vhd: %w", err))
	}
	return nil
}

func (d *MicrosoftDriver) UploadDisk(ctx context.Context) error {
	f, err := d.staging.Open(d.vm)
	if err != nil {
		return d.fail(ErrTransfer, OpUploadDisk, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return d.fail(ErrTransfer, OpUploadDisk, err)
	}
	size := info.Size()
	if size%pageAlign != 0 {
		return d.fail(ErrTransfer, OpUploadDisk, fmt.Errorf("artifact size %d is not a multiple of %d bytes", size, pageAlign))
	}

	name := d.objectName()
	if err := d.container.CreatePageBlob(ctx, name, size); err != nil {
		return d.fail(ErrTransfer, OpUploadDisk, fmt.Errorf("failed to create page blob %s: %w", name, err))
	}
	for offset := int64(0); offset < size; offset += pageSize {
		count := min(pageSize, size-offset)
		if err := d.container.UploadPage(ctx, name, offset, io.NewSectionReader(f, offset, count), count); err != nil {
			return d.fail(ErrTransfer, OpUploadDisk, fmt.Errorf("failed to upload pages at offset %d: %w", offset, err))
		}
	}
	f.Close()
	d.logger().Info("disk uploaded", zap.String("blob", name), zap.Int64("bytes", size))
	return d.fail(ErrTransfer, OpUploadDisk, d.staging.Remove(d.vm))
}

func (d *MicrosoftDriver) ImportDisk(ctx context.Context) error {
	op, err := d.compute.BeginCreateImage(ctx, d.vm, armcompute.Image{
		Location: to.Ptr(d.account.Location),
		Properties: &armcompute.ImageProperties{
			StorageProfile: &armcompute.ImageStorageProfile{
				OSDisk: &armcompute.ImageOSDisk{
					OSType:  to.Ptr(armcompute.OperatingSystemTypesLinux),
					OSState: to.Ptr(armcompute.OperatingSystemStateTypesGeneralized),
					BlobURI: to.Ptr(d.container.BlobURL(d.objectName())),
					Caching: to.Ptr(armcompute.CachingTypesReadWrite),
				},
			},
		},
	})
	if err != nil {
		return d.fail(ErrImport, OpImportDisk, fmt.Errorf("image request rejected: %w", err))
	}
	img, err := awaitOperation(ctx, &d.base, d.long, "image", op)
	if err != nil {
		return d.fail(ErrImport, OpImportDisk, err)
	}
	if img.ID == nil {
		return d.fail(ErrImport, OpImportDisk, errors.New("image has no resource id"))
	}
	d.imageID = *img.ID
	return nil
}

func (d *MicrosoftDriver) CreateServer(ctx context.Context) error {
	if d.imageID == "" {
		return d.fail(ErrProvisioning, OpCreateServer, errors.New("no imported image recorded"))
	}
	subnet, err := d.network.GetSubnet(ctx, d.account.Network, d.account.Subnet)
	if err != nil {
		return d.fail(ErrProvisioning, OpCreateServer, fmt.Errorf("failed to look up subnet %s/%s: %w", d.account.Network, d.account.Subnet, err))
	}

	nicOp, err := d.network.BeginCreateInterface(ctx, d.nicName(), armnetwork.Interface{
		Location: to.Ptr(d.account.Location),
		Properties: &armnetwork.InterfacePropertiesFormat{
			IPConfigurations: []*armnetwork.InterfaceIPConfiguration{{
				Name: to.Ptr(d.vm + "-ip"),
				Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
					Subnet: &armnetwork.Subnet{ID: subnet.ID},
				},
			}},
		},
	})
	if err != nil {
		return d.fail(ErrProvisioning, OpCreateServer, fmt.Errorf("failed to create network interface: %w", err))
	}
	nic, err := awaitOperation(ctx, &d.base, d.short, "network interface", nicOp)
	if err != nil {
		return d.fail(ErrProvisioning, OpCreateServer, err)
	}

	vm := armcompute.VirtualMachine{
		Location: to.Ptr(d.account.Location),
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(d.account.VirtualMachineSize)),
			},
			OSProfile: &armcompute.OSProfile{
				ComputerName:  to.Ptr(d.vm),
				AdminUsername: to.Ptr(d.account.AdminUsername),
				AdminPassword: to.Ptr(d.account.AdminPassword),
			},
			StorageProfile: &armcompute.StorageProfile{
				ImageReference: &armcompute.ImageReference{ID: to.Ptr(d.imageID)},
			},
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{{ID: nic.ID}},
			},
		},
	}
	if d.account.Zone != "" {
		vm.Zones = []*string{to.Ptr(d.account.Zone)}
	}

	op, err := d.compute.BeginCreateVM(ctx, d.vm, vm)
	if err != nil {
		return d.fail(ErrProvisioning, OpCreateServer, fmt.Errorf("failed to create virtual machine: %w", err))
	}
	_, err = awaitOperation(ctx, &d.base, d.short, "virtual machine", op)
	return d.fail(ErrProvisioning, OpCreateServer, err)
}

func (d *MicrosoftDriver) DeleteServer(ctx context.Context) error {
	op, err := d.compute.BeginDeleteVM(ctx, d.vm)
	switch {
	case err == nil:
		if _, err := awaitOperation(ctx, &d.base, d.short, "delete virtual machine", op); err != nil && !isAzureNotFound(err) {
			return d.fail(ErrProvisioning, OpDeleteServer, err)
		}
	case !isAzureNotFound(err):
		return d.fail(ErrProvisioning, OpDeleteServer, err)
	}

	nicOp, err := d.network.BeginDeleteInterface(ctx, d.nicName())
	switch {
	case err == nil:
		if _, err := awaitOperation(ctx, &d.base, d.short, "delete network interface", nicOp); err != nil && !isAzureNotFound(err) {
			return d.fail(ErrProvisioning, OpDeleteServer, err)
		}
	case !isAzureNotFound(err):
		return d.fail(ErrProvisioning, OpDeleteServer, err)
	}
	return nil
}

// DeleteImage removes the imported image and the export snapshot
func (d *MicrosoftDriver) DeleteImage(ctx context.Context) error {
	op, err := d.compute.BeginDeleteImage(ctx, d.vm)
	switch {
	case err == nil:
		if _, err := awaitOperation(ctx, &d.base, d.short, "delete image", op); err != nil && !isAzureNotFound(err) {
			return d.fail(ErrProvisioning, OpDeleteImage, err)
		}
	case !isAzureNotFound(err):
		return d.fail(ErrProvisioning, OpDeleteImage, err)
	}

	revoke, err := d.compute.BeginRevokeAccess(ctx, d.vm)
	switch {
	case err == nil:
		if _, err := awaitOperation(ctx, &d.base, d.short, "revoke access", revoke); err != nil && !isAzureNotFound(err) {
			return d.fail(ErrProvisioning, OpDeleteImage, err)
		}
	case !isAzureNotFound(err):
		return d.fail(ErrProvisioning, OpDeleteImage, err)
	}

	snap, err := d.compute.BeginDeleteSnapshot(ctx, d.vm)
	switch {
	case err == nil:
		if _, err := awaitOperation(ctx, &d.base, d.short, "delete snapshot", snap); err != nil && !isAzureNotFound(err) {
			return d.fail(ErrProvisioning, OpDeleteImage, err)
		}
	case !isAzureNotFound(err):
		return d.fail(ErrProvisioning, OpDeleteImage, err)
	}
	return nil
}

func (d *MicrosoftDriver) DeleteBucket(ctx context.Context) error {
	err := d.container.Delete(ctx)
	if err != nil && !isContainerNotFound(err) {
		return d.fail(ErrProvisioning, OpDeleteBucket, fmt.Errorf("failed to delete container %s: %w", d.bucket, err))
	}
	return nil
}
