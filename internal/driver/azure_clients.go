package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// azureOperation is a long-running ARM operation; *runtime.Poller satisfies it
type azureOperation[T any] interface {
	Done() bool
	Poll(ctx context.Context) (*http.Response, error)
	Result(ctx context.Context) (T, error)
}

// operation avoids wrapping a nil poller in a non-nil interface
func operation[T any](p *runtime.Poller[T], err error) (azureOperation[T], error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

type azureCompute interface {
	GetVM(ctx context.Context, name string) (armcompute.VirtualMachine, error)
	BeginDeallocate(ctx context.Context, name string) (azureOperation[armcompute.VirtualMachinesClientDeallocateResponse], error)
	BeginStart(ctx context.Context, name string) (azureOperation[armcompute.VirtualMachinesClientStartResponse], error)
	BeginCreateVM(ctx context.Context, name string, vm armcompute.VirtualMachine) (azureOperation[armcompute.VirtualMachinesClientCreateOrUpdateResponse], error)
	BeginDeleteVM(ctx context.Context, name string) (azureOperation[armcompute.VirtualMachinesClientDeleteResponse], error)
	BeginCreateSnapshot(ctx context.Context, name string, snap armcompute.Snapshot) (azureOperation[armcompute.SnapshotsClientCreateOrUpdateResponse], error)
	BeginGrantAccess(ctx context.Context, name string, data armcompute.GrantAccessData) (azureOperation[armcompute.SnapshotsClientGrantAccessResponse], error)
	BeginRevokeAccess(ctx context.Context, name string) (azureOperation[armcompute.SnapshotsClientRevokeAccessResponse], error)
	BeginDeleteSnapshot(ctx context.Context, name string) (azureOperation[armcompute.SnapshotsClientDeleteResponse], error)
	BeginCreateImage(ctx context.Context, name string, img armcompute.Image) (azureOperation[armcompute.ImagesClientCreateOrUpdateResponse], error)
	BeginDeleteImage(ctx context.Context, name string) (azureOperation[armcompute.ImagesClientDeleteResponse], error)
}

type azureNetwork interface {
	GetSubnet(ctx context.Context, network, subnet string) (armnetwork.Subnet, error)
	BeginCreateInterface(ctx context.Context, name string, nic armnetwork.Interface) (azureOperation[armnetwork.InterfacesClientCreateOrUpdateResponse], error)
	BeginDeleteInterface(ctx context.Context, name string) (azureOperation[armnetwork.InterfacesClientDeleteResponse], error)
}

// azureContainer is one blob container holding page blobs
type azureContainer interface {
	// Properties returns a ContainerNotFound storage error when absent
	Properties(ctx context.Context) error
	Create(ctx context.Context) error
	Delete(ctx context.Context) error
	CreatePageBlob(ctx context.Context, name string, size int64) error
	UploadPage(ctx context.Context, name string, offset int64, page io.ReadSeeker, count int64) error
	BlobURL(name string) string
}

func isAzureNotFound(err error) bool {
	var re *azcore.ResponseError
	if !errors.As(err, &re) {
		return false
	}
	return re.StatusCode == http.StatusNotFound || re.ErrorCode == "ResourceNotFound" || re.ErrorCode == "NotFound"
}

type armClients struct {
	resourceGroup string
	vms           *armcompute.VirtualMachinesClient
	snapshots     *armcompute.SnapshotsClient
	images        *armcompute.ImagesClient
	subnets       *armnetwork.SubnetsClient
	interfaces    *armnetwork.InterfacesClient
}

func newARMClients(acct MicrosoftAccount) (*armClients, error) {
	cred, err := azidentity.NewClientSecretCredential(acct.TenantID, acct.ClientID, acct.ClientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}
	c := &armClients{resourceGroup: acct.ResourceGroupName}
	if c.vms, err = armcompute.NewVirtualMachinesClient(acct.SubscriptionID, cred, nil); err != nil {
		return nil, err
	}
	if c.snapshots, err = armcompute.NewSnapshotsClient(acct.SubscriptionID, cred, nil); err != nil {
		return nil, err
	}
	if c.images, err = armcompute.NewImagesClient(acct.SubscriptionID, cred, nil); err != nil {
		return nil, err
	}
	if c.subnets, err = armnetwork.NewSubnetsClient(acct.SubscriptionID, cred, nil); err != nil {
		return nil, err
	}
	if c.interfaces, err = armnetwork.NewInterfacesClient(acct.SubscriptionID, cred, nil); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *armClients) GetVM(ctx context.Context, name string) (armcompute.VirtualMachine, error) {
	resp, err := c.vms.Get(ctx, c.resourceGroup, name, nil)
	return resp.VirtualMachine, err
}

func (c *armClients) BeginDeallocate(ctx context.Context, name string) (azureOperation[armcompute.VirtualMachinesClientDeallocateResponse], error) {
	return operation(c.vms.BeginDeallocate(ctx, c.resourceGroup, name, nil))
}

func (c *armClients) BeginStart(ctx context.Context, name string) (azureOperation[armcompute.VirtualMachinesClientStartResponse], error) {
	return operation(c.vms.BeginStart(ctx, c.resourceGroup, name, nil))
}

func (c *armClients) BeginCreateVM(ctx context.Context, name string, vm armcompute.VirtualMachine) (azureOperation[armcompute.VirtualMachinesClientCreateOrUpdateResponse], error) {
	return operation(c.vms.BeginCreateOrUpdate(ctx, c.resourceGroup, name, vm, nil))
}

func (c *armClients) BeginDeleteVM(ctx context.Context, name string) (azureOperation[armcompute.VirtualMachinesClientDeleteResponse], error) {
	return operation(c.vms.BeginDelete(ctx, c.resourceGroup, name, nil))
}

func (c *armClients) BeginCreateSnapshot(ctx context.Context, name string, snap armcompute.Snapshot) (azureOperation[armcompute.SnapshotsClientCreateOrUpdateResponse], error) {
	return operation(c.snapshots.BeginCreateOrUpdate(ctx, c.resourceGroup, name, snap, nil))
}

func (c *armClients) BeginGrantAccess(ctx context.Context, name string, data armcompute.GrantAccessData) (azureOperation[armcompute.SnapshotsClientGrantAccessResponse], error) {
	return operation(c.snapshots.BeginGrantAccess(ctx, c.resourceGroup, name, data, nil))
}

func (c *armClients) BeginRevokeAccess(ctx context.Context, name string) (azureOperation[armcompute.SnapshotsClientRevokeAccessResponse], error) {
	return operation(c.snapshots.BeginRevokeAccess(ctx, c.resourceGroup, name, nil))
}

func (c *armClients) BeginDeleteSnapshot(ctx context.Context, name string) (azureOperation[armcompute.SnapshotsClientDeleteResponse], error) {
	return operation(c.snapshots.BeginDelete(ctx, c.resourceGroup, name, nil))
}

func (c *armClients) BeginCreateImage(ctx context.Context, name string, img armcompute.Image) (azureOperation[armcompute.ImagesClientCreateOrUpdateResponse], error) {
	return operation(c.images.BeginCreateOrUpdate(ctx, c.resourceGroup, name, img, nil))
}

func (c *armClients) BeginDeleteImage(ctx context.Context, name string) (azureOperation[armcompute.ImagesClientDeleteResponse], error) {
	return operation(c.images.BeginDelete(ctx, c.resourceGroup, name, nil))
}

func (c *armClients) GetSubnet(ctx context.Context, network, subnet string) (armnetwork.Subnet, error) {
	resp, err := c.subnets.Get(ctx, c.resourceGroup, network, subnet, nil)
	return resp.Subnet, err
}

func (c *armClients) BeginCreateInterface(ctx context.Context, name string, nic armnetwork.Interface) (azureOperation[armnetwork.InterfacesClientCreateOrUpdateResponse], error) {
	return operation(c.interfaces.BeginCreateOrUpdate(ctx, c.resourceGroup, name, nic, nil))
}

func (c *armClients) BeginDeleteInterface(ctx context.Context, name string) (azureOperation[armnetwork.InterfacesClientDeleteResponse], error) {
	return operation(c.interfaces.BeginDelete(ctx, c.resourceGroup, name, nil))
}

type blobContainer struct {
	client *container.Client
}

func newBlobContainer(acct MicrosoftAccount, name string) (*blobContainer, error) {
	cred, err := azblob.NewSharedKeyCredential(acct.StorageAccountName, acct.StorageAccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage credential: %w", err)
	}
	url := fmt.Sprintf("https://%s.blob.core.windows.net/%s", acct.StorageAccountName, name)
	client, err := container.NewClientWithSharedKeyCredential(url, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create container client: %w", err)
	}
	return &blobContainer{client: client}, nil
}

func (b *blobContainer) Properties(ctx context.Context) error {
	_, err := b.client.GetProperties(ctx, nil)
	return err
}

func (b *blobContainer) Create(ctx context.Context) error {
	_, err := b.client.Create(ctx, nil)
	return err
}

func (b *blobContainer) Delete(ctx context.Context) error {
	_, err := b.client.Delete(ctx, nil)
	return err
}

func (b *blobContainer) CreatePageBlob(ctx context.Context, name string, size int64) error {
	_, err := b.client.NewPageBlobClient(name).Create(ctx, size, nil)
	return err
}

func (b *blobContainer) UploadPage(ctx context.Context, name string, offset int64, page io.ReadSeeker, count int64) error {
	_, err := b.client.NewPageBlobClient(name).UploadPages(ctx, streaming.NopCloser(page),
		blob.HTTPRange{Offset: offset, Count: count}, nil)
	return err
}

func (b *blobContainer) BlobURL(name string) string {
	return b.client.NewPageBlobClient(name).URL()
}

func isContainerNotFound(err error) bool {
	return bloberror.HasCode(err, bloberror.ContainerNotFound, bloberror.ContainerBeingDeleted)
}
