package driver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeOperation completes after a number of polls
type fakeOperation[T any] struct {
	polls  int
	result T
	err    error
}

func (o *fakeOperation[T]) Done() bool { return o.polls <= 0 }

func (o *fakeOperation[T]) Poll(context.Context) (*http.Response, error) {
	o.polls--
	return &http.Response{StatusCode: http.StatusOK}, nil
}

func (o *fakeOperation[T]) Result(context.Context) (T, error) {
	return o.result, o.err
}

func completed[T any](v T) (azureOperation[T], error) {
	return &fakeOperation[T]{polls: 1, result: v}, nil
}

func azureNotFound() error {
	return &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "ResourceNotFound"}
}

type fakeARM struct {
	vms       map[string]armcompute.VirtualMachine
	snapshots map[string]armcompute.Snapshot
	images    map[string]armcompute.Image
	nics      map[string]armnetwork.Interface
	accessURL string
	grants    int
	revokes   int
	deallocs  int
	// hangs holds operations that never complete
	hangs   map[string]bool
	created []armcompute.VirtualMachine
}

func newFakeARM() *fakeARM {
	return &fakeARM{
		vms:       map[string]armcompute.VirtualMachine{},
		snapshots: map[string]armcompute.Snapshot{},
		images:    map[string]armcompute.Image{},
		nics:      map[string]armnetwork.Interface{},
		hangs:     map[string]bool{},
	}
}

func hanging[T any]() (azureOperation[T], error) {
	return &fakeOperation[T]{polls: 1 << 30}, nil
}

func (f *fakeARM) GetVM(_ context.Context, name string) (armcompute.VirtualMachine, error) {
	vm, ok := f.vms[name]
	if !ok {
		return armcompute.VirtualMachine{}, azureNotFound()
	}
	return vm, nil
}

func (f *fakeARM) BeginDeallocate(context.Context, string) (azureOperation[armcompute.VirtualMachinesClientDeallocateResponse], error) {
	f.deallocs++
	if f.hangs["deallocate"] {
		return hanging[armcompute.VirtualMachinesClientDeallocateResponse]()
	}
	return completed(armcompute.VirtualMachinesClientDeallocateResponse{})
}

func (f *fakeARM) BeginStart(context.Context, string) (azureOperation[armcompute.VirtualMachinesClientStartResponse], error) {
	return completed(armcompute.VirtualMachinesClientStartResponse{})
}

func (f *fakeARM) BeginCreateVM(_ context.Context, name string, vm armcompute.VirtualMachine) (azureOperation[armcompute.VirtualMachinesClientCreateOrUpdateResponse], error) {
	f.created = append(f.created, vm)
	f.vms[name] = vm
	return completed(armcompute.VirtualMachinesClientCreateOrUpdateResponse{VirtualMachine: vm})
}

func (f *fakeARM) BeginDeleteVM(_ context.Context, name string) (azureOperation[armcompute.VirtualMachinesClientDeleteResponse], error) {
	if _, ok := f.vms[name]; !ok {
		return nil, azureNotFound()
	}
	delete(f.vms, name)
	return completed(armcompute.VirtualMachinesClientDeleteResponse{})
}

func (f *fakeARM) BeginCreateSnapshot(_ context.Context, name string, snap armcompute.Snapshot) (azureOperation[armcompute.SnapshotsClientCreateOrUpdateResponse], error) {
	f.snapshots[name] = snap
	return completed(armcompute.SnapshotsClientCreateOrUpdateResponse{Snapshot: snap})
}

func (f *fakeARM) BeginGrantAccess(context.Context, string, armcompute.GrantAccessData) (azureOperation[armcompute.SnapshotsClientGrantAccessResponse], error) {
	f.grants++
	return completed(armcompute.SnapshotsClientGrantAccessResponse{
		AccessURI: armcompute.AccessURI{AccessSAS: to.Ptr(f.accessURL)},
	})
}

func (f *fakeARM) BeginRevokeAccess(_ context.Context, name string) (azureOperation[armcompute.SnapshotsClientRevokeAccessResponse], error) {
	if _, ok := f.snapshots[name]; !ok {
		return nil, azureNotFound()
	}
	f.revokes++
	return completed(armcompute.SnapshotsClientRevokeAccessResponse{})
}

func (f *fakeARM) BeginDeleteSnapshot(_ context.Context, name string) (azureOperation[armcompute.SnapshotsClientDeleteResponse], error) {
	if _, ok := f.snapshots[name]; !ok {
		return nil, azureNotFound()
	}
	delete(f.snapshots, name)
	return completed(armcompute.SnapshotsClientDeleteResponse{})
}

func (f *fakeARM) BeginCreateImage(_ context.Context, name string, img armcompute.Image) (azureOperation[armcompute.ImagesClientCreateOrUpdateResponse], error) {
	img.ID = to.Ptr("/subscriptions/sub/resourceGroups/rg/providers/Microsoft.Compute/images/" + name)
	f.images[name] = img
	if f.hangs["image"] {
		return hanging[armcompute.ImagesClientCreateOrUpdateResponse]()
	}
	return completed(armcompute.ImagesClientCreateOrUpdateResponse{Image: img})
}

func (f *fakeARM) BeginDeleteImage(_ context.Context, name string) (azureOperation[armcompute.ImagesClientDeleteResponse], error) {
	if _, ok := f.images[name]; !ok {
		return nil, azureNotFound()
	}
	delete(f.images, name)
	return completed(armcompute.ImagesClientDeleteResponse{})
}

func (f *fakeARM) GetSubnet(_ context.Context, network, subnet string) (armnetwork.Subnet, error) {
	return armnetwork.Subnet{ID: to.Ptr("/virtualNetworks/" + network + "/subnets/" + subnet)}, nil
}

func (f *fakeARM) BeginCreateInterface(_ context.Context, name string, nic armnetwork.Interface) (azureOperation[armnetwork.InterfacesClientCreateOrUpdateResponse], error) {
	nic.ID = to.Ptr("/networkInterfaces/" + name)
	f.nics[name] = nic
	return completed(armnetwork.InterfacesClientCreateOrUpdateResponse{Interface: nic})
}

func (f *fakeARM) BeginDeleteInterface(_ context.Context, name string) (azureOperation[armnetwork.InterfacesClientDeleteResponse], error) {
	if _, ok := f.nics[name]; !ok {
		return nil, azureNotFound()
	}
	delete(f.nics, name)
	return completed(armnetwork.InterfacesClientDeleteResponse{})
}

type fakeContainer struct {
	exists    bool
	creates   int
	blobs     map[string][]byte
	uploadErr error
	pages     [][2]int64
}

func (c *fakeContainer) notFound() error {
	return &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: string(bloberror.ContainerNotFound)}
}

func (c *fakeContainer) Properties(context.Context) error {
	if !c.exists {
		return c.notFound()
	}
	return nil
}

func (c *fakeContainer) Create(context.Context) error {
	c.creates++
	c.exists = true
	return nil
}

func (c *fakeContainer) Delete(context.Context) error {
	if !c.exists {
		return c.notFound()
	}
	c.exists = false
	c.blobs = map[string][]byte{}
	return nil
}

func (c *fakeContainer) CreatePageBlob(_ context.Context, name string, size int64) error {
	c.blobs[name] = make([]byte, size)
	return nil
}

func (c *fakeContainer) UploadPage(_ context.Context, name string, offset int64, page io.ReadSeeker, count int64) error {
	if c.uploadErr != nil {
		return c.uploadErr
	}
	c.pages = append(c.pages, [2]int64{offset, count})
	_, err := io.ReadFull(page, c.blobs[name][offset:offset+count])
	return err
}

func (c *fakeContainer) BlobURL(name string) string {
	return "https://kumostore.blob.core.windows.net/disks/" + name
}

// sizeFileTool models disk images as files holding their virtual size
type sizeFileTool struct {
	converts [][]string
	resizes  []int64
}

func readVirtualSize(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(data), 10, 64)
}

func writeVirtualSize(path string, size int64) error {
	return os.WriteFile(path, []byte(strconv.FormatInt(size, 10)), 0o600)
}

func (t *sizeFileTool) Convert(_ context.Context, src, srcFmt, dst, dstFmt string, opts ...string) error {
	t.converts = append(t.converts, append([]string{srcFmt, dstFmt}, opts...))
	size, err := readVirtualSize(src)
	if err != nil {
		return err
	}
	return writeVirtualSize(dst, size)
}

func (t *sizeFileTool) VirtualSize(_ context.Context, path, _ string) (int64, error) {
	return readVirtualSize(path)
}

func (t *sizeFileTool) Resize(_ context.Context, path, _ string, size int64) error {
	t.resizes = append(t.resizes, size)
	return writeVirtualSize(path, size)
}

var _ = Describe("MicrosoftDriver", func() {
	var (
		ctx    context.Context
		params Params
		arm    *fakeARM
		blobs  *fakeContainer
		disks  *sizeFileTool
		hc     = newDownloadClient()
		d      *MicrosoftDriver
	)

	BeforeEach(func() {
		ctx = context.Background()
		params = testParams(microsoftAccount())
		arm = newFakeARM()
		blobs = &fakeContainer{blobs: map[string][]byte{}}
		disks = &sizeFileTool{}
		params.DiskTool = disks
		hc.RetryMax = 1
		hc.RetryWaitMin = time.Millisecond
		hc.RetryWaitMax = time.Millisecond
		d = newMicrosoftDriver(params, arm, arm, blobs, hc)
	})

	Context("CreateBucket", func() {
		It("should create the container once", func() {
			Expect(d.CreateBucket(ctx)).To(Succeed())
			Expect(d.CreateBucket(ctx)).To(Succeed())
			Expect(blobs.creates).To(Equal(1))
		})
	})

	Context("power", func() {
		It("should be a no-op when the server does not exist", func() {
			Expect(d.StopServer(ctx)).To(Succeed())
			Expect(d.StartServer(ctx)).To(Succeed())
		})

		It("should deallocate the server when stopping it", func() {
			arm.vms["web1"] = armcompute.VirtualMachine{Name: to.Ptr("web1")}

			Expect(d.StopServer(ctx)).To(Succeed())
			Expect(arm.deallocs).To(Equal(1))
		})

		It("should time out when power off never completes", func() {
			arm.vms["web1"] = armcompute.VirtualMachine{Name: to.Ptr("web1")}
			arm.hangs["deallocate"] = true

			err := d.StopServer(ctx)
			Expect(errors.Is(err, ErrOperationTimeout)).To(BeTrue())
			Expect(errors.Is(err, ErrProvisioning)).To(BeTrue())
		})
	})

	Context("export and download", func() {
		var server *httptest.Server

		BeforeEach(func() {
			arm.vms["web1"] = armcompute.VirtualMachine{
				Name: to.Ptr("web1"),
				Properties: &armcompute.VirtualMachineProperties{
					StorageProfile: &armcompute.StorageProfile{
						OSDisk: &armcompute.OSDisk{
							DiskSizeGB:  to.Ptr[int32](30),
							ManagedDisk: &armcompute.ManagedDiskParameters{ID: to.Ptr("/disks/web1-os")},
						},
					},
				},
			}
			server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/broken" {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				_, _ = w.Write([]byte("snapshot-bytes"))
			}))
			DeferCleanup(server.Close)
			arm.accessURL = server.URL + "/sas"
		})

		It("should snapshot the os disk", func() {
			Expect(d.ExportDisk(ctx)).To(Succeed())
			Expect(d.ExportedObject()).To(Equal("web1"))
			snap := arm.snapshots["web1"]
			Expect(*snap.Properties.CreationData.SourceResourceID).To(Equal("/disks/web1-os"))
			Expect(*snap.Properties.CreationData.CreateOption).To(Equal(armcompute.DiskCreateOptionCopy))
		})

		It("should download through a read grant and revoke it afterwards", func() {
			Expect(d.ExportDisk(ctx)).To(Succeed())
			Expect(d.DownloadDisk(ctx)).To(Succeed())

			data, err := os.ReadFile(params.Staging.ArtifactPath("web1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("snapshot-bytes")))
			Expect(arm.grants).To(Equal(1))
			Expect(arm.revokes).To(Equal(1))
		})

		It("should leave no artifact and still revoke when the download is refused", func() {
			arm.accessURL = server.URL + "/broken"
			Expect(d.ExportDisk(ctx)).To(Succeed())

			err := d.DownloadDisk(ctx)
			Expect(errors.Is(err, ErrTransfer)).To(BeTrue())
			Expect(params.Staging.ArtifactPath("web1")).NotTo(BeAnExistingFile())
			Expect(arm.revokes).To(Equal(1))
		})

		It("should fail the export when the server is missing", func() {
			delete(arm.vms, "web1")
			Expect(errors.Is(d.ExportDisk(ctx), ErrExport)).To(BeTrue())
		})
	})

	Context("PrepareDisk", func() {
		DescribeTable("should leave a fixed VHD whose virtual size is the size rounded up to a MiB",
			func(size int64) {
				Expect(writeVirtualSize(params.Staging.ArtifactPath("web1"), size)).To(Succeed())

				Expect(d.PrepareDisk(ctx)).To(Succeed())

				got, err := readVirtualSize(params.Staging.ArtifactPath("web1"))
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(Equal(AlignSize(size)))
				Expect(got % MiB).To(BeZero())
				Expect(got).To(BeNumerically(">=", size))
				Expect(disks.converts).To(Equal([][]string{
					{"vpc", "raw"},
					{"raw", "vpc", "-o", "subformat=fixed,force_size"},
				}))
				Expect(params.Staging.TempPath("web1", ".raw")).NotTo(BeAnExistingFile())
			},
			Entry("already aligned", int64(10*1024*MiB)),
			Entry("one byte over", int64(10*1024*MiB+1)),
			Entry("odd sector count", int64(10737418240+512*3)),
			Entry("one byte under", int64(MiB-1)),
		)

		It("should only resize when the size is unaligned", func() {
			Expect(writeVirtualSize(params.Staging.ArtifactPath("web1"), 8*MiB)).To(Succeed())
			Expect(d.PrepareDisk(ctx)).To(Succeed())
			Expect(disks.resizes).To(BeEmpty())

			Expect(writeVirtualSize(params.Staging.ArtifactPath("web1"), 8*MiB+512)).To(Succeed())
			Expect(d.PrepareDisk(ctx)).To(Succeed())
			Expect(disks.resizes).To(Equal([]int64{9 * MiB}))
		})

		It("should keep the original artifact when conversion fails", func() {
			Expect(os.WriteFile(params.Staging.ArtifactPath("web1"), []byte("not a size"), 0o600)).To(Succeed())

			Expect(errors.Is(d.PrepareDisk(ctx), ErrTransfer)).To(BeTrue())
			data, err := os.ReadFile(params.Staging.ArtifactPath("web1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("not a size"))
		})
	})

	Context("UploadDisk", func() {
		It("should write the artifact as 4 MiB pages and remove it", func() {
			payload := bytes.Repeat([]byte{0xab}, int(pageSize+2*pageAlign))
			Expect(os.WriteFile(params.Staging.ArtifactPath("web1"), payload, 0o600)).To(Succeed())

			Expect(d.UploadDisk(ctx)).To(Succeed())
			Expect(blobs.pages).To(Equal([][2]int64{{0, pageSize}, {pageSize, 2 * pageAlign}}))
			Expect(blobs.blobs["web1.vhd"]).To(Equal(payload))
			Expect(params.Staging.ArtifactPath("web1")).NotTo(BeAnExistingFile())
		})

		It("should reject an artifact that is not sector aligned", func() {
			Expect(os.WriteFile(params.Staging.ArtifactPath("web1"), []byte("short"), 0o600)).To(Succeed())

			Expect(errors.Is(d.UploadDisk(ctx), ErrTransfer)).To(BeTrue())
			Expect(params.Staging.ArtifactPath("web1")).To(BeAnExistingFile())
		})

		It("should keep the artifact when a page write fails", func() {
			Expect(os.WriteFile(params.Staging.ArtifactPath("web1"), make([]byte, pageAlign), 0o600)).To(Succeed())
			blobs.uploadErr = errors.New("ServerBusy")

			Expect(errors.Is(d.UploadDisk(ctx), ErrTransfer)).To(BeTrue())
			Expect(params.Staging.ArtifactPath("web1")).To(BeAnExistingFile())
		})
	})

	Context("import and create", func() {
		It("should launch the server from the imported image", func() {
			Expect(d.ImportDisk(ctx)).To(Succeed())
			img := arm.images["web1"]
			Expect(*img.Properties.StorageProfile.OSDisk.BlobURI).To(Equal("https://kumostore.blob.core.windows.net/disks/web1.vhd"))
			Expect(d.ImageID()).To(Equal(*img.ID))

			Expect(d.CreateServer(ctx)).To(Succeed())
			Expect(arm.created).To(HaveLen(1))
			vm := arm.created[0]
			Expect(*vm.Properties.StorageProfile.ImageReference.ID).To(Equal(d.ImageID()))
			Expect(*vm.Properties.NetworkProfile.NetworkInterfaces[0].ID).To(Equal("/networkInterfaces/web1-interface"))
			Expect(*vm.Zones[0]).To(Equal("1"))
			Expect(*arm.nics["web1-interface"].Properties.IPConfigurations[0].Name).To(Equal("web1-ip"))
		})

		It("should report a timeout as both a timeout and an import error", func() {
			arm.hangs["image"] = true

			err := d.ImportDisk(ctx)
			Expect(errors.Is(err, ErrOperationTimeout)).To(BeTrue())
			Expect(errors.Is(err, ErrImport)).To(BeTrue())
			Expect(KindOf(err)).To(Equal("OperationTimeoutError"))
		})
	})

	Context("teardown", func() {
		It("should treat absent resources as already deleted", func() {
			Expect(d.DeleteServer(ctx)).To(Succeed())
			Expect(d.DeleteImage(ctx)).To(Succeed())
			Expect(d.DeleteBucket(ctx)).To(Succeed())
		})

		It("should delete the server with its interface and the image with its snapshot", func() {
			arm.vms["web1"] = armcompute.VirtualMachine{}
			arm.nics["web1-interface"] = armnetwork.Interface{}
			arm.images["web1"] = armcompute.Image{}
			arm.snapshots["web1"] = armcompute.Snapshot{}

			Expect(d.DeleteServer(ctx)).To(Succeed())
			Expect(d.DeleteImage(ctx)).To(Succeed())
			Expect(arm.vms).To(BeEmpty())
			Expect(arm.nics).To(BeEmpty())
			Expect(arm.images).To(BeEmpty())
			Expect(arm.snapshots).To(BeEmpty())
			Expect(arm.revokes).To(Equal(1))
		})
	})
})
