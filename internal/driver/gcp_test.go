package driver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
)

func googleNotFound() error {
	return &googleapi.Error{Code: http.StatusNotFound, Message: "not found"}
}

type fakeCompute struct {
	mu        sync.Mutex
	instances map[string]*compute.Instance
	images    map[string]*compute.Image
	inserted  []*compute.Instance
	opError   *compute.OperationError
	// stuck instances never reach the requested status
	stuck bool
}

func newFakeCompute() *fakeCompute {
	return &fakeCompute{instances: map[string]*compute.Instance{}, images: map[string]*compute.Image{}}
}

func (f *fakeCompute) done(name string) *compute.Operation {
	return &compute.Operation{Name: name, Status: "DONE", Error: f.opError}
}

func (f *fakeCompute) GetInstance(_ context.Context, _, _, name string) (*compute.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[name]
	if !ok {
		return nil, googleNotFound()
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeCompute) setStatus(name, status string) {
	if inst, ok := f.instances[name]; ok && !f.stuck {
		inst.Status = status
	}
}

func (f *fakeCompute) StopInstance(_ context.Context, _, _, name string) (*compute.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStatus(name, "TERMINATED")
	return f.done("stop-" + name), nil
}

func (f *fakeCompute) StartInstance(_ context.Context, _, _, name string) (*compute.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStatus(name, "RUNNING")
	return f.done("start-" + name), nil
}

func (f *fakeCompute) InsertInstance(_ context.Context, _, _ string, inst *compute.Instance) (*compute.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, inst)
	f.instances[inst.Name] = &compute.Instance{Name: inst.Name, Status: "RUNNING"}
	return f.done("insert-" + inst.Name), nil
}

func (f *fakeCompute) DeleteInstance(_ context.Context, _, _, name string) (*compute.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[name]; !ok {
		return nil, googleNotFound()
	}
	delete(f.instances, name)
	return f.done("delete-" + name), nil
}

func (f *fakeCompute) InsertImage(_ context.Context, _ string, img *compute.Image) (*compute.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[img.Name] = &compute.Image{Name: img.Name, SourceDisk: img.SourceDisk, Status: "READY"}
	return f.done("image-" + img.Name), nil
}

func (f *fakeCompute) GetImage(_ context.Context, project, name string) (*compute.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[name]
	if !ok {
		return nil, googleNotFound()
	}
	cp := *img
	return &cp, nil
}

func (f *fakeCompute) DeleteImage(_ context.Context, _, name string) (*compute.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.images[name]; !ok {
		return nil, googleNotFound()
	}
	delete(f.images, name)
	return f.done("delete-image-" + name), nil
}

func (f *fakeCompute) GetZoneOperation(_ context.Context, _, _, name string) (*compute.Operation, error) {
	return f.done(name), nil
}

func (f *fakeCompute) GetGlobalOperation(_ context.Context, _, name string) (*compute.Operation, error) {
	return f.done(name), nil
}

type fakeStorage struct {
	buckets  map[string]bool
	objects  map[string][]byte
	attrsErr error
	writeErr error
	creates  int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{buckets: map[string]bool{}, objects: map[string][]byte{}}
}

func (f *fakeStorage) BucketAttrs(_ context.Context, bucket string) error {
	if f.attrsErr != nil {
		return f.attrsErr
	}
	if !f.buckets[bucket] {
		return storage.ErrBucketNotExist
	}
	return nil
}

func (f *fakeStorage) CreateBucket(_ context.Context, bucket, _ string) error {
	f.creates++
	f.buckets[bucket] = true
	return nil
}

func (f *fakeStorage) DeleteBucket(_ context.Context, bucket string) error {
	if !f.buckets[bucket] {
		return storage.ErrBucketNotExist
	}
	delete(f.buckets, bucket)
	return nil
}

func (f *fakeStorage) ListObjects(_ context.Context, bucket string) ([]string, error) {
	if !f.buckets[bucket] {
		return nil, storage.ErrBucketNotExist
	}
	var names []string
	for name := range f.objects {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeStorage) DeleteObject(_ context.Context, _, object string) error {
	if _, ok := f.objects[object]; !ok {
		return storage.ErrObjectNotExist
	}
	delete(f.objects, object)
	return nil
}

func (f *fakeStorage) NewReader(_ context.Context, _, object string) (io.ReadCloser, error) {
	data, ok := f.objects[object]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStorage) NewWriter(_ context.Context, _, object string) io.WriteCloser {
	return &fakeObjectWriter{store: f, name: object}
}

type fakeObjectWriter struct {
	store *fakeStorage
	name  string
	buf   bytes.Buffer
}

func (w *fakeObjectWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fakeObjectWriter) Close() error {
	if w.store.writeErr != nil {
		return w.store.writeErr
	}
	w.store.objects[w.name] = w.buf.Bytes()
	return nil
}

type gcloudCall struct {
	env  []string
	args []string
}

// fakeGcloud records invocations and checks the credentials it is handed
type fakeGcloud struct {
	calls    []gcloudCall
	keyFiles []string
	keyModes []os.FileMode
	fail     map[string]error
	onRun    func(args []string)
}

func (f *fakeGcloud) Run(_ context.Context, env []string, _ string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, gcloudCall{env: env, args: args})
	for _, a := range args {
		if path, ok := strings.CutPrefix(a, "--key-file="); ok {
			f.keyFiles = append(f.keyFiles, path)
			if info, err := os.Stat(path); err == nil {
				f.keyModes = append(f.keyModes, info.Mode().Perm())
			}
		}
	}
	if f.onRun != nil {
		f.onRun(args)
	}
	if len(args) >= 3 {
		if err := f.fail[args[2]]; err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (f *fakeGcloud) subcommands() []string {
	var out []string
	for _, c := range f.calls {
		out = append(out, strings.Join(c.args[:3], " "))
	}
	return out
}

var _ = Describe("GoogleDriver", func() {
	var (
		ctx     context.Context
		params  Params
		comp    *fakeCompute
		store   *fakeStorage
		gcloud  *fakeGcloud
		d       *GoogleDriver
		keyJSON = []byte(`{"type":"service_account"}`)
	)

	BeforeEach(func() {
		ctx = context.Background()
		params = testParams(googleAccount())
		comp = newFakeCompute()
		store = newFakeStorage()
		gcloud = &fakeGcloud{fail: map[string]error{}}
		params.Runner = gcloud
		d = newGoogleDriver(params, keyJSON, comp, store)
	})

	Context("CreateBucket", func() {
		It("should create the bucket only when it is absent", func() {
			Expect(d.CreateBucket(ctx)).To(Succeed())
			Expect(d.CreateBucket(ctx)).To(Succeed())
			Expect(store.creates).To(Equal(1))
		})

		It("should not create when the existence check fails", func() {
			store.attrsErr = &googleapi.Error{Code: http.StatusForbidden}
			Expect(errors.Is(d.CreateBucket(ctx), ErrProvisioning)).To(BeTrue())
			Expect(store.creates).To(BeZero())
		})
	})

	Context("power", func() {
		It("should stop and start an existing server", func() {
			comp.instances["web1"] = &compute.Instance{Name: "web1", Status: "RUNNING"}

			Expect(d.StopServer(ctx)).To(Succeed())
			Expect(comp.instances["web1"].Status).To(Equal("TERMINATED"))
			Expect(d.StartServer(ctx)).To(Succeed())
			Expect(comp.instances["web1"].Status).To(Equal("RUNNING"))
		})

		It("should be a no-op when the server does not exist", func() {
			Expect(d.StopServer(ctx)).To(Succeed())
			Expect(d.StartServer(ctx)).To(Succeed())
		})

		It("should time out when the server never reaches the status", func() {
			comp.instances["web1"] = &compute.Instance{Name: "web1", Status: "RUNNING"}
			comp.stuck = true

			err := d.StopServer(ctx)
			Expect(errors.Is(err, ErrOperationTimeout)).To(BeTrue())
			Expect(errors.Is(err, ErrProvisioning)).To(BeTrue())
		})

		It("should surface operation errors", func() {
			comp.instances["web1"] = &compute.Instance{Name: "web1", Status: "RUNNING"}
			comp.opError = &compute.OperationError{Errors: []*compute.OperationErrorErrors{{Code: "QUOTA_EXCEEDED", Message: "no quota"}}}

			err := d.StopServer(ctx)
			Expect(errors.Is(err, ErrProvisioning)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("QUOTA_EXCEEDED"))
		})
	})

	Context("ExportDisk", func() {
		BeforeEach(func() {
			comp.instances["web1"] = &compute.Instance{
				Name:   "web1",
				Status: "TERMINATED",
				Disks:  []*compute.AttachedDisk{{Boot: true, Source: "zones/us-central1-a/disks/web1"}},
			}
		})

		It("should image the boot disk and export it as a VHD", func() {
			Expect(d.ExportDisk(ctx)).To(Succeed())
			Expect(d.ExportedObject()).To(Equal("web1.vhd"))
			Expect(comp.images["web1"].SourceDisk).To(Equal("zones/us-central1-a/disks/web1"))

			Expect(gcloud.subcommands()).To(Equal([]string{
				"auth activate-service-account kumo@proj.iam.gserviceaccount.com",
				"compute images export",
			}))
			Expect(gcloud.calls[1].args).To(ContainElements(
				"--image=web1",
				"--destination-uri=gs://dst-bkt/web1.vhd",
				"--export-format=vpc",
				"--project=proj",
			))
		})

		It("should isolate gcloud credentials and remove them afterwards", func() {
			Expect(d.ExportDisk(ctx)).To(Succeed())

			Expect(gcloud.keyFiles).To(HaveLen(1))
			Expect(gcloud.keyModes).To(Equal([]os.FileMode{0o600}))
			Expect(gcloud.keyFiles[0]).NotTo(BeAnExistingFile())

			var configDir string
			for _, kv := range gcloud.calls[0].env {
				if dir, ok := strings.CutPrefix(kv, "CLOUDSDK_CONFIG="); ok {
					configDir = dir
				}
			}
			Expect(configDir).To(HavePrefix(params.Staging.Root))
			Expect(configDir).NotTo(BeADirectory())
			Expect(gcloud.calls[1].env).To(Equal(gcloud.calls[0].env))
		})

		It("should fail with an export error when gcloud fails", func() {
			gcloud.fail["export"] = errors.New("exit status 1")

			err := d.ExportDisk(ctx)
			Expect(errors.Is(err, ErrExport)).To(BeTrue())
			Expect(d.ExportedObject()).To(BeEmpty())
			Expect(gcloud.keyFiles[0]).NotTo(BeAnExistingFile())
		})

		It("should fail when the server has no boot disk", func() {
			comp.instances["web1"].Disks = nil
			Expect(errors.Is(d.ExportDisk(ctx), ErrExport)).To(BeTrue())
			Expect(gcloud.calls).To(BeEmpty())
		})
	})

	Context("transfer", func() {
		It("should download the exported object into the staging area", func() {
			store.objects["web1.vhd"] = []byte("disk")
			d.exportedObject = "web1.vhd"

			Expect(d.DownloadDisk(ctx)).To(Succeed())
			data, err := os.ReadFile(params.Staging.ArtifactPath("web1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("disk")))
		})

		It("should keep the artifact when the upload is not confirmed", func() {
			Expect(os.WriteFile(params.Staging.ArtifactPath("web1"), []byte("disk"), 0o600)).To(Succeed())
			store.writeErr = errors.New("googleapi: Error 503")

			Expect(errors.Is(d.UploadDisk(ctx), ErrTransfer)).To(BeTrue())
			Expect(params.Staging.ArtifactPath("web1")).To(BeAnExistingFile())
		})

		It("should remove the artifact after a confirmed upload", func() {
			Expect(os.WriteFile(params.Staging.ArtifactPath("web1"), []byte("disk"), 0o600)).To(Succeed())

			Expect(d.UploadDisk(ctx)).To(Succeed())
			Expect(store.objects).To(HaveKeyWithValue("web1.vhd", []byte("disk")))
			Expect(params.Staging.ArtifactPath("web1")).NotTo(BeAnExistingFile())
		})
	})

	Context("import and create", func() {
		BeforeEach(func() {
			gcloud.onRun = func(args []string) {
				if len(args) > 3 && args[2] == "import" {
					comp.images[args[3]] = &compute.Image{
						Name:     args[3],
						Status:   "READY",
						SelfLink: "https://www.googleapis.com/compute/v1/projects/proj/global/images/" + args[3],
					}
				}
			}
		})

		It("should import the uploaded object and launch from the same image", func() {
			Expect(d.ImportDisk(ctx)).To(Succeed())
			Expect(d.ImageID()).To(HaveSuffix("projects/proj/global/images/web1"))
			Expect(gcloud.calls[1].args).To(ContainElements(
				"--source-file=gs://dst-bkt/web1.vhd",
				"--os=ubuntu-1804",
				"--zone=us-central1-a",
			))

			Expect(d.CreateServer(ctx)).To(Succeed())
			Expect(comp.inserted).To(HaveLen(1))
			inst := comp.inserted[0]
			Expect(inst.Disks[0].InitializeParams.SourceImage).To(Equal(d.ImageID()))
			Expect(inst.MachineType).To(Equal("zones/us-central1-a/machineTypes/e2-medium"))
		})

		It("should fail with an import error when the image fails", func() {
			gcloud.onRun = func(args []string) {
				if len(args) > 3 && args[2] == "import" {
					comp.images[args[3]] = &compute.Image{Name: args[3], Status: "FAILED"}
				}
			}
			err := d.ImportDisk(ctx)
			Expect(errors.Is(err, ErrImport)).To(BeTrue())
			Expect(d.ImageID()).To(BeEmpty())
		})
	})

	Context("teardown", func() {
		It("should treat absent resources as already deleted", func() {
			Expect(d.DeleteServer(ctx)).To(Succeed())
			Expect(d.DeleteImage(ctx)).To(Succeed())
			Expect(d.DeleteBucket(ctx)).To(Succeed())
		})

		It("should empty and delete the bucket", func() {
			store.buckets["dst-bkt"] = true
			store.objects["web1.vhd"] = []byte("disk")

			Expect(d.DeleteBucket(ctx)).To(Succeed())
			Expect(store.buckets).To(BeEmpty())
			Expect(store.objects).To(BeEmpty())
		})
	})
})
