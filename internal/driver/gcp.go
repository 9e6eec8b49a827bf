package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"kumo/internal/poll"
)

// computeAPI is the subset of compute/v1 the Google driver uses
type computeAPI interface {
	GetInstance(ctx context.Context, project, zone, name string) (*compute.Instance, error)
	StopInstance(ctx context.Context, project, zone, name string) (*compute.Operation, error)
	StartInstance(ctx context.Context, project, zone, name string) (*compute.Operation, error)
	InsertInstance(ctx context.Context, project, zone string, inst *compute.Instance) (*compute.Operation, error)
	DeleteInstance(ctx context.Context, project, zone, name string) (*compute.Operation, error)
	InsertImage(ctx context.Context, project string, img *compute.Image) (*compute.Operation, error)
	GetImage(ctx context.Context, project, name string) (*compute.Image, error)
	DeleteImage(ctx context.Context, project, name string) (*compute.Operation, error)
	GetZoneOperation(ctx context.Context, project, zone, name string) (*compute.Operation, error)
	GetGlobalOperation(ctx context.Context, project, name string) (*compute.Operation, error)
}

// storageAPI is the subset of Cloud Storage the Google driver uses
type storageAPI interface {
	// BucketAttrs returns storage.ErrBucketNotExist when the bucket is absent
	BucketAttrs(ctx context.Context, bucket string) error
	CreateBucket(ctx context.Context, bucket, project string) error
	DeleteBucket(ctx context.Context, bucket string) error
	ListObjects(ctx context.Context, bucket string) ([]string, error)
	DeleteObject(ctx context.Context, bucket, object string) error
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// NewWriter's Close reports whether the object was stored
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
}

type computeService struct {
	svc *compute.Service
}

func (c computeService) GetInstance(ctx context.Context, project, zone, name string) (*compute.Instance, error) {
	return c.svc.Instances.Get(project, zone, name).Context(ctx).Do()
}

func (c computeService) StopInstance(ctx context.Context, project, zone, name string) (*compute.Operation, error) {
	return c.svc.Instances.Stop(project, zone, name).Context(ctx).Do()
}

func (c computeService) StartInstance(ctx context.Context, project, zone, name string) (*compute.Operation, error) {
	return c.svc.Instances.Start(project, zone, name).Context(ctx).Do()
}

func (c computeService) InsertInstance(ctx context.Context, project, zone string, inst *compute.Instance) (*compute.Operation, error) {
	return c.svc.Instances.Insert(project, zone, inst).Context(ctx).Do()
}

func (c computeService) DeleteInstance(ctx context.Context, project, zone, name string) (*compute.Operation, error) {
	return c.svc.Instances.Delete(project, zone, name).Context(ctx).Do()
}

func (c computeService) InsertImage(ctx context.Context, project string, img *compute.Image) (*compute.Operation, error) {
	return c.svc.Images.Insert(project, img).Context(ctx).Do()
}

func (c computeService) GetImage(ctx context.Context, project, name string) (*compute.Image, error) {
	return c.svc.Images.Get(project, name).Context(ctx).Do()
}

func (c computeService) DeleteImage(ctx context.Context, project, name string) (*compute.Operation, error) {
	return c.svc.Images.Delete(project, name).Context(ctx).Do()
}

func (c computeService) GetZoneOperation(ctx context.Context, project, zone, name string) (*compute.Operation, error) {
	return c.svc.ZoneOperations.Get(project, zone, name).Context(ctx).Do()
}

func (c computeService) GetGlobalOperation(ctx context.Context, project, name string) (*compute.Operation, error) {
	return c.svc.GlobalOperations.Get(project, name).Context(ctx).Do()
}

type gcsClient struct {
	client *storage.Client
}

func (g gcsClient) BucketAttrs(ctx context.Context, bucket string) error {
	_, err := g.client.Bucket(bucket).Attrs(ctx)
	return err
}

func (g gcsClient) CreateBucket(ctx context.Context, bucket, project string) error {
	return g.client.Bucket(bucket).Create(ctx, project, nil)
}

func (g gcsClient) DeleteBucket(ctx context.Context, bucket string) error {
	return g.client.Bucket(bucket).Delete(ctx)
}

func (g gcsClient) ListObjects(ctx context.Context, bucket string) ([]string, error) {
	var names []string
	it := g.client.Bucket(bucket).Objects(ctx, nil)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
}

func (g gcsClient) DeleteObject(ctx context.Context, bucket, object string) error {
	return g.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (g gcsClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return g.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (g gcsClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return g.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

// GoogleDriver implements Driver on Compute Engine and Cloud Storage. Image
// export and import go through the gcloud CLI.
type GoogleDriver struct {
	base
	account GoogleAccount
	project string
	keyJSON []byte
	compute computeAPI
	storage storageAPI
	runner  CommandRunner
	gcloud  string
}

// NewGoogle creates a GoogleDriver authenticated with the account's service account key
func NewGoogle(ctx context.Context, p Params) (*GoogleDriver, error) {
	acct := p.Account.Google
	keyJSON, err := json.Marshal(acct.ServiceAccount)
	if err != nil {
		return nil, fmt.Errorf("failed to encode service account key: %w", err)
	}
	opts := []option.ClientOption{option.WithAuthCredentialsJSON(option.ServiceAccount, keyJSON)}

	svc, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}
	gcs, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return newGoogleDriver(p, keyJSON, computeService{svc: svc}, gcsClient{client: gcs}), nil
}

func newGoogleDriver(p Params, keyJSON []byte, c computeAPI, s storageAPI) *GoogleDriver {
	runner := p.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	gcloud := p.GcloudPath
	if gcloud == "" {
		gcloud = "gcloud"
	}
	return &GoogleDriver{
		base:    newBase(ProviderGoogle, p),
		account: *p.Account.Google,
		project: p.Account.Google.ServiceAccount.ProjectID,
		keyJSON: keyJSON,
		compute: c,
		storage: s,
		runner:  runner,
		gcloud:  gcloud,
	}
}

func isGoogleNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func (d *GoogleDriver) objectURI() string {
	return fmt.Sprintf("gs://%s/%s", d.bucket, d.objectName())
}

func (d *GoogleDriver) imagePath() string {
	return fmt.Sprintf("projects/%s/global/images/%s", d.project, d.vm)
}

// waitOperation polls a zonal (zone != "") or global operation until DONE
func (d *GoogleDriver) waitOperation(ctx context.Context, policy poll.Policy, op *compute.Operation, zone string) error {
	if op == nil {
		return nil
	}
	name := op.Name
	return d.wait(ctx, policy, "operation "+name, func(ctx context.Context) (poll.Status, error) {
		var cur *compute.Operation
		var err error
		if zone != "" {
			cur, err = d.compute.GetZoneOperation(ctx, d.project, zone, name)
		} else {
			cur, err = d.compute.GetGlobalOperation(ctx, d.project, name)
		}
		if err != nil {
			return poll.Pending, err
		}
		if cur.Status != "DONE" {
			return poll.Pending, nil
		}
		if cur.Error != nil && len(cur.Error.Errors) > 0 {
			var msgs []string
			for _, e := range cur.Error.Errors {
				msgs = append(msgs, e.Code+": "+e.Message)
			}
			return poll.Failed, errors.New(strings.Join(msgs, "; "))
		}
		return poll.Succeeded, nil
	})
}

func (d *GoogleDriver) waitInstanceStatus(ctx context.Context, want string) error {
	return d.wait(ctx, d.short, "instance "+want, func(ctx context.Context) (poll.Status, error) {
		inst, err := d.compute.GetInstance(ctx, d.project, d.account.Zone, d.vm)
		if err != nil {
			if isGoogleNotFound(err) {
				return poll.Pending, nil
			}
			return poll.Pending, err
		}
		if inst.Status == want {
			return poll.Succeeded, nil
		}
		return poll.Pending, nil
	})
}

func (d *GoogleDriver) waitImageReady(ctx context.Context) (*compute.Image, error) {
	var ready *compute.Image
	err := d.wait(ctx, d.long, "image", func(ctx context.Context) (poll.Status, error) {
		img, err := d.compute.GetImage(ctx, d.project, d.vm)
		if err != nil {
			if isGoogleNotFound(err) {
				return poll.Pending, nil
			}
			return poll.Pending, err
		}
		switch img.Status {
		case "READY":
			ready = img
			return poll.Succeeded, nil
		case "FAILED", "DELETING":
			return poll.Failed, fmt.Errorf("image %s is %s", d.vm, img.Status)
		}
		return poll.Pending, nil
	})
	return ready, err
}

// withGcloud runs fn with gcloud authenticated as the service account. The
// key file and gcloud config dir live under the staging root and are
// removed when fn returns.
func (d *GoogleDriver) withGcloud(ctx context.Context, fn func(env []string) error) error {
	keyPath, removeKey, err := d.staging.WriteSecret("gcloud-key-*.json", d.keyJSON)
	if err != nil {
		return err
	}
	defer removeKey()

	configDir, removeConfig, err := d.staging.TempDir("gcloud-config-*")
	if err != nil {
		return err
	}
	defer removeConfig()

	env := []string{"CLOUDSDK_CONFIG=" + configDir, "CLOUDSDK_CORE_DISABLE_PROMPTS=1"}
	_, err = d.runner.Run(ctx, env, d.gcloud, "auth", "activate-service-account",
		d.account.ServiceAccount.ClientEmail,
		"--key-file="+keyPath,
		"--project="+d.project)
	if err != nil {
		return fmt.Errorf("failed to activate service account: %w", err)
	}
	return fn(env)
}

func (d *GoogleDriver) CreateBucket(ctx context.Context) error {
	err := d.storage.BucketAttrs(ctx, d.bucket)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrBucketNotExist):
	default:
		return d.fail(ErrProvisioning, OpCreateBucket, fmt.Errorf("failed to check bucket %s: %w", d.bucket, err))
	}
	if err := d.storage.CreateBucket(ctx, d.bucket, d.project); err != nil {
		return d.fail(ErrProvisioning, OpCreateBucket, fmt.Errorf("failed to create bucket %s: %w", d.bucket, err))
	}
	d.logger().Info("bucket created", zap.String("bucket", d.bucket))
	return nil
}

func (d *GoogleDriver) changePower(ctx context.Context, opName, want string,
	submit func(ctx context.Context, project, zone, name string) (*compute.Operation, error)) error {
	_, err := d.compute.GetInstance(ctx, d.project, d.account.Zone, d.vm)
	if err != nil {
		if isGoogleNotFound(err) {
			d.logger().Info("server not found, nothing to do", zap.String("operation", opName))
			return nil
		}
		return d.fail(ErrProvisioning, opName, err)
	}
	op, err := submit(ctx, d.project, d.account.Zone, d.vm)
	if err != nil {
		return d.fail(ErrProvisioning, opName, err)
	}
	if err := d.waitOperation(ctx, d.short, op, d.account.Zone); err != nil {
		return d.fail(ErrProvisioning, opName, err)
	}
	return d.fail(ErrProvisioning, opName, d.waitInstanceStatus(ctx, want))
}

func (d *GoogleDriver) StopServer(ctx context.Context) error {
	return d.changePower(ctx, OpStopServer, "TERMINATED", d.compute.StopInstance)
}

func (d *GoogleDriver) StartServer(ctx context.Context) error {
	return d.changePower(ctx, OpStartServer, "RUNNING", d.compute.StartInstance)
}

func (d *GoogleDriver) ExportDisk(ctx context.Context) error {
	inst, err := d.compute.GetInstance(ctx, d.project, d.account.Zone, d.vm)
	if err != nil {
		if isGoogleNotFound(err) {
			return d.fail(ErrExport, OpExportDisk, fmt.Errorf("server %s not found", d.vm))
		}
		return d.fail(ErrExport, OpExportDisk, err)
	}
	var source string
	for _, disk := range inst.Disks {
		if disk.Boot {
			source = disk.Source
			break
		}
	}
	if source == "" {
		return d.fail(ErrExport, OpExportDisk, fmt.Errorf("server %s has no boot disk", d.vm))
	}

	if _, err := d.compute.InsertImage(ctx, d.project, &compute.Image{Name: d.vm, SourceDisk: source}); err != nil {
		return d.fail(ErrExport, OpExportDisk, fmt.Errorf("image request rejected: %w", err))
	}
	if _, err := d.waitImageReady(ctx); err != nil {
		return d.fail(ErrExport, OpExportDisk, err)
	}

	err = d.withGcloud(ctx, func(env []string) error {
		_, err := d.runner.Run(ctx, env, d.gcloud, "compute", "images", "export",
			"--image="+d.vm,
			"--destination-uri="+d.objectURI(),
			"--export-format=vpc",
			"--project="+d.project,
			"--quiet")
		return err
	})
	if err != nil {
		return d.fail(ErrExport, OpExportDisk, fmt.Errorf("image export failed: %w", err))
	}
	d.exportedObject = d.objectName()
	return nil
}

func (d *GoogleDriver) DownloadDisk(ctx context.Context) error {
	if d.exportedObject == "" {
		return d.fail(ErrTransfer, OpDownloadDisk, errors.New("no exported object recorded"))
	}
	r, err := d.storage.NewReader(ctx, d.bucket, d.exportedObject)
	if err != nil {
		return d.fail(ErrTransfer, OpDownloadDisk, fmt.Errorf("failed to open gs://%s/%s: %w", d.bucket, d.exportedObject, err))
	}
	defer r.Close()

	pending, err := d.staging.Create(d.vm)
	if err != nil {
		return d.fail(ErrTransfer, OpDownloadDisk, err)
	}
	defer pending.Abort()

	n, err := io.Copy(pending, r)
	if err != nil {
		return d.fail(ErrTransfer, OpDownloadDisk, fmt.Errorf("failed to download gs://%s/%s: %w", d.bucket, d.exportedObject, err))
	}
	if err := pending.Commit(); err != nil {
		return d.fail(ErrTransfer, OpDownloadDisk, err)
	}
	d.logger().Info("disk downloaded", zap.Int64("bytes", n))
	return nil
}

// PrepareDisk is a no-op: the image import tool accepts the VHD as staged
func (d *GoogleDriver) PrepareDisk(ctx context.Context) error {
	return nil
}

func (d *GoogleDriver) UploadDisk(ctx context.Context) error {
	f, err := d.staging.Open(d.vm)
	if err != nil {
		return d.fail(ErrTransfer, OpUploadDisk, err)
	}
	defer f.Close()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := d.storage.NewWriter(wctx, d.bucket, d.objectName())
	if _, err := io.Copy(w, f); err != nil {
		cancel()
		w.Close()
		return d.fail(ErrTransfer, OpUploadDisk, fmt.Errorf("failed to upload %s: %w", d.objectURI(), err))
	}
	if err := w.Close(); err != nil {
		return d.fail(ErrTransfer, OpUploadDisk, fmt.Errorf("failed to upload %s: %w", d.objectURI(), err))
	}
	f.Close()
	d.logger().Info("disk uploaded", zap.String("object", d.objectURI()))
	return d.fail(ErrTransfer, OpUploadDisk, d.staging.Remove(d.vm))
}

func (d *GoogleDriver) ImportDisk(ctx context.Context) error {
	err := d.withGcloud(ctx, func(env []string) error {
		_, err := d.runner.Run(ctx, env, d.gcloud, "compute", "images", "import", d.vm,
			"--source-file="+d.objectURI(),
			"--os="+d.account.System,
			"--zone="+d.account.Zone,
			"--project="+d.project,
			"--quiet")
		return err
	})
	if err != nil {
		return d.fail(ErrImport, OpImportDisk, fmt.Errorf("image import failed: %w", err))
	}

	img, err := d.waitImageReady(ctx)
	if err != nil {
		return d.fail(ErrImport, OpImportDisk, err)
	}
	d.imageID = img.SelfLink
	if d.imageID == "" {
		d.imageID = d.imagePath()
	}
	return nil
}

func (d *GoogleDriver) CreateServer(ctx context.Context) error {
	if d.imageID == "" {
		return d.fail(ErrProvisioning, OpCreateServer, errors.New("no imported image recorded"))
	}
	inst := &compute.Instance{
		Name:        d.vm,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", d.account.Zone, d.account.MachineType),
		Disks: []*compute.AttachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: d.imageID,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network: "global/networks/default",
			AccessConfigs: []*compute.AccessConfig{{
				Type: "ONE_TO_ONE_NAT",
				Name: "External NAT",
			}},
		}},
	}
	op, err := d.compute.InsertInstance(ctx, d.project, d.account.Zone, inst)
	if err != nil {
		return d.fail(ErrProvisioning, OpCreateServer, fmt.Errorf("failed to insert instance: %w", err))
	}
	if err := d.waitOperation(ctx, d.short, op, d.account.Zone); err != nil {
		return d.fail(ErrProvisioning, OpCreateServer, err)
	}
	return d.fail(ErrProvisioning, OpCreateServer, d.waitInstanceStatus(ctx, "RUNNING"))
}

func (d *GoogleDriver) DeleteServer(ctx context.Context) error {
	op, err := d.compute.DeleteInstance(ctx, d.project, d.account.Zone, d.vm)
	if err != nil {
		if isGoogleNotFound(err) {
			return nil
		}
		return d.fail(ErrProvisioning, OpDeleteServer, err)
	}
	return d.fail(ErrProvisioning, OpDeleteServer, d.waitOperation(ctx, d.short, op, d.account.Zone))
}

func (d *GoogleDriver) DeleteImage(ctx context.Context) error {
	op, err := d.compute.DeleteImage(ctx, d.project, d.vm)
	if err != nil {
		if isGoogleNotFound(err) {
			return nil
		}
		return d.fail(ErrProvisioning, OpDeleteImage, err)
	}
	return d.fail(ErrProvisioning, OpDeleteImage, d.waitOperation(ctx, d.short, op, ""))
}

func (d *GoogleDriver) DeleteBucket(ctx context.Context) error {
	names, err := d.storage.ListObjects(ctx, d.bucket)
	if err != nil {
		if errors.Is(err, storage.ErrBucketNotExist) || isGoogleNotFound(err) {
			return nil
		}
		return d.fail(ErrProvisioning, OpDeleteBucket, fmt.Errorf("failed to list bucket %s: %w", d.bucket, err))
	}
	for _, name := range names {
		err := d.storage.DeleteObject(ctx, d.bucket, name)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return d.fail(ErrProvisioning, OpDeleteBucket, fmt.Errorf("failed to delete %s: %w", name, err))
		}
	}
	err = d.storage.DeleteBucket(ctx, d.bucket)
	if err != nil && !errors.Is(err, storage.ErrBucketNotExist) && !isGoogleNotFound(err) {
		return d.fail(ErrProvisioning, OpDeleteBucket, fmt.Errorf("failed to delete bucket %s: %w", d.bucket, err))
	}
	return nil
}
