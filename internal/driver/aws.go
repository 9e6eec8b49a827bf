package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"kumo/internal/poll"
)

const (
	// vmImportRole is the service role VM Import/Export assumes
	vmImportRole = "vmimport"
	// vmImportGrantee is the canonical grantee for export tasks writing into a bucket
	vmImportGrantee     = "emailaddress=" + vmImportEmail
	vmImportEmail       = "vm-import-export@amazon.com"
	vmImportDisplayName = "vm-import-export"
)

type ec2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	CreateInstanceExportTask(ctx context.Context, in *ec2.CreateInstanceExportTaskInput, optFns ...func(*ec2.Options)) (*ec2.CreateInstanceExportTaskOutput, error)
	DescribeExportTasks(ctx context.Context, in *ec2.DescribeExportTasksInput, optFns ...func(*ec2.Options)) (*ec2.DescribeExportTasksOutput, error)
	ImportImage(ctx context.Context, in *ec2.ImportImageInput, optFns ...func(*ec2.Options)) (*ec2.ImportImageOutput, error)
	DescribeImportImageTasks(ctx context.Context, in *ec2.DescribeImportImageTasksInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImportImageTasksOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DeregisterImage(ctx context.Context, in *ec2.DeregisterImageInput, optFns ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

type s3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	GetBucketAcl(ctx context.Context, in *s3.GetBucketAclInput, optFns ...func(*s3.Options)) (*s3.GetBucketAclOutput, error)
	PutBucketAcl(ctx context.Context, in *s3.PutBucketAclInput, optFns ...func(*s3.Options)) (*s3.PutBucketAclOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteBucket(ctx context.Context, in *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
}

type iamAPI interface {
	GetRole(ctx context.Context, in *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, in *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	DeleteRole(ctx context.Context, in *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
	GetRolePolicy(ctx context.Context, in *iam.GetRolePolicyInput, optFns ...func(*iam.Options)) (*iam.GetRolePolicyOutput, error)
	PutRolePolicy(ctx context.Context, in *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
	DeleteRolePolicy(ctx context.Context, in *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
}

// objectTransfer moves large objects between S3 and local files
type objectTransfer interface {
	Download(ctx context.Context, w io.WriterAt, bucket, key string) (int64, error)
	// Upload returns once S3 has acknowledged the whole object
	Upload(ctx context.Context, r io.Reader, bucket, key string) error
}

type s3Manager struct {
	downloader *manager.Downloader
	uploader   *manager.Uploader
}

func (m s3Manager) Download(ctx context.Context, w io.WriterAt, bucket, key string) (int64, error) {
	return m.downloader.Download(ctx, w, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
}

func (m s3Manager) Upload(ctx context.Context, r io.Reader, bucket, key string) error {
	_, err := m.uploader.Upload(ctx, &s3.PutObjectInput{Bucket: aws.String(bucket), Key: aws.String(key), Body: r})
	return err
}

// AmazonDriver implements Driver on EC2, S3 and IAM
type AmazonDriver struct {
	base
	account  AmazonAccount
	ec2      ec2API
	s3       s3API
	iam      iamAPI
	transfer objectTransfer
}

// NewAmazon creates an AmazonDriver with static credentials from the account
func NewAmazon(ctx context.Context, p Params) (*AmazonDriver, error) {
	acct := p.Account.Amazon
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(acct.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(acct.AccessKeyID, acct.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(cfg)
	transfer := s3Manager{
		downloader: manager.NewDownloader(s3Client),
		uploader:   manager.NewUploader(s3Client),
	}
	return newAmazonDriver(p, ec2.NewFromConfig(cfg), s3Client, iam.NewFromConfig(cfg), transfer), nil
}

func newAmazonDriver(p Params, e ec2API, s s3API, i iamAPI, t objectTransfer) *AmazonDriver {
	return &AmazonDriver{
		base:     newBase(ProviderAmazon, p),
		account:  *p.Account.Amazon,
		ec2:      e,
		s3:       s,
		iam:      i,
		transfer: t,
	}
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isAWSCode(err error, codes ...string) bool {
	code := awsErrorCode(err)
	if code == "" {
		return false
	}
	for _, c := range codes {
		if code == c {
			return true
		}
	}
	return false
}

func isNoSuchEntity(err error) bool {
	var nse *iamtypes.NoSuchEntityException
	return errors.As(err, &nse) || isAWSCode(err, "NoSuchEntity")
}

func isBucketNotFound(err error) bool {
	var nf *s3types.NotFound
	var nsb *s3types.NoSuchBucket
	return errors.As(err, &nf) || errors.As(err, &nsb) || isAWSCode(err, "NotFound", "NoSuchBucket")
}

func (d *AmazonDriver) CreateBucket(ctx context.Context) error {
	_, err := d.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.bucket)})
	switch {
	case err == nil:
		d.logger().Debug("bucket already exists", zap.String("bucket", d.bucket))
	case isBucketNotFound(err):
		if err := d.createBucket(ctx); err != nil {
			return d.fail(ErrProvisioning, OpCreateBucket, err)
		}
	default:
		return d.fail(ErrProvisioning, OpCreateBucket, fmt.Errorf("failed to check bucket %s: %w", d.bucket, err))
	}

	if err := d.grantImportAccess(ctx); err != nil {
		return d.fail(ErrProvisioning, OpCreateBucket, err)
	}
	if err := d.ensureImportRole(ctx); err != nil {
		return d.fail(ErrProvisioning, OpCreateBucket, err)
	}
	return nil
}

func (d *AmazonDriver) createBucket(ctx context.Context) error {
	in := &s3.CreateBucketInput{
		Bucket:          aws.String(d.bucket),
		ObjectOwnership: s3types.ObjectOwnershipObjectWriter,
	}
	if d.account.Region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(d.account.Region),
		}
	}
	if _, err := d.s3.CreateBucket(ctx, in); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", d.bucket, err)
	}
	d.logger().Info("bucket created", zap.String("bucket", d.bucket))

	return d.wait(ctx, d.short, "bucket", func(ctx context.Context) (poll.Status, error) {
		_, err := d.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.bucket)})
		switch {
		case err == nil:
			return poll.Succeeded, nil
		case isBucketNotFound(err):
			return poll.Pending, nil
		}
		return poll.Pending, err
	})
}

// grantImportAccess lets the export service write disk images into the bucket
func (d *AmazonDriver) grantImportAccess(ctx context.Context) error {
	acl, err := d.s3.GetBucketAcl(ctx, &s3.GetBucketAclInput{Bucket: aws.String(d.bucket)})
	if err != nil {
		return fmt.Errorf("failed to read bucket acl: %w", err)
	}
	if hasImportGrant(acl.Grants) {
		return nil
	}
	if acl.Owner == nil || acl.Owner.ID == nil {
		return fmt.Errorf("bucket %s has no owner in its acl", d.bucket)
	}
	_, err = d.s3.PutBucketAcl(ctx, &s3.PutBucketAclInput{
		Bucket:           aws.String(d.bucket),
		GrantFullControl: aws.String("id=" + aws.ToString(acl.Owner.ID)),
		GrantWrite:       aws.String(vmImportGrantee),
		GrantReadACP:     aws.String(vmImportGrantee),
	})
	if err != nil {
		return fmt.Errorf("failed to grant import service access to bucket: %w", err)
	}
	return nil
}

// hasImportGrant reports whether the export service already holds write and
// read-acp on the bucket. S3 resolves the email grantee to a canonical user,
// so the grant is recognised by display name as well.
func hasImportGrant(grants []s3types.Grant) bool {
	var write, readACP bool
	for _, g := range grants {
		if g.Grantee == nil {
			continue
		}
		if aws.ToString(g.Grantee.EmailAddress) != vmImportEmail && aws.ToString(g.Grantee.DisplayName) != vmImportDisplayName {
			continue
		}
		switch g.Permission {
		case s3types.PermissionWrite:
			write = true
		case s3types.PermissionReadAcp:
			readACP = true
		case s3types.PermissionFullControl:
			write, readACP = true, true
		}
	}
	return write && readACP
}

func (d *AmazonDriver) ensureImportRole(ctx context.Context) error {
	_, err := d.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(vmImportRole)})
	switch {
	case err == nil:
	case isNoSuchEntity(err):
		trust, err := json.Marshal(assumeRolePolicy())
		if err != nil {
			return err
		}
		_, err = d.iam.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String(vmImportRole),
			AssumeRolePolicyDocument: aws.String(string(trust)),
		})
		if err != nil {
			return fmt.Errorf("failed to create %s role: %w", vmImportRole, err)
		}
		d.logger().Info("import role created", zap.String("role", vmImportRole))
	default:
		return fmt.Errorf("failed to check %s role: %w", vmImportRole, err)
	}

	_, err = d.iam.GetRolePolicy(ctx, &iam.GetRolePolicyInput{
		RoleName:   aws.String(vmImportRole),
		PolicyName: aws.String(vmImportRole),
	})
	switch {
	case err == nil:
		return nil
	case isNoSuchEntity(err):
	default:
		return fmt.Errorf("failed to check %s role policy: %w", vmImportRole, err)
	}

	doc, err := json.Marshal(importRolePolicy(d.bucket))
	if err != nil {
		return err
	}
	_, err = d.iam.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(vmImportRole),
		PolicyName:     aws.String(vmImportRole),
		PolicyDocument: aws.String(string(doc)),
	})
	if err != nil {
		return fmt.Errorf("failed to put %s role policy: %w", vmImportRole, err)
	}
	return nil
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Effect    string         `json:"Effect"`
	Principal map[string]any `json:"Principal,omitempty"`
	Action    any            `json:"Action"`
	Resource  any            `json:"Resource,omitempty"`
	Condition map[string]any `json:"Condition,omitempty"`
}

func assumeRolePolicy() policyDocument {
	return policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:    "Allow",
			Principal: map[string]any{"Service": "vmie.amazonaws.com"},
			Action:    "sts:AssumeRole",
			Condition: map[string]any{
				"StringEquals": map[string]string{"sts:ExternalId": vmImportRole},
			},
		}},
	}
}

func importRolePolicy(bucket string) policyDocument {
	return policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Effect: "Allow",
				Action: []string{"s3:GetBucketLocation", "s3:GetObject", "s3:ListBucket"},
				Resource: []string{
					"arn:aws:s3:::" + bucket,
					"arn:aws:s3:::" + bucket + "/*",
				},
			},
			{
				Effect:   "Allow",
				Action:   []string{"ec2:ModifySnapshotAttribute", "ec2:CopySnapshot", "ec2:RegisterImage", "ec2:Describe*"},
				Resource: "*",
			},
		},
	}
}

var liveInstanceStates = []string{"pending", "running", "stopping", "stopped"}

// findInstance returns the id of the live instance tagged with the VM name,
// or "" if there is none
func (d *AmazonDriver) findInstance(ctx context.Context, states ...string) (string, error) {
	if len(states) == 0 {
		states = liveInstanceStates
	}
	out, err := d.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{d.vm}},
			{Name: aws.String("instance-state-name"), Values: states},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe instances: %w", err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if inst.InstanceId != nil {
				return *inst.InstanceId, nil
			}
		}
	}
	return "", nil
}

func (d *AmazonDriver) waitInstance(ctx context.Context, id string, want ec2types.InstanceStateName) error {
	return d.wait(ctx, d.short, "instance "+string(want), func(ctx context.Context) (poll.Status, error) {
		out, err := d.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
		if err != nil {
			if isAWSCode(err, "InvalidInstanceID.NotFound") {
				return poll.Pending, nil
			}
			return poll.Pending, err
		}
		for _, r := range out.Reservations {
			for _, inst := range r.Instances {
				if inst.State == nil {
					continue
				}
				switch inst.State.Name {
				case want:
					return poll.Succeeded, nil
				case ec2types.InstanceStateNameTerminated, ec2types.InstanceStateNameShuttingDown:
					if want != ec2types.InstanceStateNameTerminated {
						return poll.Failed, fmt.Errorf("instance %s is %s", id, inst.State.Name)
					}
				}
			}
		}
		return poll.Pending, nil
	})
}

func (d *AmazonDriver) StopServer(ctx context.Context) error {
	id, err := d.findInstance(ctx)
	if err != nil {
		return d.fail(ErrProvisioning, OpStopServer, err)
	}
	if id == "" {
		d.logger().Info("server not found, nothing to stop")
		return nil
	}
	if _, err := d.ec2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}}); err != nil {
		return d.fail(ErrProvisioning, OpStopServer, fmt.Errorf("failed to stop instance %s: %w", id, err))
	}
	return d.fail(ErrProvisioning, OpStopServer, d.waitInstance(ctx, id, ec2types.InstanceStateNameStopped))
}

func (d *AmazonDriver) StartServer(ctx context.Context) error {
	id, err := d.findInstance(ctx)
	if err != nil {
		return d.fail(ErrProvisioning, OpStartServer, err)
	}
	if id == "" {
		d.logger().Info("server not found, nothing to start")
		return nil
	}
	if _, err := d.ec2.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}}); err != nil {
		return d.fail(ErrProvisioning, OpStartServer, fmt.Errorf("failed to start instance %s: %w", id, err))
	}
	return d.fail(ErrProvisioning, OpStartServer, d.waitInstance(ctx, id, ec2types.InstanceStateNameRunning))
}

func (d *AmazonDriver) ExportDisk(ctx context.Context) error {
	id, err := d.findInstance(ctx)
	if err != nil {
		return d.fail(ErrExport, OpExportDisk, err)
	}
	if id == "" {
		return d.fail(ErrExport, OpExportDisk, fmt.Errorf("server %s not found", d.vm))
	}

	out, err := d.ec2.CreateInstanceExportTask(ctx, &ec2.CreateInstanceExportTaskInput{
		InstanceId:        aws.String(id),
		TargetEnvironment: ec2types.ExportEnvironmentMicrosoft,
		ExportToS3Task: &ec2types.ExportToS3TaskSpecification{
			DiskImageFormat: ec2types.DiskImageFormatVhd,
			S3Bucket:        aws.String(d.bucket),
		},
	})
	if err != nil {
		return d.fail(ErrExport, OpExportDisk, fmt.Errorf("export request rejected: %w", err))
	}
	if out.ExportTask == nil || out.ExportTask.ExportTaskId == nil {
		return d.fail(ErrExport, OpExportDisk, errors.New("export task has no id"))
	}
	taskID := *out.ExportTask.ExportTaskId
	d.logger().Info("export task submitted", zap.String("task", taskID), zap.String("instance", id))

	var key string
	if t := out.ExportTask.ExportToS3Task; t != nil {
		key = aws.ToString(t.S3Key)
	}

	err = d.wait(ctx, d.long, "export", func(ctx context.Context) (poll.Status, error) {
		res, err := d.ec2.DescribeExportTasks(ctx, &ec2.DescribeExportTasksInput{ExportTaskIds: []string{taskID}})
		if err != nil {
			return poll.Pending, err
		}
		if len(res.ExportTasks) == 0 {
			return poll.Pending, nil
		}
		task := res.ExportTasks[0]
		if task.ExportToS3Task != nil && task.ExportToS3Task.S3Key != nil {
			key = *task.ExportToS3Task.S3Key
		}
		switch task.State {
		case ec2types.ExportTaskStateCompleted:
			return poll.Succeeded, nil
		case ec2types.ExportTaskStateCancelled, ec2types.ExportTaskStateCancelling:
			return poll.Failed, fmt.Errorf("export task %s %s: %s", taskID, task.State, aws.ToString(task.StatusMessage))
		}
		return poll.Pending, nil
	})
	if err != nil {
		return d.fail(ErrExport, OpExportDisk, err)
	}
	if key == "" {
		return d.fail(ErrExport, OpExportDisk, fmt.Errorf("export task %s reported no object key", taskID))
	}
	d.exportedObject = key
	return nil
}

func (d *AmazonDriver) DownloadDisk(ctx context.Context) error {
	if d.exportedObject == "" {
		return d.fail(ErrTransfer, OpDownloadDisk, errors.New("no exported object recorded"))
	}
	pending, err := d.staging.Create(d.vm)
	if err != nil {
		return d.fail(ErrTransfer, OpDownloadDisk, err)
	}
	defer pending.Abort()

	n, err := d.transfer.Download(ctx, pending.File, d.bucket, d.exportedObject)
	if err != nil {
		return d.fail(ErrTransfer, OpDownloadDisk, fmt.Errorf("failed to download s3://%s/%s: %w", d.bucket, d.exportedObject, err))
	}
	if err := pending.Commit(); err != nil {
		return d.fail(ErrTransfer, OpDownloadDisk, err)
	}
	d.logger().Info("disk downloaded", zap.Int64("bytes", n))
	return nil
}

// PrepareDisk is a no-op: EC2 imports the VHD as exported
func (d *AmazonDriver) PrepareDisk(ctx context.Context) error {
	return nil
}

func (d *AmazonDriver) UploadDisk(ctx context.Context) error {
	f, err := d.staging.Open(d.vm)
	if err != nil {
		return d.fail(ErrTransfer, OpUploadDisk, err)
	}
	err = d.transfer.Upload(ctx, f, d.bucket, d.objectName())
	f.Close()
	if err != nil {
		return d.fail(ErrTransfer, OpUploadDisk, fmt.Errorf("failed to upload s3://%s/%s: %w", d.bucket, d.objectName(), err))
	}
	d.logger().Info("disk uploaded", zap.String("key", d.objectName()))
	return d.fail(ErrTransfer, OpUploadDisk, d.staging.Remove(d.vm))
}

func (d *AmazonDriver) ImportDisk(ctx context.Context) error {
	out, err := d.ec2.ImportImage(ctx, &ec2.ImportImageInput{
		Description: aws.String(d.vm),
		DiskContainers: []ec2types.ImageDiskContainer{{
			Format: aws.String("VHD"),
			UserBucket: &ec2types.UserBucket{
				S3Bucket: aws.String(d.bucket),
				S3Key:    aws.String(d.objectName()),
			},
		}},
	})
	if err != nil {
		return d.fail(ErrImport, OpImportDisk, fmt.Errorf("import request rejected: %w", err))
	}
	taskID := aws.ToString(out.ImportTaskId)
	d.logger().Info("import task submitted", zap.String("task", taskID))

	var imageID string
	err = d.wait(ctx, d.long, "import", func(ctx context.Context) (poll.Status, error) {
		res, err := d.ec2.DescribeImportImageTasks(ctx, &ec2.DescribeImportImageTasksInput{ImportTaskIds: []string{taskID}})
		if err != nil {
			return poll.Pending, err
		}
		if len(res.ImportImageTasks) == 0 {
			return poll.Pending, nil
		}
		task := res.ImportImageTasks[0]
		switch aws.ToString(task.Status) {
		case "completed":
			imageID = aws.ToString(task.ImageId)
			return poll.Succeeded, nil
		case "deleting", "deleted":
			return poll.Failed, fmt.Errorf("import task %s: %s", taskID, aws.ToString(task.StatusMessage))
		}
		return poll.Pending, nil
	})
	if err != nil {
		return d.fail(ErrImport, OpImportDisk, err)
	}
	if imageID == "" {
		return d.fail(ErrImport, OpImportDisk, fmt.Errorf("import task %s reported no image", taskID))
	}

	err = d.wait(ctx, d.long, "image", func(ctx context.Context) (poll.Status, error) {
		res, err := d.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}})
		if err != nil {
			if isAWSCode(err, "InvalidAMIID.NotFound") {
				return poll.Pending, nil
			}
			return poll.Pending, err
		}
		for _, img := range res.Images {
			switch img.State {
			case ec2types.ImageStateAvailable:
				return poll.Succeeded, nil
			case ec2types.ImageStateFailed, ec2types.ImageStateError, ec2types.ImageStateInvalid:
				return poll.Failed, fmt.Errorf("image %s is %s", imageID, img.State)
			}
		}
		return poll.Pending, nil
	})
	if err != nil {
		return d.fail(ErrImport, OpImportDisk, err)
	}

	_, err = d.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{imageID},
		Tags:      []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String(d.vm)}},
	})
	if err != nil {
		d.logger().Warn("failed to tag imported image", zap.String("image", imageID), zap.Error(err))
	}
	d.imageID = imageID
	return nil
}

func (d *AmazonDriver) CreateServer(ctx context.Context) error {
	if d.imageID == "" {
		return d.fail(ErrProvisioning, OpCreateServer, errors.New("no imported image recorded"))
	}
	out, err := d.ec2.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(d.imageID),
		InstanceType: ec2types.InstanceType(d.account.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		Placement:    &ec2types.Placement{AvailabilityZone: aws.String(d.account.AvailabilityZone)},
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String(d.vm)}},
		}},
	})
	if err != nil {
		return d.fail(ErrProvisioning, OpCreateServer, fmt.Errorf("failed to run instance: %w", err))
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return d.fail(ErrProvisioning, OpCreateServer, errors.New("run instances returned no instance"))
	}
	id := *out.Instances[0].InstanceId
	d.logger().Info("instance launched", zap.String("instance", id), zap.String("image", d.imageID))
	return d.fail(ErrProvisioning, OpCreateServer, d.waitInstance(ctx, id, ec2types.InstanceStateNameRunning))
}

func (d *AmazonDriver) DeleteServer(ctx context.Context) error {
	id, err := d.findInstance(ctx)
	if err != nil {
		return d.fail(ErrProvisioning, OpDeleteServer, err)
	}
	if id == "" {
		return nil
	}
	_, err = d.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		if isAWSCode(err, "InvalidInstanceID.NotFound") {
			return nil
		}
		return d.fail(ErrProvisioning, OpDeleteServer, fmt.Errorf("failed to terminate instance %s: %w", id, err))
	}
	return d.fail(ErrProvisioning, OpDeleteServer, d.waitInstance(ctx, id, ec2types.InstanceStateNameTerminated))
}

func (d *AmazonDriver) DeleteImage(ctx context.Context) error {
	ids := []string{}
	if d.imageID != "" {
		ids = append(ids, d.imageID)
	} else {
		res, err := d.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
			Owners:  []string{"self"},
			Filters: []ec2types.Filter{{Name: aws.String("tag:Name"), Values: []string{d.vm}}},
		})
		if err != nil {
			return d.fail(ErrProvisioning, OpDeleteImage, fmt.Errorf("failed to look up images: %w", err))
		}
		for _, img := range res.Images {
			ids = append(ids, aws.ToString(img.ImageId))
		}
	}

	for _, id := range ids {
		_, err := d.ec2.DeregisterImage(ctx, &ec2.DeregisterImageInput{ImageId: aws.String(id)})
		if err != nil && !isAWSCode(err, "InvalidAMIID.NotFound", "InvalidAMIID.Unavailable") {
			return d.fail(ErrProvisioning, OpDeleteImage, fmt.Errorf("failed to deregister image %s: %w", id, err))
		}
	}
	return nil
}

func (d *AmazonDriver) DeleteBucket(ctx context.Context) error {
	_, err := d.iam.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
		RoleName:   aws.String(vmImportRole),
		PolicyName: aws.String(vmImportRole),
	})
	if err != nil && !isNoSuchEntity(err) {
		return d.fail(ErrProvisioning, OpDeleteBucket, fmt.Errorf("failed to delete %s role policy: %w", vmImportRole, err))
	}
	_, err = d.iam.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(vmImportRole)})
	if err != nil && !isNoSuchEntity(err) {
		return d.fail(ErrProvisioning, OpDeleteBucket, fmt.Errorf("failed to delete %s role: %w", vmImportRole, err))
	}

	pages := s3.NewListObjectsV2Paginator(d.s3, &s3.ListObjectsV2Input{Bucket: aws.String(d.bucket)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			if isBucketNotFound(err) {
				return nil
			}
			return d.fail(ErrProvisioning, OpDeleteBucket, fmt.Errorf("failed to list bucket %s: %w", d.bucket, err))
		}
		for _, obj := range page.Contents {
			_, err := d.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(d.bucket), Key: obj.Key})
			if err != nil {
				return d.fail(ErrProvisioning, OpDeleteBucket, fmt.Errorf("failed to delete %s: %w", aws.ToString(obj.Key), err))
			}
		}
	}

	_, err = d.s3.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(d.bucket)})
	if err != nil && !isBucketNotFound(err) {
		return d.fail(ErrProvisioning, OpDeleteBucket, fmt.Errorf("failed to delete bucket %s: %w", d.bucket, err))
	}
	return nil
}
