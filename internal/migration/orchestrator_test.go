package migration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"kumo/internal/driver"
	"kumo/internal/driver/drivertest"
	"kumo/internal/staging"
)

// artifactCounter checks the staging area after every step
type artifactCounter struct {
	area     *staging.Area
	vm       string
	after    map[string]int
	finished []string
}

func (c *artifactCounter) StepStarted(Step) {}

func (c *artifactCounter) StepFinished(step Step, err error) {
	entries, _ := os.ReadDir(c.area.Root)
	n := 0
	for _, e := range entries {
		if e.Name() == staging.ArtifactName(c.vm) {
			n++
		}
	}
	c.after[step.String()] = n
	c.finished = append(c.finished, step.String())
}

var happyPath = []string{
	"source.create_bucket",
	"destination.create_bucket",
	"source.stop_server",
	"source.export_disk",
	"source.download_disk",
	"destination.prepare_disk",
	"destination.upload_disk",
	"destination.import_disk",
	"destination.create_server",
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx     context.Context
		journal *drivertest.Journal
		area    *staging.Area
		src     *drivertest.Fake
		dst     *drivertest.Fake
	)

	BeforeEach(func() {
		ctx = context.Background()
		journal = &drivertest.Journal{}
		var err error
		area, err = staging.New(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		src = drivertest.NewFake("source", driver.ProviderAmazon, "web1", journal)
		dst = drivertest.NewFake("destination", driver.ProviderGoogle, "web1", journal)
		src.Staging = area
		dst.Staging = area
	})

	Context("when every provider call succeeds", func() {
		It("should run the nine steps in order with no teardown", func() {
			Expect(New("web1", src, dst).Run(ctx)).To(Succeed())
			Expect(journal.Calls()).To(Equal(happyPath))
		})

		It("should launch the server from the image the import recorded", func() {
			Expect(New("web1", src, dst).Run(ctx)).To(Succeed())

			calls := journal.Calls()
			Expect(indexOf(calls, "destination.import_disk")).To(BeNumerically("<", indexOf(calls, "destination.create_server")))
			Expect(dst.ImageID()).NotTo(BeEmpty())
			Expect(dst.CreatedFrom()).To(Equal(dst.ImageID()))
		})

		It("should keep exactly one artifact between download and upload", func() {
			counter := &artifactCounter{area: area, vm: "web1", after: map[string]int{}}
			Expect(New("web1", src, dst, WithObserver(counter)).Run(ctx)).To(Succeed())

			Expect(counter.finished).To(Equal(happyPath))
			Expect(counter.after["source.download_disk"]).To(Equal(1))
			Expect(counter.after["destination.prepare_disk"]).To(Equal(1))
			Expect(counter.after["destination.upload_disk"]).To(Equal(0))

			entries, err := os.ReadDir(area.Root)
			Expect(err).NotTo(HaveOccurred())
			for _, e := range entries {
				Expect(strings.HasSuffix(e.Name(), ".tmp") || strings.HasSuffix(e.Name(), ".new")).To(BeFalse(),
					"leftover %s", filepath.Join(area.Root, e.Name()))
			}
		})
	})

	Context("when the export is rejected", func() {
		BeforeEach(func() {
			src.Fail[driver.OpExportDisk] = errors.New("InvalidParameter: instance has no EBS root")
		})

		It("should surface an export error at step 4 and run nothing after it", func() {
			err := New("web1", src, dst).Run(ctx)

			var stepErr *StepError
			Expect(errors.As(err, &stepErr)).To(BeTrue())
			Expect(stepErr.Index).To(Equal(4))
			Expect(stepErr.Step).To(Equal("source.export_disk"))
			Expect(errors.Is(err, driver.ErrExport)).To(BeTrue())
			Expect(driver.KindOf(err)).To(Equal("ExportError"))
			Expect(journal.Calls()).To(Equal(happyPath[:4]))
		})

		It("should leave both buckets in place", func() {
			_ = New("web1", src, dst).Run(ctx)
			Expect(journal.Calls()).NotTo(ContainElement(HaveSuffix("delete_bucket")))
			Expect(journal.Calls()).NotTo(ContainElement(HaveSuffix("delete_server")))
		})

		It("should run the failure policy when one is installed", func() {
			var seen *StepError
			policy := FailurePolicyFunc(func(_ context.Context, _ *Orchestrator, failed *StepError) {
				seen = failed
			})

			err := New("web1", src, dst, WithFailurePolicy(policy)).Run(ctx)
			Expect(err).To(HaveOccurred())
			Expect(seen).NotTo(BeNil())
			Expect(seen.Index).To(Equal(4))
		})

		It("should tear down the chosen sides when opted in", func() {
			policy := TeardownOnFailure{Sides: []Side{Destination}, RestartSource: true}

			Expect(New("web1", src, dst, WithFailurePolicy(policy)).Run(ctx)).NotTo(Succeed())
			Expect(journal.Calls()[4:]).To(Equal([]string{
				"destination.delete_server",
				"destination.delete_image",
				"destination.delete_bucket",
				"source.start_server",
			}))
		})
	})

	Context("when a poll budget runs out", func() {
		It("should report a timeout and stop the pipeline", func() {
			dst.Hang[driver.OpImportDisk] = true

			err := New("web1", src, dst).Run(ctx)
			Expect(errors.Is(err, driver.ErrOperationTimeout)).To(BeTrue())
			Expect(errors.Is(err, driver.ErrImport)).To(BeTrue())
			Expect(driver.KindOf(err)).To(Equal("OperationTimeoutError"))
			Expect(journal.Calls()).To(Equal(happyPath[:8]))
			Expect(dst.CreatedFrom()).To(BeEmpty())
		})
	})

	Context("Teardown", func() {
		It("should delete server, image and bucket on one side", func() {
			Expect(New("web1", src, dst).Teardown(ctx, Source)).To(Succeed())
			Expect(journal.Calls()).To(Equal([]string{
				"source.delete_server",
				"source.delete_image",
				"source.delete_bucket",
			}))
		})

		It("should keep going after a failure and report every failure", func() {
			dst.Fail[driver.OpDeleteServer] = errors.New("server busy")
			dst.Fail[driver.OpDeleteBucket] = errors.New("bucket locked")

			err := New("web1", src, dst).Teardown(ctx, Destination)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("destination.delete_server"))
			Expect(err.Error()).To(ContainSubstring("destination.delete_bucket"))
			Expect(err.Error()).NotTo(ContainSubstring("destination.delete_image"))
			Expect(journal.Calls()).To(HaveLen(3))
		})
	})
})

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}
