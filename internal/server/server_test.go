package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"kumo/internal/jobs"
	"kumo/internal/migration"
)

const body = `{
  "virtual_machine": "web1",
  "source_account": {"cloud": "amazon", "bucket": "src-bkt",
    "amazon": {"aws_access_key_id": "AKIA", "aws_secret_access_key": "secret",
      "region": "eu-west-1", "availability_zone": "eu-west-1a", "instance_type": "t3.small"}},
  "destination_account": {"cloud": "microsoft", "bucket": "vhds",
    "microsoft": {"client_id": "c", "client_secret": "s", "tenant_id": "t",
      "subscription_id": "sub", "resource_group_name": "rg", "location": "westeurope",
      "storage_account_name": "kumo", "storage_account_key": "a2V5",
      "virtual_machine_size": "Standard_B2s", "network": "vnet", "subnet": "default",
      "admin_username": "kumo", "admin_password": "pw"}}
}`

type fakeSubmitter struct {
	submitted []*migration.Spec
	states    map[string]*jobs.State
	err       error
}

func (f *fakeSubmitter) Submit(_ context.Context, spec *migration.Spec) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.submitted = append(f.submitted, spec)
	return fmt.Sprintf("mig-%d", len(f.submitted)), nil
}

func (f *fakeSubmitter) Get(_ context.Context, id string) (*jobs.State, error) {
	state, ok := f.states[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	return state, nil
}

var _ = Describe("Server", func() {
	var (
		submitter *fakeSubmitter
		handler   http.Handler
	)

	BeforeEach(func() {
		submitter = &fakeSubmitter{states: map[string]*jobs.State{}}
		handler = NewServer(submitter).Handler()
	})

	serve := func(method, path, payload string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	Describe("POST /migrate", func() {
		It("should answer 201 with no body and queue the migration", func() {
			rec := serve(http.MethodPost, "/migrate", body)

			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(rec.Body.Len()).To(BeZero())
			Expect(rec.Header().Get("Location")).To(Equal("/migrations/mig-1"))
			Expect(submitter.submitted).To(HaveLen(1))
			Expect(submitter.submitted[0].VirtualMachine).To(Equal("web1"))
			Expect(submitter.submitted[0].DestinationAccount.Microsoft.Location).To(Equal("westeurope"))
		})

		DescribeTable("should reject a bad document with 400",
			func(payload string) {
				rec := serve(http.MethodPost, "/migrate", payload)
				Expect(rec.Code).To(Equal(http.StatusBadRequest))
				Expect(submitter.submitted).To(BeEmpty())
			},
			Entry("malformed", `{"virtual_machine": `),
			Entry("empty", ``),
			Entry("missing machine", strings.Replace(body, `"web1"`, `""`, 1)),
			Entry("unknown cloud", strings.Replace(body, `"cloud": "amazon"`, `"cloud": "digitalocean"`, 1)),
			Entry("incomplete account", strings.Replace(body, `"region": "eu-west-1", `, ``, 1)),
		)

		It("should answer 500 when the queue is unavailable", func() {
			submitter.err = errors.New("etcdserver: request timed out")
			rec := serve(http.MethodPost, "/migrate", body)
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(rec.Body.String()).NotTo(ContainSubstring("etcdserver"))
		})
	})

	Describe("GET /migrations/:id", func() {
		It("should return the job state", func() {
			submitter.states["mig-7"] = &jobs.State{ID: "mig-7", VM: "web1", Status: jobs.StatusRunning, StepIndex: 5}
			rec := serve(http.MethodGet, "/migrations/mig-7", "")

			Expect(rec.Code).To(Equal(http.StatusOK))
			var state jobs.State
			Expect(json.Unmarshal(rec.Body.Bytes(), &state)).To(Succeed())
			Expect(state.Status).To(Equal(jobs.StatusRunning))
			Expect(state.StepIndex).To(Equal(5))
		})

		It("should answer 404 for an unknown job", func() {
			rec := serve(http.MethodGet, "/migrations/mig-nope", "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	It("should report health", func() {
		Expect(serve(http.MethodGet, "/health", "").Code).To(Equal(http.StatusOK))
	})
})
