package scanning

import (
	"context"
	"errors"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("OpenAI", func() {
	var (
		server   *ghttp.Server
		provider *OpenAI
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var err error
		provider, err = NewOpenAI("sk-test", server.URL()+"/", "gpt-4o")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	It("should require an api key", func() {
		_, err := NewOpenAI("", "", "")
		Expect(err).To(HaveOccurred())
	})

	Describe("UploadDocument", func() {
		var (
			handle FileHandle
			err    error
		)

		JustBeforeEach(func() {
			handle, err = provider.UploadDocument(context.Background(), Document{
				Data:        []byte("%PDF-1.4"),
				ContentType: "application/pdf",
				Filename:    "r.pdf",
			})
		})

		When("the upload succeeds", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPost, "/files"),
					ghttp.VerifyHeaderKV("Authorization", "Bearer sk-test"),
					func(w http.ResponseWriter, r *http.Request) {
						Expect(r.ParseMultipartForm(1 << 20)).To(Succeed())
						Expect(r.FormValue("purpose")).To(Equal("user_data"))
						f, header, ferr := r.FormFile("file")
						Expect(ferr).NotTo(HaveOccurred())
						defer f.Close()
						Expect(header.Filename).To(Equal("r.pdf"))
						data, _ := io.ReadAll(f)
						Expect(data).To(Equal([]byte("%PDF-1.4")))
					},
					ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{"id": "file-abc"}),
				))
			})

			It("should return the file id as the handle", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(handle).To(Equal(FileHandle{ID: "file-abc", MIMEType: "application/pdf"}))
			})
		})

		When("the provider rejects the file", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusBadRequest, `{"error": "invalid file"}`))
			})

			It("should return an UploadError with the status", func() {
				var uploadErr *UploadError
				Expect(errors.As(err, &uploadErr)).To(BeTrue())
				Expect(uploadErr.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("Infer", func() {
		var (
			text string
			err  error
		)

		JustBeforeEach(func() {
			text, err = provider.Infer(context.Background(), FileHandle{ID: "file-abc"})
		})

		When("the model replies", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPost, "/chat/completions"),
					ghttp.VerifyHeaderKV("Authorization", "Bearer sk-test"),
					func(w http.ResponseWriter, r *http.Request) {
						body, _ := io.ReadAll(r.Body)
						Expect(string(body)).To(ContainSubstring(`"file_id":"file-abc"`))
						Expect(string(body)).To(ContainSubstring(`"model":"gpt-4o"`))
					},
					ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
						"choices": []map[string]any{
							{"message": map[string]any{"content": `{"totals": {"total": 3}}`}},
						},
					}),
				))
			})

			It("should return the first choice", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(text).To(Equal(`{"totals": {"total": 3}}`))
			})
		})

		When("the API is rate limiting", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusTooManyRequests, "slow down"))
			})

			It("should return an InferenceError with the status", func() {
				var inferErr *InferenceError
				Expect(errors.As(err, &inferErr)).To(BeTrue())
				Expect(inferErr.StatusCode).To(Equal(http.StatusTooManyRequests))
			})
		})

		When("the response has no choices", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{"choices": []any{}}))
			})

			It("should return an InferenceError", func() {
				var inferErr *InferenceError
				Expect(errors.As(err, &inferErr)).To(BeTrue())
				Expect(text).To(BeEmpty())
			})
		})
	})
})
