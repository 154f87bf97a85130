package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *LocalStorage
		dispatcher  *mockDispatcher
		tokens      *Tokens
		server      *Server
		ghttpServer *ghttp.Server
		bearer      string
	)

	request := func(method, path string, body *bytes.Buffer, contentType string) *http.Response {
		if body == nil {
			body = &bytes.Buffer{}
		}
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}}
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	multipartBody := func(filename string, data []byte) (*bytes.Buffer, string) {
		body := &bytes.Buffer{}
		w := multipart.NewWriter(body)
		part, err := w.CreateFormFile("file", filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Close()).To(Succeed())
		return body, w.FormDataContentType()
	}

	BeforeEach(func() {
		db = newMockDB()
		dispatcher = &mockDispatcher{}
		tokens = NewTokens("test-secret", "receipt-scanner")

		var err error
		storage, err = NewLocalStorage(GinkgoT().TempDir(), "http://files.test", tokens, time.Minute)
		Expect(err).NotTo(HaveOccurred())

		service := NewServiceWithDeps(db, storage, dispatcher, &mockBilling{}, &mockIDGenerator{id: "r1"}, &mockTimeSource{now: time.Now()})
		server = NewServer(service, tokens, storage)

		bearer, err = tokens.IssueSubject("user-1", time.Minute)
		Expect(err).NotTo(HaveOccurred())
	})

	JustBeforeEach(func() {
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	Describe("authentication", func() {
		When("no bearer token is sent", func() {
			BeforeEach(func() {
				bearer = ""
			})

			It("should return status Unauthorized", func() {
				resp := request(http.MethodGet, "/api/receipts", nil, "")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Bearer"))
			})
		})

		When("the bearer token is invalid", func() {
			BeforeEach(func() {
				bearer = "not-a-jwt"
			})

			It("should return status Unauthorized", func() {
				resp := request(http.MethodGet, "/api/receipts", nil, "")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			})
		})
	})

	It("should answer CORS preflight requests", func() {
		resp := request(http.MethodOptions, "/api/receipts", nil, "")
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
	})

	Describe("handleListReceipts", func() {
		BeforeEach(func() {
			db.receipts["a"] = &Receipt{ID: "a", OwnerID: "user-1"}
			db.receipts["b"] = &Receipt{ID: "b", OwnerID: "user-2"}
		})

		It("should return only the caller's receipts", func() {
			resp := request(http.MethodGet, "/api/receipts", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

			var receipts []*Receipt
			Expect(json.NewDecoder(resp.Body).Decode(&receipts)).To(Succeed())
			Expect(receipts).To(HaveLen(1))
			Expect(receipts[0].ID).To(Equal("a"))
		})

		It("should reject an unknown status filter", func() {
			resp := request(http.MethodGet, "/api/receipts?status=bogus", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("handleUploadReceipt", func() {
		When("a PDF is uploaded", func() {
			It("should return status Created with a processing receipt", func() {
				body, ct := multipartBody("receipt.pdf", pdfBytes)
				resp := request(http.MethodPost, "/api/receipts", body, ct)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				var receipt Receipt
				Expect(json.NewDecoder(resp.Body).Decode(&receipt)).To(Succeed())
				Expect(receipt.ID).To(Equal("r1"))
				Expect(receipt.OwnerID).To(Equal("user-1"))
				Expect(receipt.Status).To(Equal(StatusProcessing))
				Expect(dispatcher.calls).To(HaveLen(1))
			})
		})

		When("an image is uploaded", func() {
			It("should return status Bad Request", func() {
				body, ct := multipartBody("receipt.png", []byte("\x89PNG\r\n"))
				resp := request(http.MethodPost, "/api/receipts", body, ct)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("no file is provided", func() {
			It("should return status Bad Request", func() {
				body := &bytes.Buffer{}
				w := multipart.NewWriter(body)
				Expect(w.Close()).To(Succeed())
				resp := request(http.MethodPost, "/api/receipts", body, w.FormDataContentType())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("handleGetReceipt", func() {
		BeforeEach(func() {
			db.receipts["mine"] = &Receipt{ID: "mine", OwnerID: "user-1"}
			db.receipts["theirs"] = &Receipt{ID: "theirs", OwnerID: "user-2"}
		})

		It("should return the caller's receipt", func() {
			resp := request(http.MethodGet, "/api/receipts/mine", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should return Forbidden for another owner's receipt", func() {
			resp := request(http.MethodGet, "/api/receipts/theirs", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})

		It("should return Not Found for a missing receipt", func() {
			resp := request(http.MethodGet, "/api/receipts/missing", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleDeleteReceipt", func() {
		It("should return No Content and remove the receipt", func() {
			db.receipts["mine"] = &Receipt{ID: "mine", OwnerID: "user-1", StorageHandle: "mine.pdf"}
			resp := request(http.MethodDelete, "/api/receipts/mine", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.receipts).NotTo(HaveKey("mine"))
		})
	})

	Describe("file access", func() {
		var fileURL string

		BeforeEach(func() {
			handle, err := storage.Save(context.Background(), "r9_doc.pdf", pdfBytes, "application/pdf")
			Expect(err).NotTo(HaveOccurred())
			db.receipts["r9"] = &Receipt{ID: "r9", OwnerID: "user-1", StorageHandle: handle}
		})

		It("should redirect to a signed URL that serves the document", func() {
			resp := request(http.MethodGet, "/api/receipts/r9/file", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusFound))
			fileURL = resp.Header.Get("Location")

			u, err := url.Parse(fileURL)
			Expect(err).NotTo(HaveOccurred())
			Expect(u.Path).To(Equal("/files/r9_doc.pdf"))

			bearer = ""
			signed := request(http.MethodGet, u.RequestURI(), nil, "")
			defer signed.Body.Close()
			Expect(signed.StatusCode).To(Equal(http.StatusOK))
			Expect(signed.Header.Get("Content-Type")).To(Equal("application/pdf"))
		})

		It("should reject a bad signature", func() {
			bearer = ""
			resp := request(http.MethodGet, "/files/r9_doc.pdf?token=forged", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})
	})

	Describe("handleBillingToken", func() {
		It("should return the issued token", func() {
			resp := request(http.MethodGet, "/api/billing/token", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body map[string]string
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body["token"]).To(Equal("billing-token"))
		})
	})

	Describe("handleExportReceipts", func() {
		It("should return an XLSX attachment", func() {
			resp := request(http.MethodGet, "/api/export/receipts.xlsx", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("receipts.xlsx"))
		})
	})
})
