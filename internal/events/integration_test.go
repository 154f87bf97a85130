package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-scanner/internal/events"
	"github.com/zombor/receipt-scanner/internal/extraction"
	"github.com/zombor/receipt-scanner/internal/metering"
	"github.com/zombor/receipt-scanner/internal/receipt"
	"github.com/zombor/receipt-scanner/internal/scanning"
)

// stubProvider answers every inference with a fixed reply
type stubProvider struct {
	reply    string
	uploaded chan []byte
}

func (s *stubProvider) UploadDocument(ctx context.Context, doc scanning.Document) (scanning.FileHandle, error) {
	s.uploaded <- doc.Data
	return scanning.FileHandle{ID: "file-1", MIMEType: doc.ContentType}, nil
}

func (s *stubProvider) Infer(ctx context.Context, handle scanning.FileHandle) (string, error) {
	return s.reply, nil
}

func (s *stubProvider) Close() error {
	return nil
}

var _ = Describe("Upload to extraction", func() {
	var (
		db          *receipt.BoltDB
		tokens      *receipt.Tokens
		apiServer   *ghttp.Server
		meterServer *ghttp.Server
		provider    *stubProvider
		bus         *events.MemoryBus
		bearer      string
	)

	BeforeEach(func() {
		var err error
		tempDir := GinkgoT().TempDir()

		db, err = receipt.NewBoltDB(filepath.Join(tempDir, "test.db"))
		Expect(err).NotTo(HaveOccurred())
		journal, err := extraction.NewBoltJournal(db.Handle())
		Expect(err).NotTo(HaveOccurred())

		apiServer = ghttp.NewServer()
		apiServer.SetAllowUnhandledRequests(false)
		meterServer = ghttp.NewServer()
		meterServer.RouteToHandler("POST", "/events", ghttp.RespondWith(http.StatusOK, `{}`))

		tokens = receipt.NewTokens("test-secret", "receipt-scanner")
		bearer, err = tokens.IssueSubject("user-1", time.Hour)
		Expect(err).NotTo(HaveOccurred())

		files, err := receipt.NewLocalStorage(filepath.Join(tempDir, "receipts"), apiServer.URL(), tokens, time.Minute)
		Expect(err).NotTo(HaveOccurred())

		provider = &stubProvider{
			reply:    "```json\n" + `{"merchant":{"name":"Acme"},"transaction":{"date":"2024-03-20"},"totals":{"total":42.5,"currency":"usd"}}` + "\n```",
			uploaded: make(chan []byte, 1),
		}
		pipeline := extraction.NewPipeline(
			scanning.NewClient(provider, nil),
			db,
			metering.NewClient("meter-key", meterServer.URL(), nil),
			extraction.WithJournal(journal),
		)
		bus = events.NewMemoryBus(events.NewTrigger(pipeline), nil, events.WithWorkers(1))

		service := receipt.NewService(db, files, bus, nil)
		server := receipt.NewServer(service, tokens, files)
		for _, method := range []string{"GET", "POST", "DELETE"} {
			apiServer.RouteToHandler(method, regexp.MustCompile(".*"), server.ServeHTTP)
		}
	})

	AfterEach(func() {
		bus.Shutdown(context.Background())
		apiServer.Close()
		meterServer.Close()
		db.Close()
	})

	It("should extract an uploaded receipt and meter it once", func() {
		pdf := []byte("%PDF-1.4 fake receipt")

		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", "Receipt.PDF")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(pdf)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		req, err := http.NewRequest("POST", apiServer.URL()+"/api/receipts", body)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+bearer)

		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		var created receipt.Receipt
		Expect(json.NewDecoder(resp.Body).Decode(&created)).To(Succeed())
		Expect(created.Status).To(Equal(receipt.StatusProcessing))

		// The pipeline fetched the document through the signed /files URL
		Eventually(provider.uploaded).Should(Receive(Equal(pdf)))

		Eventually(func() receipt.Status {
			r, err := db.GetReceipt(created.ID)
			Expect(err).NotTo(HaveOccurred())
			return r.Status
		}).Should(Equal(receipt.StatusCompleted))

		saved, err := db.GetReceipt(created.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(saved.MerchantName).To(Equal("Acme"))
		Expect(saved.TransactionAmount).To(Equal(42.5))
		Expect(saved.Currency).To(Equal("USD"))
		Expect(saved.DisplayName).To(Equal("Acme - 2024-03-20"))

		Eventually(meterServer.ReceivedRequests).Should(HaveLen(1))
		Consistently(meterServer.ReceivedRequests, 100*time.Millisecond).Should(HaveLen(1))
	})

	It("should reject uploads that are not PDFs", func() {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", "receipt.png")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte("\x89PNG"))
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		req, err := http.NewRequest("POST", apiServer.URL()+"/api/receipts", body)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+bearer)

		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		Consistently(provider.uploaded).ShouldNot(Receive())
	})
})
