package receipt

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltDB", func() {
	var (
		tmpDir string
		dbPath string
		db     *BoltDB
	)

	newReceipt := func(id, owner string, uploaded time.Time) *Receipt {
		return &Receipt{
			ID:         id,
			OwnerID:    owner,
			FileName:   id + ".pdf",
			MIMEType:   "application/pdf",
			UploadedAt: uploaded,
			Status:     StatusProcessing,
			Items:      []LineItem{},
		}
	}

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("InsertReceipt", func() {
		var (
			receipt *Receipt
			err     error
		)

		BeforeEach(func() {
			receipt = newReceipt("test-id", "user-1", time.Now())
		})

		JustBeforeEach(func() {
			err = db.InsertReceipt(receipt)
		})

		When("the ID is new", func() {
			It("should save the receipt to the database", func() {
				Expect(err).NotTo(HaveOccurred())
				saved, getErr := db.GetReceipt("test-id")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.OwnerID).To(Equal("user-1"))
				Expect(saved.Status).To(Equal(StatusProcessing))
			})
		})

		When("the ID already exists", func() {
			BeforeEach(func() {
				Expect(db.InsertReceipt(newReceipt("test-id", "user-2", time.Now()))).To(Succeed())
			})

			It("should return an error and keep the original", func() {
				Expect(err).To(HaveOccurred())
				saved, _ := db.GetReceipt("test-id")
				Expect(saved.OwnerID).To(Equal("user-2"))
			})
		})
	})

	Describe("GetReceipt", func() {
		When("receipt does not exist", func() {
			It("should return ErrNotFound", func() {
				receipt, err := db.GetReceipt("missing")
				Expect(err).To(MatchError(ErrNotFound))
				Expect(receipt).To(BeNil())
			})
		})
	})

	Describe("QueryReceipts", func() {
		BeforeEach(func() {
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

			old := newReceipt("old", "user-1", base)
			old.MerchantName = "Corner Pharmacy"

			mid := newReceipt("mid", "user-1", base.Add(time.Hour))
			mid.Status = StatusCompleted
			mid.ReceiptSummary = "Groceries at Acme"

			newest := newReceipt("new", "user-1", base.Add(2*time.Hour))

			other := newReceipt("other", "user-2", base.Add(3*time.Hour))
			other.MerchantName = "Acme"

			for _, r := range []*Receipt{old, mid, newest, other} {
				Expect(db.InsertReceipt(r)).To(Succeed())
			}
		})

		ids := func(receipts []*Receipt) []string {
			out := make([]string, 0, len(receipts))
			for _, r := range receipts {
				out = append(out, r.ID)
			}
			return out
		}

		It("should return only the owner's receipts newest first", func() {
			receipts, err := db.QueryReceipts(Filter{OwnerID: "user-1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(receipts)).To(Equal([]string{"new", "mid", "old"}))
		})

		It("should filter by status", func() {
			receipts, err := db.QueryReceipts(Filter{OwnerID: "user-1", Status: StatusCompleted})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(receipts)).To(Equal([]string{"mid"}))
		})

		It("should search case-insensitively across text fields", func() {
			receipts, err := db.QueryReceipts(Filter{OwnerID: "user-1", Search: "ACME"})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(receipts)).To(Equal([]string{"mid"}))

			receipts, err = db.QueryReceipts(Filter{OwnerID: "user-1", Search: "pharmacy"})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(receipts)).To(Equal([]string{"old"}))
		})
	})

	Describe("DeleteReceipt", func() {
		It("should remove an existing receipt", func() {
			Expect(db.InsertReceipt(newReceipt("r1", "user-1", time.Now()))).To(Succeed())
			Expect(db.DeleteReceipt("r1")).To(Succeed())
			_, err := db.GetReceipt("r1")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("should return ErrNotFound for a missing receipt", func() {
			Expect(db.DeleteReceipt("missing")).To(MatchError(ErrNotFound))
		})
	})

	Describe("CompleteExtraction", func() {
		var extraction Extraction

		BeforeEach(func() {
			Expect(db.InsertReceipt(newReceipt("r1", "user-1", time.Now()))).To(Succeed())
			extraction = Extraction{
				JobID:             "evt-1",
				DisplayName:       "Acme - 2024-03-01",
				MerchantName:      "Acme",
				TransactionDate:   "2024-03-01",
				TransactionAmount: 42.5,
				Currency:          "USD",
				ReceiptSummary:    "Acme on 2024-03-01 — total 42.5 USD",
				Items: []LineItem{
					{Name: "Widget", Quantity: 1, UnitPrice: 42.5, TotalPrice: 42.5},
				},
			}
		})

		It("should write the fields and mark the receipt completed", func() {
			Expect(db.CompleteExtraction("r1", extraction)).To(Succeed())

			saved, err := db.GetReceipt("r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Status).To(Equal(StatusCompleted))
			Expect(saved.MerchantName).To(Equal("Acme"))
			Expect(saved.TransactionAmount).To(Equal(42.5))
			Expect(saved.Items).To(HaveLen(1))
			Expect(saved.ExtractionJobID).To(Equal("evt-1"))
		})

		It("should replace rather than append items when run twice", func() {
			Expect(db.CompleteExtraction("r1", extraction)).To(Succeed())
			Expect(db.CompleteExtraction("r1", extraction)).To(Succeed())

			saved, _ := db.GetReceipt("r1")
			Expect(saved.Items).To(HaveLen(1))
			Expect(saved.TransactionAmount).To(Equal(42.5))
		})

		It("should return ErrNotFound for a missing receipt", func() {
			Expect(db.CompleteExtraction("missing", extraction)).To(MatchError(ErrNotFound))
		})

		It("should refuse to complete a failed receipt", func() {
			Expect(db.FailExtraction("r1", "timeout")).To(Succeed())
			Expect(db.CompleteExtraction("r1", extraction)).To(MatchError(ErrInvalidTransition))
		})
	})

	Describe("FailExtraction", func() {
		BeforeEach(func() {
			Expect(db.InsertReceipt(newReceipt("r1", "user-1", time.Now()))).To(Succeed())
		})

		It("should mark a processing receipt failed with the reason", func() {
			Expect(db.FailExtraction("r1", "malformed_output")).To(Succeed())
			saved, _ := db.GetReceipt("r1")
			Expect(saved.Status).To(Equal(StatusFailed))
			Expect(saved.FailureReason).To(Equal("malformed_output"))
		})

		It("should leave a completed receipt untouched", func() {
			Expect(db.CompleteExtraction("r1", Extraction{MerchantName: "Acme"})).To(Succeed())
			Expect(db.FailExtraction("r1", "timeout")).To(Succeed())
			saved, _ := db.GetReceipt("r1")
			Expect(saved.Status).To(Equal(StatusCompleted))
			Expect(saved.FailureReason).To(BeEmpty())
		})

		It("should keep the first failure reason", func() {
			Expect(db.FailExtraction("r1", "fetch")).To(Succeed())
			Expect(db.FailExtraction("r1", "persistence")).To(Succeed())
			saved, _ := db.GetReceipt("r1")
			Expect(saved.FailureReason).To(Equal("fetch"))
		})
	})
})
