package extraction

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.etcd.io/bbolt"

	"github.com/zombor/receipt-scanner/internal/scanning"
)

var _ = Describe("BoltJournal", func() {
	var (
		db      *bbolt.DB
		journal *BoltJournal
	)

	BeforeEach(func() {
		var err error
		db, err = bbolt.Open(filepath.Join(GinkgoT().TempDir(), "journal.db"), 0600, nil)
		Expect(err).NotTo(HaveOccurred())
		journal, err = NewBoltJournal(db)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		db.Close()
	})

	It("should round-trip a recorded step", func() {
		handle := scanning.FileHandle{ID: "files/abc", MIMEType: "application/pdf"}
		Expect(journal.Save("job-1", StageUpload, handle)).To(Succeed())

		var loaded scanning.FileHandle
		found, err := journal.Load("job-1", StageUpload, &loaded)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(loaded).To(Equal(handle))
	})

	It("should report missing steps", func() {
		var raw string
		found, err := journal.Load("job-1", StageInfer, &raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())
	})

	It("should clear only the steps of the given job", func() {
		Expect(journal.Save("job-1", StageInfer, "a")).To(Succeed())
		Expect(journal.Save("job-1", StageFetch, "b")).To(Succeed())
		Expect(journal.Save("job-10", StageInfer, "c")).To(Succeed())

		Expect(journal.Clear("job-1")).To(Succeed())

		var v string
		found, _ := journal.Load("job-1", StageInfer, &v)
		Expect(found).To(BeFalse())
		found, _ = journal.Load("job-1", StageFetch, &v)
		Expect(found).To(BeFalse())
		found, _ = journal.Load("job-10", StageInfer, &v)
		Expect(found).To(BeTrue())
		Expect(v).To(Equal("c"))
	})
})
