package receipt

import (
	"fmt"
	"log/slog"

	"github.com/xuri/excelize/v2"
)

const (
	receiptsSheet = "Receipts"
	itemsSheet    = "Items"
)

// ExportReceipts returns an XLSX workbook with the owner's receipts and their line items
func (s *Service) ExportReceipts(ownerID string) ([]byte, error) {
	receipts, err := s.ListReceipts(ownerID, "", "")
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	// NewFile starts with "Sheet1"
	if err := f.SetSheetName("Sheet1", receiptsSheet); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}
	if _, err := f.NewSheet(itemsSheet); err != nil {
		return nil, fmt.Errorf("creating items sheet: %w", err)
	}

	writeRow(f, receiptsSheet, 1, "Receipt ID", "Uploaded", "Status", "Display Name", "Merchant",
		"Transaction Date", "Amount", "Currency", "Summary", "File Name")
	writeRow(f, itemsSheet, 1, "Receipt ID", "Item", "Quantity", "Unit Price", "Total Price")

	itemRow := 2
	for i, r := range receipts {
		writeRow(f, receiptsSheet, i+2,
			r.ID,
			r.UploadedAt.Format("2006-01-02 15:04"),
			string(r.Status),
			r.DisplayName,
			r.MerchantName,
			r.TransactionDate,
			r.TransactionAmount,
			r.Currency,
			r.ReceiptSummary,
			r.FileName,
		)
		for _, item := range r.Items {
			writeRow(f, itemsSheet, itemRow, r.ID, item.Name, item.Quantity, item.UnitPrice, item.TotalPrice)
			itemRow++
		}
	}

	_ = f.SetColWidth(receiptsSheet, "A", "A", 38)
	_ = f.SetColWidth(receiptsSheet, "D", "E", 28)
	_ = f.SetColWidth(receiptsSheet, "I", "I", 60)
	_ = f.SetColWidth(itemsSheet, "B", "B", 40)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("writing xlsx: %w", err)
	}

	slog.Info("Exported receipts", "owner_id", ownerID, "rows", len(receipts), "items", itemRow-2)
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, row int, values ...any) {
	for col, v := range values {
		cell, _ := excelize.CoordinatesToCellName(col+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}
