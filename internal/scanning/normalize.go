package scanning

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Merchant holds the seller details printed on a receipt
type Merchant struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Contact string `json:"contact"`
}

// Transaction holds the transaction details printed on a receipt
type Transaction struct {
	Date          string `json:"date"` // as printed, not necessarily ISO 8601
	ReceiptNumber string `json:"receipt_number"`
	PaymentMethod string `json:"payment_method"`
}

// LineItem is a single purchased line
type LineItem struct {
	Name       string  `json:"name"`
	Quantity   float64 `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	TotalPrice float64 `json:"total_price"`
}

// Totals holds the receipt totals
type Totals struct {
	Subtotal float64 `json:"subtotal"`
	Tax      float64 `json:"tax"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
}

// NormalizedReceipt is the strict shape produced from untrusted model output
type NormalizedReceipt struct {
	Merchant    Merchant    `json:"merchant"`
	Transaction Transaction `json:"transaction"`
	Items       []LineItem  `json:"items"`
	Totals      Totals      `json:"totals"`
	Summary     string      `json:"summary"`
}

// Normalize converts raw model text into a NormalizedReceipt. Missing or wrong-typed
// fields are defaulted; only text without any parseable JSON object is rejected.
func Normalize(raw string) (*NormalizedReceipt, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	merchant := objectField(obj, "merchant")
	transaction := objectField(obj, "transaction")
	totals := objectField(obj, "totals")

	out := &NormalizedReceipt{
		Merchant: Merchant{
			Name:    stringField(merchant, "name"),
			Address: stringField(merchant, "address"),
			Contact: stringField(merchant, "contact"),
		},
		Transaction: Transaction{
			Date:          stringField(transaction, "date"),
			ReceiptNumber: stringField(transaction, "receipt_number", "receiptNumber"),
			PaymentMethod: stringField(transaction, "payment_method", "paymentMethod"),
		},
		Items: itemsField(obj),
		Totals: Totals{
			Subtotal: numberField(totals, "subtotal"),
			Tax:      numberField(totals, "tax"),
			Total:    numberField(totals, "total"),
			Currency: strings.ToUpper(stringField(totals, "currency")),
		},
		Summary: stringField(obj, "summary", "receipt_summary", "receiptSummary"),
	}

	if out.Summary == "" {
		out.Summary = summarize(out)
	}

	return out, nil
}

// decodeObject strips code fences and parses the first JSON object it can find
func decodeObject(raw string) (map[string]any, error) {
	text := stripCodeFence(raw)

	if obj, ok := parseObject(text); ok {
		return obj, nil
	}

	// Fall back to the outermost {...} span when the model wrapped JSON in prose
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedOutput)
	}
	if obj, ok := parseObject(text[start : end+1]); ok {
		return obj, nil
	}

	return nil, fmt.Errorf("%w: invalid JSON object", ErrMalformedOutput)
}

func parseObject(text string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// stripCodeFence removes a leading ```lang line and a trailing ``` if present
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx != -1 {
			text = text[idx+1:]
		} else {
			text = strings.TrimPrefix(text, "```")
		}
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")

	return strings.TrimSpace(text)
}

func objectField(obj map[string]any, key string) map[string]any {
	if v, ok := obj[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

// stringField returns the first usable value among keys
func stringField(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := obj[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// numberField returns the first usable non-negative value among keys
func numberField(obj map[string]any, keys ...string) float64 {
	for _, key := range keys {
		switch v := obj[key].(type) {
		case float64:
			return max(v, 0)
		case string:
			s := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return max(f, 0)
			}
		}
	}
	return 0
}

func itemsField(obj map[string]any) []LineItem {
	raw, ok := obj["items"].([]any)
	if !ok {
		return []LineItem{}
	}

	items := make([]LineItem, 0, len(raw))
	for _, entry := range raw {
		item, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		items = append(items, LineItem{
			Name:       stringField(item, "name"),
			Quantity:   numberField(item, "quantity"),
			UnitPrice:  numberField(item, "unit_price", "unitPrice"),
			TotalPrice: numberField(item, "total_price", "totalPrice"),
		})
	}
	return items
}

// summarize builds a one-line summary from the merchant, date and total, dropping empty parts
func summarize(r *NormalizedReceipt) string {
	var head []string
	if r.Merchant.Name != "" {
		head = append(head, r.Merchant.Name)
	}
	if r.Transaction.Date != "" {
		head = append(head, "on "+r.Transaction.Date)
	}

	total := "total " + decimal.NewFromFloat(r.Totals.Total).String()
	if r.Totals.Currency != "" {
		total += " " + r.Totals.Currency
	}

	if len(head) == 0 {
		return total
	}
	return strings.Join(head, " ") + " — " + total
}
