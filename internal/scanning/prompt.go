package scanning

// receiptScanPrompt is the shared instruction sent to every provider along with the document
const receiptScanPrompt = `You are analyzing a receipt or invoice document. Carefully read all text in the document and extract:

1. **Merchant**: the store or business name, its address and a contact (phone, email or website).
2. **Transaction**: the transaction date, the receipt or invoice number and the payment method.
3. **Items**: every purchased line with its name, quantity, unit price and total price.
4. **Totals**: subtotal, tax, the final total and the ISO 4217 currency code.

Return ONLY valid JSON in this exact format:
{
  "merchant": {
    "name": "Store Name",
    "address": "123 Main St, City, Country",
    "contact": "+123456789"
  },
  "transaction": {
    "date": "YYYY-MM-DD",
    "receipt_number": "ABC123456",
    "payment_method": "Credit Card"
  },
  "items": [
    {
      "name": "Item 1",
      "quantity": 2,
      "unit_price": 10.00,
      "total_price": 20.00
    }
  ],
  "totals": {
    "subtotal": 20.00,
    "tax": 2.00,
    "total": 22.00,
    "currency": "USD"
  }
}

Important:
- Amounts must be numbers (not strings)
- If you cannot find a field, use an empty string or 0
- Do not include any text before or after the JSON
- Do not use markdown code blocks`
