package source

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kazantaxi/dwh/pkg/scd"
)

// PaymentTimeFormat is the day-first timestamp layout used by the payment
// provider's TSV exports.
const PaymentTimeFormat = "02.01.2006 15:04:05"

// PaymentRecord is one card transaction from a payment provider export.
// TransactionID is a content hash over the raw timestamp string and the
// card number, so re-reading the same file yields the same IDs.
type PaymentRecord struct {
	TransactionID string
	TransactionDT time.Time
	CardNum       string
	Amount        float64
}

// ParsePayments decodes one tab-separated payment export. Each line holds
// transaction_dt, card_num, transaction_amt with no header row.
func ParsePayments(r io.Reader) ([]PaymentRecord, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.FieldsPerRecord = 3

	var payments []PaymentRecord
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read payment line %d: %w", line, err)
		}

		rawDT := strings.TrimSpace(record[0])
		cardNum := strings.TrimSpace(record[1])
		if cardNum == "" {
			return nil, fmt.Errorf("payment line %d has no card number", line)
		}

		dt, err := time.ParseInLocation(PaymentTimeFormat, rawDT, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("payment line %d has invalid timestamp %q: %w", line, rawDT, err)
		}

		amount, err := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("payment line %d has invalid amount %q: %w", line, record[2], err)
		}

		payments = append(payments, PaymentRecord{
			TransactionID: scd.PaymentID(rawDT, cardNum),
			TransactionDT: dt,
			CardNum:       cardNum,
			Amount:        amount,
		})
	}
	return payments, nil
}
