package ingestion

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// csvTimeLayouts are accepted occurred_at formats, tried in order.
var csvTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// RowReject records why one CSV row was dropped. Row numbers are 1-based
// and count the header, so the first data row is row 2.
type RowReject struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// ParseCSV validates and normalizes uploaded CSV content. Invalid rows are
// rejected individually; the batch only fails outright when no row survives.
func ParseCSV(content []byte) ([]entities.TransactionDraft, []RowReject) {
	lines := splitLines(string(content))
	if len(lines) <= 1 {
		return nil, nil
	}

	headers := splitFields(lines[0])

	var drafts []entities.TransactionDraft
	var rejects []RowReject

	for i, line := range lines[1:] {
		rowNum := i + 2

		row := make(map[string]string, len(headers))
		cols := splitFields(line)
		for j, h := range headers {
			if j < len(cols) {
				row[h] = cols[j]
			} else {
				row[h] = ""
			}
		}

		draft, reject := normalizeRow(row, rowNum)
		if reject != nil {
			rejects = append(rejects, *reject)
			continue
		}
		drafts = append(drafts, *draft)
	}

	return drafts, rejects
}

func normalizeRow(row map[string]string, rowNum int) (*entities.TransactionDraft, *RowReject) {
	amount, err := strconv.ParseFloat(row["amount"], 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, &RowReject{Row: rowNum, Reason: "Invalid amount"}
	}

	occurredAt, ok := parseCSVTime(row["occurred_at"])
	if !ok {
		return nil, &RowReject{Row: rowNum, Reason: "Invalid occurred_at timestamp"}
	}

	currency := strings.ToUpper(row["currency"])
	if currency == "" {
		currency = "USD"
	}
	if !currencyPattern.MatchString(currency) {
		return nil, &RowReject{Row: rowNum, Reason: "Invalid currency (must be ISO-4217 3 letters)"}
	}

	approvedRaw := strings.ToLower(strings.TrimSpace(row["approved"]))
	if approvedRaw == "" {
		approvedRaw = "true"
	}
	var approved bool
	switch approvedRaw {
	case "true", "1", "yes":
		approved = true
	case "false", "0", "no":
		approved = false
	default:
		return nil, &RowReject{Row: rowNum, Reason: "Invalid approved value (use true/false)"}
	}

	sourceTxnID := row["source_txn_id"]
	if sourceTxnID == "" {
		sourceTxnID = uuid.NewString()
	}

	paymentMethod := row["payment_method"]
	if paymentMethod == "" {
		paymentMethod = "card"
	}

	rawRef := "csv-upload"

	draft := &entities.TransactionDraft{
		SourceProvider: entities.SourceCSV,
		SourceTxnID:    sourceTxnID,
		Amount:         decimal.NewFromFloat(amount),
		Currency:       currency,
		Approved:       approved,
		OccurredAt:     occurredAt.UTC(),
		PaymentMethod:  &paymentMethod,
		RawRef:         &rawRef,
	}

	if v := row["merchant_id"]; v != "" {
		draft.MerchantID = &v
	}
	if v := row["card_fingerprint_token"]; v != "" {
		draft.CardFingerprintToken = &v
	}
	if v := row["decline_code"]; v != "" {
		draft.DeclineCode = &v
	}
	if v := row["country"]; v != "" {
		draft.Country = &v
	}
	if v := row["region"]; v != "" {
		draft.Region = &v
	}
	if v := row["channel"]; v != "" {
		draft.Channel = &v
	}
	if v := row["mcc"]; v != "" {
		draft.MCC = &v
	}

	return draft, nil
}

func parseCSVTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range csvTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func splitLines(content string) []string {
	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func splitFields(line string) []string {
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}

// RejectsToJSON converts rejects into the params payload stored on the job.
func RejectsToJSON(rejects []RowReject) []interface{} {
	out := make([]interface{}, 0, len(rejects))
	for _, r := range rejects {
		out = append(out, map[string]interface{}{
			"row":    r.Row,
			"reason": r.Reason,
		})
	}
	return out
}
