package ingestion

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
)

func TestParseCSV_ValidRows(t *testing.T) {
	content := strings.Join([]string{
		"source_txn_id,amount,currency,approved,occurred_at,payment_method",
		"tx-1,25.50,usd,true,2026-08-01T10:00:00Z,card",
		"tx-2,10,EUR,no,2026-08-02T11:30:00Z,",
	}, "\n")

	drafts, rejects := ParseCSV([]byte(content))
	require.Len(t, drafts, 2)
	assert.Empty(t, rejects)

	assert.Equal(t, "tx-1", drafts[0].SourceTxnID)
	assert.Equal(t, "25.5", drafts[0].Amount.String())
	assert.Equal(t, "USD", drafts[0].Currency)
	assert.True(t, drafts[0].Approved)
	assert.Equal(t, entities.SourceCSV, drafts[0].SourceProvider)
	require.NotNil(t, drafts[0].RawRef)
	assert.Equal(t, "csv-upload", *drafts[0].RawRef)

	assert.False(t, drafts[1].Approved)
	require.NotNil(t, drafts[1].PaymentMethod)
	assert.Equal(t, "card", *drafts[1].PaymentMethod)
}

func TestParseCSV_RowNumbersCountHeader(t *testing.T) {
	content := strings.Join([]string{
		"source_txn_id,amount,currency,approved,occurred_at",
		"tx-1,not-a-number,USD,true,2026-08-01T10:00:00Z",
		"tx-2,5.00,USD,true,2026-08-01T10:00:00Z",
		"tx-3,5.00,USD,maybe,2026-08-01T10:00:00Z",
	}, "\n")

	drafts, rejects := ParseCSV([]byte(content))
	require.Len(t, drafts, 1)
	require.Len(t, rejects, 2)

	// Header is row 1, so the first data row is row 2.
	assert.Equal(t, 2, rejects[0].Row)
	assert.Equal(t, "Invalid amount", rejects[0].Reason)
	assert.Equal(t, 4, rejects[1].Row)
	assert.Equal(t, "Invalid approved value (use true/false)", rejects[1].Reason)
}

func TestParseCSV_InvalidTimestamp(t *testing.T) {
	content := "amount,occurred_at\n5.00,yesterday"

	drafts, rejects := ParseCSV([]byte(content))
	assert.Empty(t, drafts)
	require.Len(t, rejects, 1)
	assert.Equal(t, "Invalid occurred_at timestamp", rejects[0].Reason)
}

func TestParseCSV_InvalidCurrency(t *testing.T) {
	content := "amount,currency,occurred_at\n5.00,DOLLARS,2026-08-01"

	drafts, rejects := ParseCSV([]byte(content))
	assert.Empty(t, drafts)
	require.Len(t, rejects, 1)
	assert.Equal(t, "Invalid currency (must be ISO-4217 3 letters)", rejects[0].Reason)
}

func TestParseCSV_Defaults(t *testing.T) {
	content := "amount,occurred_at\n12.00,2026-08-01"

	drafts, rejects := ParseCSV([]byte(content))
	require.Len(t, drafts, 1)
	assert.Empty(t, rejects)

	// Missing fields fall back: currency USD, approved true, generated id.
	assert.Equal(t, "USD", drafts[0].Currency)
	assert.True(t, drafts[0].Approved)
	assert.NotEmpty(t, drafts[0].SourceTxnID)
}

func TestParseCSV_HeaderOnly(t *testing.T) {
	drafts, rejects := ParseCSV([]byte("amount,currency,occurred_at\n"))
	assert.Empty(t, drafts)
	assert.Empty(t, rejects)
}

func TestParseCSV_SkipsBlankLines(t *testing.T) {
	content := "amount,occurred_at\n\n5.00,2026-08-01\n\n"

	drafts, rejects := ParseCSV([]byte(content))
	assert.Len(t, drafts, 1)
	assert.Empty(t, rejects)
}
