package entities

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Provider identifies a payment processor source.
type Provider string

const (
	ProviderStripe       Provider = "stripe"
	ProviderSquare       Provider = "square"
	ProviderAuthorizeNet Provider = "authorizenet"
	SourceCSV            Provider = "csv"
)

// ParseProvider validates a provider identifier from a request path.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderStripe, ProviderSquare, ProviderAuthorizeNet:
		return Provider(s), nil
	default:
		return "", fmt.Errorf("unknown provider: %s", s)
	}
}

// Severity levels for risk events and alert thresholds.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering used for alert threshold comparison:
// low < medium < high < critical.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// MeetsThreshold reports whether s is at or above the minimum severity.
func (s Severity) MeetsThreshold(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// JSONMap is a JSONB column holding loosely structured payloads
// (risk reasons, job stats, dispatch payloads).
type JSONMap map[string]interface{}

// Value implements driver.Valuer for JSONB columns.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONB columns.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", src)
	}

	return json.Unmarshal(data, m)
}

// ErrorResponse is the standard API error envelope.
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}
