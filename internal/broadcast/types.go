package broadcast

import (
	"math"
	"time"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type Config struct {
	// Delay between two recipients. 0 uses the dispatch engine default.
	Delay       time.Duration
	HistorySize int
	HistoryTTL  time.Duration
}

// Detail is the outcome for one recipient.
type Detail struct {
	RecipientID int64  `json:"recipient_id"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// Result summarises one broadcast. While Running is true the counters are
// partial.
type Result struct {
	ID          string    `json:"id"`
	Total       int       `json:"total"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	SuccessRate float64   `json:"success_rate"`
	Details     []Detail  `json:"details"`
	Running     bool      `json:"running"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// successRate is a percentage rounded to one decimal.
func successRate(sent, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(sent)*1000/float64(total)) / 10
}

func (r Result) clone() Result {
	r.Details = append([]Detail(nil), r.Details...)
	return r
}
