package services

import "github.com/prometheus/client_golang/prometheus"

const (
	resultRecorded        = "recorded"
	resultAlreadyVerified = "already_verified"
	resultNotInscribed    = "not_inscribed"
	resultInvalidToken    = "invalid_token"
)

var (
	tokensIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attendance_tokens_issued_total",
			Help: "Total number of check-in tokens issued",
		},
	)
	verificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_verifications_total",
			Help: "Attendance verification attempts by outcome",
		},
		[]string{"result"},
	)
)

// InitMetrics registers the attendance metrics. Call this from main.go
func InitMetrics() {
	prometheus.MustRegister(tokensIssuedTotal)
	prometheus.MustRegister(verificationsTotal)
}
