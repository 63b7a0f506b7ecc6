package exchange

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/orderbridge/internal/metrics"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "CRITICAL" // Connector can no longer be trusted
	AlertSeverityWarning  AlertSeverity = "WARNING"  // Request failed and should be investigated
	AlertSeverityInfo     AlertSeverity = "INFO"
)

// AlertCategory represents the category of an alert
type AlertCategory string

const (
	AlertCategorySubmit         AlertCategory = "ORDER_SUBMIT"
	AlertCategoryCancel         AlertCategory = "ORDER_CANCEL"
	AlertCategoryPoll           AlertCategory = "ORDER_POLL"
	AlertCategoryAuth           AlertCategory = "AUTH"
	AlertCategoryCircuitBreaker AlertCategory = "CIRCUIT_BREAKER"
	AlertCategoryReconciliation AlertCategory = "RECONCILIATION"
	AlertCategoryUserStream     AlertCategory = "USER_STREAM"
)

// Alert represents an error alert with structured data
type Alert struct {
	Severity  AlertSeverity          `json:"severity"`
	Category  AlertCategory          `json:"category"`
	Message   string                 `json:"message"`
	Error     error                  `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// AlertManager logs alerts and counts them by severity and category
type AlertManager struct {
	connector string
}

// NewAlertManager creates an alert manager for one connector
func NewAlertManager(connector string) *AlertManager {
	return &AlertManager{connector: connector}
}

// SendAlert logs and counts an alert
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	logEvent := log.With().
		Str("connector", am.connector).
		Str("severity", string(alert.Severity)).
		Str("category", string(alert.Category)).
		Time("timestamp", alert.Timestamp)

	for key, value := range alert.Context {
		logEvent = logEvent.Interface(key, value)
	}
	if alert.Error != nil {
		logEvent = logEvent.Err(alert.Error)
	}

	logger := logEvent.Logger()

	switch alert.Severity {
	case AlertSeverityCritical:
		logger.Error().Msg(alert.Message)
	case AlertSeverityWarning:
		logger.Warn().Msg(alert.Message)
	case AlertSeverityInfo:
		logger.Info().Msg(alert.Message)
	default:
		logger.Error().Msg(alert.Message)
	}

	metrics.RecordAlert(string(alert.Severity), string(alert.Category))
}

// Helper functions for common alert scenarios

// AlertSubmitFailed creates an alert for a failed order submission
func AlertSubmitFailed(err error, req OrderRequest) Alert {
	return Alert{
		Severity: AlertSeverityWarning,
		Category: AlertCategorySubmit,
		Message:  "Order submission failed",
		Error:    err,
		Context: map[string]interface{}{
			"client_order_id": req.ClientOrderID,
			"trading_pair":    req.TradingPair,
			"side":            string(req.Side),
			"kind":            string(req.Kind),
			"amount":          req.Amount.String(),
			"error_kind":      KindOf(err).String(),
		},
	}
}

// AlertCancelFailed creates an alert for a failed cancel request
func AlertCancelFailed(err error, ref OrderRef) Alert {
	return Alert{
		Severity: AlertSeverityWarning,
		Category: AlertCategoryCancel,
		Message:  "Order cancellation failed",
		Error:    err,
		Context: map[string]interface{}{
			"client_order_id":   ref.ClientOrderID,
			"exchange_order_id": ref.ExchangeOrderID,
			"error_kind":        KindOf(err).String(),
		},
	}
}

// AlertOrderMarkedFailed creates an alert for an order failed after repeated "not found" polls
func AlertOrderMarkedFailed(ref OrderRef, notFoundCount int) Alert {
	return Alert{
		Severity: AlertSeverityWarning,
		Category: AlertCategoryPoll,
		Message:  "Order not found on exchange, marked failed",
		Context: map[string]interface{}{
			"client_order_id":   ref.ClientOrderID,
			"exchange_order_id": ref.ExchangeOrderID,
			"not_found_count":   notFoundCount,
		},
	}
}

// AlertAuthFailure creates an alert for refused credentials
func AlertAuthFailure(err error, op string) Alert {
	return Alert{
		Severity: AlertSeverityCritical,
		Category: AlertCategoryAuth,
		Message:  "Exchange refused credentials, connector is untrusted",
		Error:    err,
		Context: map[string]interface{}{
			"operation": op,
		},
	}
}

// AlertCircuitOpen creates an alert for an opened circuit breaker
func AlertCircuitOpen(venue string) Alert {
	return Alert{
		Severity: AlertSeverityWarning,
		Category: AlertCategoryCircuitBreaker,
		Message:  "Circuit breaker opened, exchange requests suspended",
		Context: map[string]interface{}{
			"venue": venue,
		},
	}
}

// AlertOverfill creates an alert for a trade that would exceed the order amount
func AlertOverfill(clientOrderID, tradeID, executed, amount string) Alert {
	return Alert{
		Severity: AlertSeverityCritical,
		Category: AlertCategoryReconciliation,
		Message:  "Trade would overfill order, not accumulated",
		Context: map[string]interface{}{
			"client_order_id": clientOrderID,
			"trade_id":        tradeID,
			"executed_base":   executed,
			"amount":          amount,
		},
	}
}

// AlertStreamDisconnected creates an alert for a dropped user stream
func AlertStreamDisconnected(err error, attempt int) Alert {
	return Alert{
		Severity: AlertSeverityWarning,
		Category: AlertCategoryUserStream,
		Message:  "User stream disconnected, reconnecting",
		Error:    err,
		Context: map[string]interface{}{
			"attempt": attempt,
		},
	}
}
