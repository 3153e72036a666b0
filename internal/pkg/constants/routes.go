package constants

// Static route constants
const (
	APIRoute     = "/api/v1"
	WebhookRoute = "/payments/webhook"
	HealthRoute  = "/healthz"
)
