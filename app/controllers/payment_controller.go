package controllers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/listahub/ListaPay/app/models"
	"github.com/listahub/ListaPay/internal/pkg/database"
	"github.com/listahub/ListaPay/internal/pkg/env"
	"github.com/listahub/ListaPay/internal/pkg/gateway"
	"github.com/listahub/ListaPay/internal/pkg/payments"
	"github.com/listahub/ListaPay/internal/pkg/statistics"
)

var paymentSvc *payments.Service

// PaymentService returns the shared payments service, building it lazily
// from the global DB handle on first use.
func PaymentService() *payments.Service {
	if paymentSvc == nil {
		paymentSvc = payments.NewServiceFromDB(database.GetDB())
	}
	return paymentSvc
}

// SetPaymentService overrides the shared service. Called once at boot and
// by tests that run against fakes.
func SetPaymentService(svc *payments.Service) {
	paymentSvc = svc
}

type initializePaymentRequest struct {
	Reference    string `json:"reference"`
	PlanID       string `json:"plan_id"`
	Instrument   string `json:"instrument"`
	PayerContact string `json:"payer_contact"`
	Currency     string `json:"currency"`
	ListingID    uint   `json:"listing_id"`
}

// HandlePaymentInitialize starts (or re-finds) a charge for a listing plan.
func HandlePaymentInitialize(c *fiber.Ctx) error {
	var req initializePaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "Request body must be JSON"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := PaymentService().Initialize(ctx, payments.InitializeInput{
		Reference:    req.Reference,
		PlanID:       req.PlanID,
		Instrument:   req.Instrument,
		PayerContact: req.PayerContact,
		Currency:     req.Currency,
		ListingID:    req.ListingID,
	})
	if err != nil {
		var verr *payments.ValidationError
		if errors.As(err, &verr) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "field": verr.Field, "message": verr.Reason})
		}
		var rejected *gateway.RejectedError
		if errors.As(err, &rejected) {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "gateway_rejected", "message": "The payment gateway rejected the charge"})
		}
		log.Errorf("[PaymentController] initialize failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Payment could not be initialized"})
	}

	status := fiber.StatusCreated
	if res.Reused {
		status = fiber.StatusOK
	}
	response := paymentJSON(res.Transaction)
	response["reused"] = res.Reused
	return c.Status(status).JSON(response)
}

// HandlePaymentStatus reports the canonical state of one transaction,
// polling the gateway first when the stored state is not terminal.
func HandlePaymentStatus(c *fiber.Ctx) error {
	reference := strings.TrimSpace(c.Params("reference"))
	if reference == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "Missing payment reference"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	res, err := PaymentService().Status(ctx, reference)
	if err != nil {
		if errors.Is(err, payments.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Unknown payment reference"})
		}
		log.Errorf("[PaymentController] status for %s failed: %v", reference, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Payment status unavailable"})
	}

	response := paymentJSON(res.Transaction)
	response["stale"] = res.Stale
	if res.Listing != nil {
		response["listing"] = fiber.Map{
			"id":             res.Listing.ID,
			"featured":       res.Listing.IsFeatured(time.Now()),
			"featured_plan":  res.Listing.FeaturedPlan,
			"featured_until": formatTimePtr(res.Listing.FeaturedUntil),
		}
	}
	return c.Status(fiber.StatusOK).JSON(response)
}

// HandlePaymentWebhook ingests gateway notifications. The event is made
// durable first and the gateway is acknowledged with 200 for everything
// except a failed write: redelivery only helps when persisting failed.
func HandlePaymentWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := firstHeaderValue(c, "X-Webhook-Signature", "X-Signature")
	secret := env.GetEnv("PAYMENT_GATEWAY_WEBHOOK_SECRET", "")
	signatureValid := gateway.VerifyWebhookSignature(rawBody, signature, secret)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, err := PaymentService().HandleWebhook(ctx, rawBody, signatureValid)
	if err != nil {
		var verr *payments.ValidationError
		if errors.As(err, &verr) {
			log.Warnf("[PaymentController] undecodable webhook from %s: %v", clientIP(c), err)
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true, "reason": "invalid_payload"})
		}
		if errors.Is(err, payments.ErrNotFound) {
			log.Warnf("[PaymentController] webhook for unknown transaction from %s", clientIP(c))
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true, "reason": "unknown_transaction"})
		}
		if res == nil {
			// The event never reached storage; this is the one case where
			// a redelivery can succeed.
			log.Errorf("[PaymentController] webhook persist failed: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
		}
		// Recorded but not fully processed; the monitor settles it later.
		log.Errorf("[PaymentController] webhook for %s recorded, processing failed: %v", res.Reference, err)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "processed": false})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ok":        true,
		"reference": res.Reference,
		"status":    res.Status,
		"duplicate": res.Duplicate,
	})
}

// HandleAdminPaymentList returns recent transactions, optionally filtered
// by ?status= and capped by ?limit=.
func HandleAdminPaymentList(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	txs, err := PaymentService().ListTransactions(c.Query("status"), limit)
	if err != nil {
		var verr *payments.ValidationError
		if errors.As(err, &verr) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "field": verr.Field, "message": verr.Reason})
		}
		log.Errorf("[PaymentController] list failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Payment list unavailable"})
	}

	items := make([]fiber.Map, 0, len(txs))
	for i := range txs {
		items = append(items, paymentJSON(&txs[i]))
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"payments": items, "count": len(items)})
}

// HandleAdminPaymentStats returns cached aggregate numbers for the ops
// dashboard.
func HandleAdminPaymentStats(c *fiber.Ctx) error {
	if database.GetDB() == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Database unavailable"})
	}
	return c.Status(fiber.StatusOK).JSON(statistics.GetStatisticsData())
}

// HandleAdminPaymentInspect returns one transaction with its complete
// observation trail.
func HandleAdminPaymentInspect(c *fiber.Ctx) error {
	reference := strings.TrimSpace(c.Params("reference"))
	tx, events, err := PaymentService().Inspect(reference)
	if err != nil {
		if errors.Is(err, payments.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Unknown payment reference"})
		}
		log.Errorf("[PaymentController] inspect %s failed: %v", reference, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Payment inspection failed"})
	}

	trail := make([]fiber.Map, 0, len(events))
	for i := range events {
		trail = append(trail, paymentEventJSON(&events[i]))
	}
	response := paymentJSON(tx)
	response["events"] = trail
	return c.Status(fiber.StatusOK).JSON(response)
}

// HandleAdminPaymentRecover forces a stuck transaction to success and
// re-runs the side effect. Idempotent.
func HandleAdminPaymentRecover(c *fiber.Ctx) error {
	reference := strings.TrimSpace(c.Params("reference"))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, err := PaymentService().Recover(ctx, reference)
	if err != nil {
		if errors.Is(err, payments.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Unknown payment reference"})
		}
		log.Errorf("[PaymentController] recover %s failed: %v", reference, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Recovery failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ok":              true,
		"reference":       res.Reference,
		"status":          res.Status,
		"transition":      res.Transition,
		"side_effect_ran": res.SideEffectRan,
		"duplicate":       res.Duplicate,
	})
}

func paymentJSON(tx *models.PaymentTransaction) fiber.Map {
	m := fiber.Map{
		"reference":       tx.ExternalReference,
		"listing_id":      tx.ListingID,
		"plan_id":         tx.Plan,
		"instrument":      tx.Instrument,
		"currency":        tx.Currency,
		"amount":          tx.Amount,
		"status":          tx.Status,
		"created_at":      tx.CreatedAt.UTC().Format(time.RFC3339),
		"last_checked_at": formatTimePtr(tx.LastCheckedAt),
	}
	if tx.GatewayID != nil {
		m["gateway_id"] = *tx.GatewayID
	}
	if tx.FailureReason != "" {
		m["failure_reason"] = tx.FailureReason
	}
	return m
}

func paymentEventJSON(ev *models.PaymentEvent) fiber.Map {
	m := fiber.Map{
		"id":               ev.ID,
		"source":           ev.Source,
		"gateway_event_id": ev.GatewayEventID,
		"raw_status":       ev.RawStatus,
		"mapped_status":    ev.MappedStatus,
		"signature_valid":  ev.SignatureValid,
		"processed_at":     formatTimePtr(ev.ProcessedAt),
		"created_at":       ev.CreatedAt.UTC().Format(time.RFC3339),
	}
	if ev.ProcessingError != "" {
		m["processing_error"] = ev.ProcessingError
	}
	return m
}
