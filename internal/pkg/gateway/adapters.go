package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/listahub/ListaPay/app/models"
	"github.com/listahub/ListaPay/internal/pkg/plans"
)

// adapter shapes the outbound request and reads the inbound answer for one
// instrument family. The aggregator exposes uniform /initiate and
// /status/{id} routes; only payload vocabulary differs per instrument.
type adapter interface {
	buildInitiate(req InitiateRequest, notifyURL string) (map[string]any, error)
	parseInitiate(body []byte) (string, StatusSignal, error)
	parseStatus(body []byte) (StatusSignal, error)
}

func adapterFor(instrument string) (adapter, error) {
	switch instrument {
	case models.InstrumentMTNMoMo:
		return momoAdapter{service: "cm.mtn"}, nil
	case models.InstrumentOrangeMoney:
		return momoAdapter{service: "cm.orange"}, nil
	case models.InstrumentExpressUnion:
		return momoAdapter{service: "cm.expressunion"}, nil
	case models.InstrumentCard:
		return cardAdapter{}, nil
	default:
		return nil, fmt.Errorf("unsupported payment instrument: %s", instrument)
	}
}

// momoAdapter covers the mobile-money channels. They settle in XAF, want
// an MSISDN in international form and answer with numeric status codes.
type momoAdapter struct {
	service string
}

func (a momoAdapter) buildInitiate(req InitiateRequest, notifyURL string) (map[string]any, error) {
	if req.Currency != plans.CurrencyXAF {
		return nil, fmt.Errorf("service %s settles in XAF only, got %s", a.service, req.Currency)
	}
	msisdn, err := CanonicalizeMSISDN(req.PayerContact)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"service":     a.service,
		"phonenumber": msisdn,
		"amount":      FormatAmount(req.Amount, req.Currency),
		"currency":    string(req.Currency),
		"payment_ref": req.Reference,
		"notify_url":  notifyURL,
	}, nil
}

func (a momoAdapter) parseInitiate(body []byte) (string, StatusSignal, error) {
	m, err := decodeLoose(body)
	if err != nil {
		return "", StatusSignal{}, err
	}
	gatewayID := looseString(m, "transaction_id", "transactionId", "payment_id")
	if gatewayID == "" {
		return "", StatusSignal{}, errors.New("initiate response missing transaction id")
	}
	return gatewayID, signalFrom(m), nil
}

func (a momoAdapter) parseStatus(body []byte) (StatusSignal, error) {
	m, err := decodeLoose(body)
	if err != nil {
		return StatusSignal{}, err
	}
	return signalFrom(m), nil
}

// cardAdapter covers card charges routed through the aggregator's PSP.
// Card answers use string states instead of numeric codes and may settle
// in XAF or USD.
type cardAdapter struct{}

func (a cardAdapter) buildInitiate(req InitiateRequest, notifyURL string) (map[string]any, error) {
	if req.Currency != plans.CurrencyXAF && req.Currency != plans.CurrencyUSD {
		return nil, fmt.Errorf("card settles in XAF or USD only, got %s", req.Currency)
	}
	customer := strings.TrimSpace(req.PayerContact)
	if customer == "" {
		return nil, errors.New("payer contact is required for card charges")
	}
	return map[string]any{
		"reference":  req.Reference,
		"amount":     FormatAmount(req.Amount, req.Currency),
		"currency":   string(req.Currency),
		"customer":   customer,
		"return_url": notifyURL,
	}, nil
}

func (a cardAdapter) parseInitiate(body []byte) (string, StatusSignal, error) {
	m, err := decodeLoose(body)
	if err != nil {
		return "", StatusSignal{}, err
	}
	gatewayID := looseString(m, "transaction_id", "id", "charge_id")
	if gatewayID == "" {
		return "", StatusSignal{}, errors.New("charge response missing transaction id")
	}
	return gatewayID, signalFrom(m), nil
}

func (a cardAdapter) parseStatus(body []byte) (StatusSignal, error) {
	m, err := decodeLoose(body)
	if err != nil {
		return StatusSignal{}, err
	}
	return signalFrom(m), nil
}

// signalFrom collects the status material under its known aliases. Field
// names drifted across aggregator API revisions, so every known spelling
// is checked.
func signalFrom(m map[string]any) StatusSignal {
	return StatusSignal{
		Code:        looseString(m, "status_code", "statusCode", "code"),
		Status:      looseString(m, "status", "state"),
		Description: looseString(m, "message", "description", "status_description", "statusDescription", "detail"),
	}
}

func decodeLoose(body []byte) (map[string]any, error) {
	m := map[string]any{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("undecodable gateway payload: %w", err)
	}
	return m, nil
}

// looseString returns the first present key rendered as a trimmed string.
// Gateways are inconsistent about numeric vs string fields, so numbers
// are formatted back to their literal form.
func looseString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			if t == float64(int64(t)) {
				return strconv.FormatInt(int64(t), 10)
			}
			return strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(t)
		}
	}
	return ""
}

// FormatAmount renders minor units as the decimal string the aggregator
// expects: XAF has no subunit ("6000"), USD is sent with cents ("20.00").
func FormatAmount(amount int64, currency plans.Currency) string {
	exp := currency.Exponent()
	if exp == 0 {
		return strconv.FormatInt(amount, 10)
	}
	div := int64(1)
	for i := 0; i < exp; i++ {
		div *= 10
	}
	return fmt.Sprintf("%d.%0*d", amount/div, exp, amount%div)
}

// CanonicalizeMSISDN normalizes Cameroonian phone numbers to the
// international 237XXXXXXXXX form. Accepted inputs include
// "+237 6 70 00 00 01", "00237670000001" and the local "670000001".
func CanonicalizeMSISDN(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
			// separator noise
		default:
			return "", fmt.Errorf("phone number contains invalid character %q", r)
		}
	}

	digits := strings.TrimPrefix(b.String(), "00")
	switch {
	case len(digits) == 9 && digits[0] == '6':
		return "237" + digits, nil
	case len(digits) == 12 && strings.HasPrefix(digits, "2376"):
		return digits, nil
	}
	return "", fmt.Errorf("unrecognized phone number format: %s", strings.TrimSpace(raw))
}
