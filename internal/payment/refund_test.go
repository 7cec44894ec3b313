package payment_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/planbox/internal/payment"
	"github.com/noah-isme/planbox/internal/resilience"
)

type stripeCall struct {
	form        url.Values
	idempotency string
	auth        string
}

func fakeStripe(t *testing.T, status int, body string) (*httptest.Server, *[]stripeCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []stripeCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/refunds" {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(raw))
		mu.Lock()
		calls = append(calls, stripeCall{form: form, idempotency: r.Header.Get("Idempotency-Key"), auth: r.Header.Get("Authorization")})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestStripeRefundPaymentIntent(t *testing.T) {
	srv, calls := fakeStripe(t, http.StatusOK, `{"id":"re_1","object":"refund","status":"succeeded","amount":1999}`)
	r := payment.NewStripeRefunder(payment.StripeConfig{SecretKey: "sk_test_123", BaseURL: srv.URL, HTTPClient: srv.Client(), Methods: []string{"card", " SEPA_debit "}})

	id, err := r.Refund(context.Background(), payment.RefundRequest{PaymentID: "pi_123", Amount: 1999, Currency: "eur", Reason: payment.ReasonSLACompensation})
	require.NoError(t, err)
	require.Equal(t, "re_1", id)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	require.Equal(t, "pi_123", call.form.Get("payment_intent"))
	require.Empty(t, call.form.Get("charge"))
	require.Equal(t, "1999", call.form.Get("amount"))
	require.Equal(t, "sla_compensation", call.form.Get("metadata[reason]"))
	require.Equal(t, "refund-sla_compensation-pi_123", call.idempotency)
	require.Equal(t, "Bearer sk_test_123", call.auth)

	require.True(t, r.Eligible("CARD"))
	require.True(t, r.Eligible("sepa_debit"))
	require.False(t, r.Eligible("bank_transfer"))
}

func TestStripeRefundCharge(t *testing.T) {
	srv, calls := fakeStripe(t, http.StatusOK, `{"id":"re_2","object":"refund","status":"pending"}`)
	r := payment.NewStripeRefunder(payment.StripeConfig{SecretKey: "sk_test_123", BaseURL: srv.URL, HTTPClient: srv.Client()})

	id, err := r.Refund(context.Background(), payment.RefundRequest{PaymentID: "ch_9", Reason: "manual"})
	require.NoError(t, err)
	require.Equal(t, "re_2", id)
	require.Equal(t, "ch_9", (*calls)[0].form.Get("charge"))
	require.Empty(t, (*calls)[0].form.Get("amount"))
}

func TestStripeRefundAlreadyRefunded(t *testing.T) {
	srv, _ := fakeStripe(t, http.StatusBadRequest, `{"error":{"type":"invalid_request_error","code":"charge_already_refunded","message":"Charge has already been refunded."}}`)
	r := payment.NewStripeRefunder(payment.StripeConfig{SecretKey: "sk_test_123", BaseURL: srv.URL, HTTPClient: srv.Client()})

	id, err := r.Refund(context.Background(), payment.RefundRequest{PaymentID: "pi_123", Reason: payment.ReasonSLACompensation})
	require.NoError(t, err)
	require.Equal(t, "already_refunded", id)
}

func TestStripeRefundClientErrorIsPermanent(t *testing.T) {
	srv, calls := fakeStripe(t, http.StatusBadRequest, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such payment_intent"}}`)
	r := payment.NewStripeRefunder(payment.StripeConfig{SecretKey: "sk_test_123", BaseURL: srv.URL, HTTPClient: srv.Client()})

	_, err := r.Refund(context.Background(), payment.RefundRequest{PaymentID: "pi_missing", Reason: payment.ReasonSLACompensation})
	require.Error(t, err)
	require.True(t, resilience.IsPermanent(err))
	require.Len(t, *calls, 1)
}

func TestStripeRefundFailedStatusIsPermanent(t *testing.T) {
	srv, _ := fakeStripe(t, http.StatusOK, `{"id":"re_3","object":"refund","status":"failed"}`)
	r := payment.NewStripeRefunder(payment.StripeConfig{SecretKey: "sk_test_123", BaseURL: srv.URL, HTTPClient: srv.Client()})

	id, err := r.Refund(context.Background(), payment.RefundRequest{PaymentID: "pi_123", Reason: payment.ReasonSLACompensation})
	require.Equal(t, "re_3", id)
	require.True(t, resilience.IsPermanent(err))
}

func TestDisabledRefunder(t *testing.T) {
	var r payment.Refunder = payment.DisabledRefunder{}
	require.False(t, r.Eligible("card"))
	_, err := r.Refund(context.Background(), payment.RefundRequest{PaymentID: "pi_1"})
	require.ErrorIs(t, err, payment.ErrRefundsDisabled)
}
