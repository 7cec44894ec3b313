package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"
)

var (
	deliveryHTML = template.Must(template.New("delivery").Parse(`<p>Hi,</p>
<p>Your personalised meal plan is ready.</p>
<p><a href="{{.Link}}">Download your plan (PDF)</a></p>
<p>The link stays valid until {{.Expires}}. If it expires, reply to this email and we will send a new one.</p>
<p>Planbox</p>`))

	refundHTML = template.Must(template.New("refund").Parse(`<p>Hi,</p>
<p>We could not deliver your meal plan on time, so we refunded your payment of {{.Amount}}.</p>
<p>The refund usually shows up on your statement within 5 to 10 business days.</p>
<p>We are sorry for the trouble.</p>
<p>Planbox</p>`))
)

// DeliveryEmail builds the message carrying the download link for a plan.
func DeliveryEmail(to, paymentID, link string, expires time.Time) (Message, error) {
	data := struct {
		Link    string
		Expires string
	}{Link: link, Expires: expires.UTC().Format("2 Jan 2006 15:04 MST")}
	var buf bytes.Buffer
	if err := deliveryHTML.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("notify: render delivery email: %w", err)
	}
	return Message{
		To:             to,
		Subject:        "Your meal plan is ready",
		HTML:           buf.String(),
		Text:           "Your personalised meal plan is ready: " + link + "\nThe link stays valid until " + data.Expires + ".",
		IdempotencyKey: "delivery-" + paymentID,
		Tags:           map[string]string{"kind": "delivery", "payment_id": paymentID},
	}, nil
}

// RefundEmail tells the customer an SLA compensation refund was issued.
func RefundEmail(to, paymentID string, amountMinor int64, currency string) (Message, error) {
	amount := FormatAmount(amountMinor, currency)
	var buf bytes.Buffer
	if err := refundHTML.Execute(&buf, struct{ Amount string }{amount}); err != nil {
		return Message{}, fmt.Errorf("notify: render refund email: %w", err)
	}
	return Message{
		To:             to,
		Subject:        "We refunded your order",
		HTML:           buf.String(),
		Text:           "We could not deliver your meal plan on time, so we refunded your payment of " + amount + ".",
		IdempotencyKey: "refund-" + paymentID,
		Tags:           map[string]string{"kind": "sla_refund", "payment_id": paymentID},
	}, nil
}

// FormatAmount renders minor units as "12.34 EUR".
func FormatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, strings.ToUpper(currency))
}
