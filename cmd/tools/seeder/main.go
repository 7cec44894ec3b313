package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/planbox/internal/app"
	"github.com/noah-isme/planbox/internal/config"
	"github.com/noah-isme/planbox/internal/db"
	"github.com/noah-isme/planbox/internal/obs"
	"github.com/noah-isme/planbox/internal/webhook"
)

// seeder stores a quiz order and prints, or posts, the signed checkout
// webhook that pays for it. It drives a local stack end to end.
func main() {
	email := flag.String("email", "demo@planbox.local", "customer email")
	days := flag.Int("days", 3, "plan length in days")
	kcal := flag.Int("kcal", 2000, "daily calorie target")
	meals := flag.Int("meals", 3, "meals per day")
	amount := flag.Int64("amount", 1999, "amount in minor units")
	post := flag.String("post", "", "gateway base url to post the webhook to, e.g. http://localhost:8080")
	flag.Parse()

	cfg := config.MustLoad()
	logger := obs.NewLogger("console", cfg.Obs.LogLevel, "planbox-seeder")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	infra, err := app.Connect(ctx, cfg, "planbox-seeder", logger)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer infra.Close(logger)

	params, err := json.Marshal(map[string]any{
		"goal":           "maintain",
		"daily_calories": *kcal,
		"days":           *days,
		"meals_per_day":  *meals,
	})
	if err != nil {
		log.Fatalf("encode parameters: %v", err)
	}
	reference := "quiz-" + uuid.NewString()[:8]
	order, err := infra.Store.InsertOrder(ctx, db.InsertOrderParams{Reference: reference, Email: *email, Parameters: params})
	if err != nil {
		log.Fatalf("insert order: %v", err)
	}
	log.Printf("Order %s stored with reference %s", order.ID, reference)

	data, err := json.Marshal(map[string]any{
		"payment_id":       "pi_seed_" + uuid.NewString()[:12],
		"amount":           *amount,
		"currency":         "EUR",
		"email":            *email,
		"payment_method":   "card",
		"client_reference": reference,
	})
	if err != nil {
		log.Fatalf("encode event: %v", err)
	}
	body, err := json.Marshal(webhook.Event{
		ID:      "evt_seed_" + uuid.NewString()[:12],
		Type:    webhook.TypeCheckoutCompleted,
		Created: time.Now().Unix(),
		Data:    data,
	})
	if err != nil {
		log.Fatalf("encode event: %v", err)
	}
	secret, _, _ := strings.Cut(cfg.Webhook.Secret, ",")
	signature := webhook.Sign([]byte(strings.TrimSpace(secret)), time.Now(), body)

	if *post == "" {
		fmt.Printf("%s: %s\n%s\n", webhook.SignatureHeader, signature, body)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *post+"/webhooks/payment", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, signature)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("post webhook: %v", err)
	}
	defer resp.Body.Close()
	log.Printf("Gateway answered %s", resp.Status)
}
