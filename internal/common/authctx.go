package common

import "context"

type ctxKey string

const (
	operatorKey     ctxKey = "auth/operator"
	operatorSlotKey ctxKey = "auth/operator-slot"
)

// WithOperator stores the authenticated operator identity on the context.
func WithOperator(ctx context.Context, id string) context.Context {
	if slot, ok := ctx.Value(operatorSlotKey).(*string); ok {
		*slot = id
	}
	return context.WithValue(ctx, operatorKey, id)
}

// Operator returns the operator identity placed on the context by the auth middleware.
func Operator(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(operatorKey).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// TrackOperator installs a slot filled by WithOperator further down the
// handler chain. Outer middleware reads it after the handler returns.
func TrackOperator(ctx context.Context) (context.Context, func() string) {
	slot := new(string)
	return context.WithValue(ctx, operatorSlotKey, slot), func() string { return *slot }
}
