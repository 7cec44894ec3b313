package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/obs"
)

// APIKeyHeader carries a static operator key.
const APIKeyHeader = "X-Operator-Key"

// Middleware guards admin routes.
type Middleware struct {
	Operators *Operators
	Logger    *zerolog.Logger
}

// RequireOperator rejects requests without valid operator credentials and
// stores the operator identity in the request context.
func (m Middleware) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator, err := m.authenticate(r)
		if err != nil {
			m.reject(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(common.WithOperator(r.Context(), operator)))
	})
}

func (m Middleware) authenticate(r *http.Request) (string, error) {
	if m.Operators == nil {
		return "", errors.New("auth: operators not configured")
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return m.Operators.ParseToken(header[7:])
	}
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return m.Operators.CheckAPIKey(key)
	}
	return "", errUnauthorized
}

func (m Middleware) reject(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *common.AppError
	if !errors.As(err, &appErr) {
		// misconfiguration or hash corruption, not the caller's fault
		if m.Logger != nil {
			m.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("operator authentication failed")
		}
		common.WriteError(w, err)
		return
	}
	if m.Logger != nil {
		obs.SecurityEvent(m.Logger, r, "operator_auth_failed").Err(err).Msg("operator authentication rejected")
	}
	common.WriteError(w, appErr)
}
