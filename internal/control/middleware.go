package control

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/alpharoyale/backend/logging"
)

// RequireBearer wraps an HTTP handler so it only runs once a valid
// Authorization: Bearer <token> header is presented. The verified
// operator subject, plus a freshly minted request ID, are attached to
// the request context so a handler's logs can be traced back to who
// triggered the action and which request produced them.
func (v *Verifier) RequireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		subject, err := v.Verify(parts[1])
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := logging.ContextWithRequestID(r.Context(), uuid.NewString())
		ctx = logging.ContextWithUserID(ctx, subject)
		next(w, r.WithContext(ctx))
	}
}
