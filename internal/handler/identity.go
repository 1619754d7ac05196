package handler

import (
	"context"
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/auth"
	"github.com/sakif/classhub/internal/model"
)

// Identities resolves a validated token subject to its principal.
// *service.AuthService satisfies it.
type Identities interface {
	IdentityByID(ctx context.Context, id string) (*model.Identity, error)
}

// currentIdentity returns the principal behind a RequireAuth-protected
// request. A token whose user no longer exists is treated like a missing
// token.
func currentIdentity(w http.ResponseWriter, r *http.Request, identities Identities) (*model.Identity, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return nil, false
	}

	identity, err := identities.IdentityByID(r.Context(), userID)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			writeUnauthorized(w)
		} else {
			writeError(w, err)
		}
		return nil, false
	}
	return identity, true
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error:   "unauthorized",
		Message: "sign in required",
	})
}

func formatLimit(limit int64) string {
	return humanize.IBytes(uint64(limit))
}
