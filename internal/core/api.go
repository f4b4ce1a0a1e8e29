package core

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/eteran/blobsilo/internal/auth"
)

type healthResponse struct {
	Status string `json:"status"`
}

type uploadFileResponse struct {
	BlobID string `json:"blob_id"`
	Digest string `json:"digest"`
}

// writeJSON writes v as the JSON body of a response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError writes err as a JSON error response. Errors that did not come
// from the facade are reported as io_failure without detail.
func writeError(w http.ResponseWriter, err error) {
	e, ok := err.(*Error)
	if !ok {
		e = &Error{Code: CodeIOFailure, Message: maskedMessages[CodeIOFailure]}
	}
	writeJSON(w, e.HTTPStatus(), e)
}

// userHolder lets the authentication middleware report the user back to the
// logging middleware that wraps it.
type userHolder struct {
	user *auth.User
}

type userHolderKey struct{}

func withUserHolder(ctx context.Context, h *userHolder) context.Context {
	return context.WithValue(ctx, userHolderKey{}, h)
}

func userHolderFrom(ctx context.Context) *userHolder {
	h, _ := ctx.Value(userHolderKey{}).(*userHolder)
	return h
}
