package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bhashasuraksha/pipeline/cluster"
	"github.com/bhashasuraksha/pipeline/orchestrator"
	"github.com/bhashasuraksha/pipeline/store"
)

var errBadRequest = errors.New("bad request")

func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest),
		errors.Is(err, orchestrator.ErrNotAudio),
		errors.Is(err, orchestrator.ErrBadURL):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrUpstream),
		errors.Is(err, orchestrator.ErrEmptyEmbedding):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// describable reports whether err's message is safe to hand to the client
// even though the request failed with a 500.
func describable(err error) bool {
	return errors.Is(err, cluster.ErrDataIntegrity) ||
		errors.Is(err, cluster.ErrDimensionMismatch) ||
		errors.Is(err, cluster.ErrDegenerateVector) ||
		errors.Is(err, cluster.ErrNonFinite) ||
		errors.Is(err, cluster.ErrInvalidCount)
}

// fail aborts the request with {"detail": ...}. Unexpected internal errors
// are not echoed to the client.
func fail(c *gin.Context, err error) {
	code := statusFor(err)
	_ = c.Error(err)
	detail := err.Error()
	if code == http.StatusInternalServerError && !describable(err) {
		detail = "internal error"
	}
	c.AbortWithStatusJSON(code, gin.H{"detail": detail})
}
