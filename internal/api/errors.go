package api

import (
	"net/http"

	"shop-service/internal/apperr"

	"github.com/gin-gonic/gin"
)

var statusByKind = map[apperr.Kind]int{
	apperr.KindNotFound:          http.StatusNotFound,
	apperr.KindInvalidInput:      http.StatusBadRequest,
	apperr.KindInsufficientStock: http.StatusConflict,
	apperr.KindEmptyCart:         http.StatusConflict,
	apperr.KindConflict:          http.StatusConflict,
	apperr.KindAmountMismatch:    http.StatusUnprocessableEntity,
	apperr.KindInvalidTransition: http.StatusUnprocessableEntity,
	apperr.KindUnauthenticated:   http.StatusUnauthorized,
}

// StatusFor maps an error to its HTTP status
func StatusFor(err error) int {
	if status, ok := statusByKind[apperr.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func errorBody(err error) gin.H {
	body := gin.H{"code": string(apperr.KindOf(err))}
	if e := apperr.As(err); e != nil {
		body["message"] = e.Message()
		if e.Entity() != "" {
			body["entity"] = e.Entity()
		}
		if e.ID() != nil {
			body["id"] = e.ID()
		}
	} else {
		// internal details stay in the logs
		body["message"] = "internal server error"
	}
	return gin.H{"error": body}
}

func writeError(c *gin.Context, err error) {
	c.JSON(StatusFor(err), errorBody(err))
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(StatusFor(err), errorBody(err))
}
