package gin

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// pathID parses the :id path parameter, answering 400 when it is not a UUID.
func pathID(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid_id", "invalid "+what+" ID")
		return uuid.Nil, false
	}
	return id, true
}

// bindOptionalJSON binds the body into req, accepting an empty body.
func bindOptionalJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid_input", err.Error())
		return false
	}
	return true
}

// chain returns middleware followed by h in a fresh slice.
func chain(middleware []gin.HandlerFunc, h gin.HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, 0, len(middleware)+1)
	out = append(out, middleware...)
	return append(out, h)
}
