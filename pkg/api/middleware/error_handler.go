package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/taskwing/taskwing/pkg/api/dto"
)

// ErrorHandler recovers from handler panics and turns errors attached
// to the gin context into a consistent JSON body. Runner-facing
// endpoints abort themselves with AbortWithDetail instead and never
// reach the c.Errors path.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
					Error:   "Internal Server Error",
					Message: "An unexpected error occurred",
					Code:    "INTERNAL_ERROR",
				})
				c.Abort()
			}
		}()

		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		status := c.Writer.Status()
		if status == http.StatusOK {
			status = http.StatusInternalServerError
		}
		c.JSON(status, dto.ErrorResponse{
			Error:   http.StatusText(status),
			Message: c.Errors.Last().Error(),
		})
	}
}

// AbortWithError writes the control-plane error envelope and stops the
// handler chain.
func AbortWithError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    code,
	})
	c.Abort()
}

// AbortWithDetail writes the execution API `{"detail": ...}` envelope;
// detail is either a plain string or a structured dto.ErrorDetail.
func AbortWithDetail(c *gin.Context, statusCode int, detail interface{}) {
	c.JSON(statusCode, dto.DetailResponse{Detail: detail})
	c.Abort()
}
