package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/common/errors"
	"github.com/anyon/anyon/internal/common/logger"
)

// ErrorHandler renders errors attached with c.Error as AppError JSON bodies.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := errors.AsAppError(c.Errors.Last().Err)
		if appErr.HTTPStatus >= 500 {
			log.Error("request failed",
				zap.String("code", appErr.Code),
				zap.String("path", c.Request.URL.Path),
				zap.Error(appErr))
		}
		c.JSON(appErr.HTTPStatus, appErr)
	}
}

// Recovery recovers from panics and logs them.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					errors.InternalError("an internal server error occurred", nil))
			}
		}()

		c.Next()
	}
}
