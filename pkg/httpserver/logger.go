package httpserver

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes one access log line per request. Routes with an :id path
// parameter also log it as subscription_id so requests can be joined with
// the state machine logs.
func Logger(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if strings.HasPrefix(c.Request().URL.Path, "/metrics") {
				return next(c)
			}

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req, res := c.Request(), c.Response()
			fields := []zap.Field{
				zap.String("remote_ip", c.RealIP()),
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.String("route", c.Path()),
				zap.Int("status", res.Status),
				zap.Int64("size", res.Size),
				zap.Duration("latency", time.Since(start)),
			}
			if id := c.Param("id"); id != "" {
				fields = append(fields, zap.String("subscription_id", id))
			}
			if rid := req.Header.Get(echo.HeaderXRequestID); rid != "" {
				fields = append(fields, zap.String("request_id", rid))
			}

			switch level(res.Status) {
			case zap.ErrorLevel:
				log.Error("server error", append(fields, zap.Error(err))...)
			case zap.WarnLevel:
				log.Warn("client error", append(fields, zap.Error(err))...)
			default:
				log.Info("request served", fields...)
			}
			return nil
		}
	}
}

func level(status int) zapcore.Level {
	switch {
	case status >= 500:
		return zap.ErrorLevel
	case status >= 400:
		return zap.WarnLevel
	default:
		return zap.InfoLevel
	}
}
