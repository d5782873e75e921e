package httpserver

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gopkg.in/go-playground/validator.v9"
)

var agentHost = os.Getenv("JAEGER_AGENT_HOST")
var serviceName = os.Getenv("JAEGER_SERVICE_NAME")

type Routes interface {
	Register(router *echo.Echo)
}

// Register builds the echo instance with recovery, access logging,
// request validation and the prometheus endpoint, then lets routes attach
// their handlers.
func Register(logger *zap.Logger, routes Routes) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(Logger(logger))

	e.Pre(middleware.RemoveTrailingSlash())

	e.Validator = customValidator{
		validate: validator.New(),
	}

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	routes.Register(e)

	return e
}

// RegisterAndStart serves routes on address until ctx is done. Traces are
// exported to jaeger when JAEGER_AGENT_HOST is set.
func RegisterAndStart(ctx context.Context, logger *zap.Logger, address string, routes Routes) error {
	e := Register(logger, routes)

	if agentHost != "" {
		tp, err := initTracer()
		if err != nil {
			logger.Error("failed to init tracer", zap.Error(err))
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					logger.Error("failed to shutdown tracer", zap.Error(err))
				}
			}()
			e.Use(otelecho.Middleware(serviceName))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", zap.String("address", address))
		errCh <- e.Start(address)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}

type customValidator struct {
	validate *validator.Validate
}

func (v customValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

func QueryArrayParam(ctx echo.Context, paramName string) []string {
	var values []string
	for k, v := range ctx.QueryParams() {
		if k == paramName || k == paramName+"[]" {
			values = append(values, v...)
		}
	}
	return values
}

func initTracer() (*sdktrace.TracerProvider, error) {
	exporter, err := jaeger.New(jaeger.WithAgentEndpoint(jaeger.WithAgentHost(agentHost)))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp, nil
}
