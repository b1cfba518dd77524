package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/xacoord/api"
	"pkt.systems/xacoord/internal/correlation"
	"pkt.systems/xacoord/internal/svcfields"
)

// DefaultJSONMaxBytes bounds request bodies when no limit is configured.
// AFS chunks travel base64 encoded inside execute arguments.
const DefaultJSONMaxBytes int64 = 8 << 20

const tracerName = "pkt.systems/xacoord/httpapi"

type handlerFunc func(http.ResponseWriter, *http.Request) error

// router carries what every route needs: request logging, correlation,
// tracing and error rendering.
type router struct {
	logger       pslog.Logger
	tracer       trace.Tracer
	tracing      bool
	jsonMaxBytes int64
}

func newRouter(logger pslog.Logger, tracing bool, jsonMaxBytes int64) router {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if jsonMaxBytes <= 0 {
		jsonMaxBytes = DefaultJSONMaxBytes
	}
	return router{
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
		tracing:      tracing,
		jsonMaxBytes: jsonMaxBytes,
	}
}

// subsystem maps an operation such as "txn.begin" or "participant/prepare"
// to its log subsystem.
func subsystem(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		return strings.ContainsRune("./-_", r)
	})
	return strings.Join(append([]string{"api", "http"}, parts...), ".")
}

func newRequestID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// wrap adapts fn into a handler that scopes a request logger, resolves the
// correlation id, optionally traces the call and renders returned errors.
func (rt router) wrap(operation string, fn handlerFunc) http.Handler {
	sys := subsystem(operation)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, corr := correlation.FromRequest(r)
		span := trace.SpanFromContext(ctx)
		if rt.tracing {
			ctx, span = rt.tracer.Start(ctx, "xacoord.tx."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("xacoord.sys", sys),
					attribute.String("xacoord.operation", operation),
					attribute.String("xacoord.route", r.URL.Path),
					attribute.String("xacoord.correlation_id", corr),
				),
			)
			defer span.End()
		}
		logger := svcfields.WithSubsystem(rt.logger, sys).With(
			"req_id", newRequestID(),
			"cid", corr,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		w.Header().Set(correlation.HeaderName, corr)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		err := fn(w, r.WithContext(ctx))
		elapsed := time.Since(start)
		if err == nil {
			logger.Trace("http.request.complete", "elapsed", elapsed)
			return
		}
		if rt.tracing {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			var httpErr httpError
			if errors.As(err, &httpErr) {
				span.SetAttributes(
					attribute.String("xacoord.error_code", httpErr.Code),
					attribute.Int("xacoord.error_status", httpErr.Status),
				)
			}
		}
		logger.Debug("http.request.error", "elapsed", elapsed, "error", err)
		rt.handleError(ctx, w, err)
	})
	if !rt.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, "xacoord.http."+operation,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

type httpError struct {
	Status      int
	Code        string
	Detail      string
	Phase       string
	TxnID       string
	Participant string
	RetryAfter  int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (rt router) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := svcfields.FromContext(ctx, rt.logger)
	var httpErr httpError
	if !errors.As(err, &httpErr) {
		logger.Error("http.request.internal_error", "error", err)
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
			ErrorCode: "internal_error",
			Detail:    "internal server error",
		}, nil)
		return
	}
	logger.Debug("http.request.failure",
		"status", httpErr.Status,
		"code", httpErr.Code,
		"detail", httpErr.Detail,
		"phase", httpErr.Phase,
		"txn_id", httpErr.TxnID,
		"participant", httpErr.Participant,
	)
	var headers map[string]string
	if httpErr.RetryAfter > 0 {
		headers = map[string]string{"Retry-After": strconv.FormatInt(httpErr.RetryAfter, 10)}
	}
	writeJSON(w, httpErr.Status, api.ErrorResponse{
		ErrorCode:         httpErr.Code,
		Detail:            httpErr.Detail,
		Phase:             httpErr.Phase,
		TxnID:             httpErr.TxnID,
		Participant:       httpErr.Participant,
		RetryAfterSeconds: httpErr.RetryAfter,
	}, headers)
}

func requireMethod(r *http.Request, method string) error {
	if r.Method != method {
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: r.Method + " not allowed"}
	}
	return nil
}
