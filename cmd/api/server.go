package main

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"tradeflow/apperror"
	"tradeflow/auth"
	"tradeflow/contract"
	"tradeflow/logging"
	"tradeflow/negotiation"
	"tradeflow/reconcile"
	"tradeflow/webhook"
)

var (
	errUnauthenticated = apperror.New(http.StatusUnauthorized, "UNAUTHENTICATED", "missing or invalid bearer token")
	errAdminOnly       = apperror.New(http.StatusForbidden, "ADMIN_REQUIRED", "operation requires an admin")
)

// negotiationEngine is the slice of negotiation.Service the HTTP layer uses.
type negotiationEngine interface {
	Initiate(ctx context.Context, actor auth.Actor, in negotiation.InitiateInput) (negotiation.Result, error)
	Get(ctx context.Context, negotiationID string, actor auth.Actor) (negotiation.Snapshot, error)
	List(ctx context.Context, actor auth.Actor, f negotiation.ListFilter) ([]negotiation.Negotiation, error)
	Counter(ctx context.Context, negotiationID string, actor auth.Actor, in negotiation.OfferInput) (negotiation.Result, error)
	Accept(ctx context.Context, negotiationID string, actor auth.Actor, in negotiation.AcceptInput) (negotiation.Result, error)
	Sign(ctx context.Context, negotiationID string, actor auth.Actor, in negotiation.SignInput) (negotiation.Result, error)
	Fund(ctx context.Context, negotiationID string, actor auth.Actor, in negotiation.MoneyInput) (negotiation.Result, error)
	Release(ctx context.Context, negotiationID string, actor auth.Actor, in negotiation.MoneyInput) (negotiation.Result, error)
	Refund(ctx context.Context, negotiationID string, actor auth.Actor, in negotiation.MoneyInput) (negotiation.Result, error)
	Cancel(ctx context.Context, negotiationID string, actor auth.Actor, in negotiation.CancelInput) (negotiation.Result, error)
	CreateRevision(ctx context.Context, negotiationID string, actor auth.Actor, in negotiation.RevisionInput) (negotiation.Result, error)
	AddRevisionComment(ctx context.Context, negotiationID, revisionID string, actor auth.Actor, in negotiation.CommentInput) (negotiation.Result, error)
	ResolveRevisionComment(ctx context.Context, negotiationID, revisionID, commentID string, actor auth.Actor) (negotiation.Result, error)
	CompareRevisions(ctx context.Context, negotiationID string, actor auth.Actor, fromVersion, toVersion int) (contract.Diff, error)
	OpenDispute(ctx context.Context, negotiationID string, actor auth.Actor, in negotiation.DisputeInput) (negotiation.Result, error)
	ResolveDispute(ctx context.Context, negotiationID, disputeID string, actor auth.Actor, in negotiation.ResolveDisputeInput) (negotiation.Result, error)
}

type reconciler interface {
	RunOnce(ctx context.Context) ([]reconcile.Result, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Server owns the HTTP surface of the engine.
type Server struct {
	negotiations negotiationEngine
	reconciler   reconciler
	webhooks     *webhook.Handler
	verifier     *auth.Verifier
	db           pinger
	logger       *zap.Logger
}

// Echo builds the router with middleware and every route mounted.
func (s *Server) Echo() *echo.Echo {
	s.logger = logging.OrNop(s.logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware("tradeflow-api"))
	e.Use(s.requestLogger())

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if s.webhooks != nil {
		s.webhooks.Register(e)
	}

	api := e.Group("/api", s.authenticate)
	api.POST("/negotiations", s.handleInitiate)
	api.GET("/negotiations", s.handleList)
	api.GET("/negotiations/:id", s.handleGet)
	api.POST("/negotiations/:id/counter", s.handleCounter)
	api.POST("/negotiations/:id/accept", s.handleAccept)
	api.POST("/negotiations/:id/sign", s.handleSign)
	api.POST("/negotiations/:id/escrow/fund", s.handleFund)
	api.POST("/negotiations/:id/escrow/release", s.handleRelease)
	api.POST("/negotiations/:id/escrow/refund", s.handleRefund)
	api.POST("/negotiations/:id/cancel", s.handleCancel)
	api.POST("/negotiations/:id/revisions", s.handleCreateRevision)
	api.GET("/negotiations/:id/revisions/compare", s.handleCompareRevisions)
	api.POST("/negotiations/:id/revisions/:revisionId/comments", s.handleAddComment)
	api.POST("/negotiations/:id/revisions/:revisionId/comments/:commentId/resolve", s.handleResolveComment)
	api.POST("/negotiations/:id/disputes", s.handleOpenDispute)
	api.POST("/negotiations/:id/disputes/:disputeId/resolve", s.handleResolveDispute)

	admin := e.Group("/admin", s.authenticate, requireAdmin)
	admin.POST("/reconciliation/run", s.handleReconcile)

	return e
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" || s.verifier == nil {
			return errUnauthenticated
		}
		actor, err := s.verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			return errUnauthenticated
		}
		req := c.Request()
		c.SetRequest(req.WithContext(auth.WithActor(req.Context(), actor)))
		return next(c)
	}
}

func requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !actorOf(c).IsAdmin {
			return errAdminOnly
		}
		return next(c)
	}
}

func actorOf(c echo.Context) auth.Actor {
	actor, _ := auth.ActorFrom(c.Request().Context())
	return actor
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				s.logger.Warn("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			s.logger.Info("request", fields...)
			return nil
		},
	})
}

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// handleError renders every failure as {"error":{code,message,details}}.
// Errors that are not *apperror.Error never leak their text.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && m != "" {
			msg = m
		}
		_ = c.JSON(he.Code, errorBody{Error: errorPayload{Code: httpCode(he.Code), Message: msg}})
		return
	}

	appErr, ok := apperror.From(err)
	if !ok {
		s.logger.Error("unhandled error",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		appErr = apperror.ErrInternal
	} else if appErr.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("code", appErr.Code), zap.Error(err))
	}

	_ = c.JSON(appErr.Status, errorBody{Error: errorPayload{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}})
}

func httpCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnsupportedMediaType:
		return "UNSUPPORTED_MEDIA_TYPE"
	case http.StatusRequestEntityTooLarge:
		return "PAYLOAD_TOO_LARGE"
	}
	if status >= http.StatusInternalServerError {
		return "INTERNAL_ERROR"
	}
	return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// requestValidator adapts validator/v10 to echo and reports failures as
// VALIDATION_FAILED with one message per JSON field.
type requestValidator struct {
	v *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{v: v}
}

func (r *requestValidator) Validate(i any) error {
	err := r.v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.Validation("", map[string]string{"body": err.Error()})
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = describe(fe)
	}
	return apperror.Validation("", fields)
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min", "gte":
		return "must be at least " + fe.Param()
	}
	return "is invalid"
}
