package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"gravity-gateway/internal/config"
	"gravity-gateway/internal/gateway"
	"gravity-gateway/internal/models"
	"gravity-gateway/internal/provider"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 120 * time.Second
	idleTimeout         = 120 * time.Second
)

// Server is the inbound HTTP surface of the gateway.
type Server struct {
	cfg      config.Config
	gw       *gateway.Gateway
	app      *echo.Echo
	validate *validator.Validate
	address  string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, gw *gateway.Gateway) (*Server, error) {
	if gw == nil {
		return nil, errors.New("gateway must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))

	srv := &Server{
		cfg:      cfg,
		gw:       gw,
		app:      e,
		validate: validator.New(),
		address:  fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler exposes the echo handler for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/chat/completions", s.handleChatCompletions)
	s.app.GET("/chat/completions", s.handleCatalog)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req models.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	if violations := s.validateRequest(req); len(violations) > 0 {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: strings.Join(violations, "; "),
		}
	}

	resp, err := s.gw.Complete(c.Request().Context(), req)
	if err != nil {
		return toHTTPError(err)
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCatalog(c echo.Context) error {
	entries := s.gw.Catalog(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}

// validateRequest returns one human-readable entry per violation so a
// malformed payload reports every problem at once.
func (s *Server) validateRequest(req models.ChatRequest) []string {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return []string{"request payload is invalid"}
	}

	violations := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		violations = append(violations, describeViolation(fe))
	}
	return violations
}

func describeViolation(fe validator.FieldError) string {
	// Namespace looks like "ChatRequest.Messages[1].Role".
	path := fe.Namespace()
	if i := strings.Index(path, "."); i >= 0 {
		path = path[i+1:]
	}
	path = strings.ToLower(path)

	switch {
	case path == "model":
		return `"model" is required and must be a non-empty string`
	case path == "messages":
		return `"messages" must be a non-empty array`
	case strings.HasSuffix(path, ".role"):
		return fmt.Sprintf(`%s must include a non-empty "role"`, strings.TrimSuffix(path, ".role"))
	case strings.HasSuffix(path, ".content"):
		return fmt.Sprintf(`%s must include a non-empty "content"`, strings.TrimSuffix(path, ".content"))
	default:
		return fmt.Sprintf("%s is invalid", path)
	}
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Details string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(c echo.Context, status int, message, details string) error {
	return c.JSON(status, errorBody{Error: message, Details: details})
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Details)
		return
	}

	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		_ = writeError(c, echoErr.Code, fmt.Sprintf("%v", echoErr.Message), "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "")
}

// toHTTPError maps gateway failures onto HTTP statuses.
func toHTTPError(err error) error {
	var notFound *gateway.NotFoundError
	if errors.As(err, &notFound) {
		return requestError{
			Status:  http.StatusNotFound,
			Message: notFound.Error(),
		}
	}

	if errors.Is(err, provider.ErrStreamingUnsupported) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "streaming responses are not supported",
		}
	}

	var callErr *provider.CallError
	if errors.As(err, &callErr) {
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: callErr.Message,
			Details: fmt.Sprintf("provider %s call failed", callErr.Provider),
		}
	}

	if errors.Is(err, provider.ErrNormalize) {
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "Failed to process response from provider.",
		}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Details: err.Error(),
	}
}
