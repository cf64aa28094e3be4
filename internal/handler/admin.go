package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"ssr-proxy-go/internal/admin"
)

// AdminHandler serves the admin account form endpoints.
type AdminHandler struct {
	service *admin.Service
	logger  *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(svc *admin.Service, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service: svc,
		logger:  logger.With("component", "admin_handler"),
	}
}

// Dispatch routes a request under the admin prefix by the path that follows it.
func (h *AdminHandler) Dispatch(c echo.Context) error {
	switch c.Param("*") {
	case "schema":
		return h.Schema(c)
	case "init":
		return h.Init(c)
	case "login":
		return h.Login(c)
	default:
		return h.InvalidPath(c)
	}
}

// Schema returns the form schema.
func (h *AdminHandler) Schema(c echo.Context) error {
	if c.Request().Method != http.MethodGet {
		return invalidMethod(c)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"fields": h.service.Schema().Fields(),
	})
}

// Init creates an admin account from a multipart form.
func (h *AdminHandler) Init(c echo.Context) error {
	if c.Request().Method != http.MethodPost {
		return invalidMethod(c)
	}
	req := c.Request()
	body := http.MaxBytesReader(c.Response(), req.Body, admin.MaxFormBytes)
	u, err := h.service.Register(req.Context(), req.Header.Get(echo.HeaderContentType), body)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"id":       u.ID,
		"username": u.Username,
	})
}

// Login checks admin credentials from a multipart form.
func (h *AdminHandler) Login(c echo.Context) error {
	if c.Request().Method != http.MethodPost {
		return invalidMethod(c)
	}
	req := c.Request()
	body := http.MaxBytesReader(c.Response(), req.Body, admin.MaxFormBytes)
	u, err := h.service.Login(req.Context(), req.Header.Get(echo.HeaderContentType), body)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"username": u.Username,
	})
}

// InvalidPath answers any other path under the admin prefix.
func (h *AdminHandler) InvalidPath(c echo.Context) error {
	return c.String(http.StatusNotFound, "Invalid path")
}

func invalidMethod(c echo.Context) error {
	return c.String(http.StatusMethodNotAllowed, "Invalid method")
}

func (h *AdminHandler) mapError(c echo.Context, err error) error {
	var (
		ve     *admin.ValidationError
		tooBig *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooBig):
		return c.String(http.StatusRequestEntityTooLarge, "Form too large")
	case errors.Is(err, admin.ErrInvalidBoundary):
		return c.String(http.StatusBadRequest, "Invalid boundary")
	case errors.Is(err, admin.ErrMalformedForm):
		return c.String(http.StatusBadRequest, "Malformed form")
	case errors.As(err, &ve):
		return c.String(http.StatusBadRequest, ve.Error())
	case errors.Is(err, admin.ErrDuplicate):
		return c.String(http.StatusConflict, "username already exists")
	case errors.Is(err, admin.ErrInvalidCredentials):
		return c.String(http.StatusUnauthorized, "invalid credentials")
	}

	h.logger.Error("admin request failed", "err", err, "path", c.Request().URL.Path)
	return c.String(http.StatusInternalServerError, "internal error")
}
