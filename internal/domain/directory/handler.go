package directory

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/domain/policy"
)

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/staff/:account", h.GetAccount)
	api.PUT("/staff/:account", h.PutAccount)
}

type accountRequest struct {
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Active      *bool  `json:"active"`
}

func (h *Handler) GetAccount(c echo.Context) error {
	a, err := h.repo.GetByAccount(c.Request().Context(), c.Param("account"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "account not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, a)
}

// PutAccount registers or updates a staff account. Administrators only.
func (h *Handler) PutAccount(c echo.Context) error {
	if policy.ActorFromContext(c.Request().Context()).Role != policy.RoleAdmin {
		return echo.NewHTTPError(http.StatusForbidden, "required role: admin")
	}
	var req accountRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "display_name is required")
	}
	if policy.NormalizeRole(req.Role) == policy.RoleNone {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown role: "+req.Role)
	}

	a := &Account{
		Account:     c.Param("account"),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Role:        req.Role,
		Active:      req.Active == nil || *req.Active,
	}
	if err := h.repo.Upsert(c.Request().Context(), a); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, a)
}
