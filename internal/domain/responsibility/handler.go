package responsibility

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/domain/policy"
	"github.com/ehr/intake/internal/platform/apperr"
)

type Handler struct {
	reg *Registry
}

func NewHandler(reg *Registry) *Handler {
	return &Handler{reg: reg}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients/:hn/responsible", h.List)
	api.POST("/patients/:hn/responsible", h.Add)
	api.DELETE("/patients/:hn/responsible/:account", h.Remove)
}

type addRequest struct {
	Account string `json:"account"`
}

func (h *Handler) List(c echo.Context) error {
	records, err := h.reg.ListResponsible(c.Request().Context(), c.Param("hn"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  records,
		"total": len(records),
	})
}

func (h *Handler) Add(c echo.Context) error {
	var req addRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	rec, err := h.reg.AddResponsible(ctx, c.Param("hn"), strings.TrimSpace(req.Account), policy.ActorFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) Remove(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.reg.RemoveResponsible(ctx, c.Param("hn"), c.Param("account"), policy.ActorFromContext(ctx)); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}
