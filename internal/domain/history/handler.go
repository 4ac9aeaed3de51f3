package history

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/pkg/pagination"
)

type Handler struct {
	log *Log
}

func NewHandler(log *Log) *Handler {
	return &Handler{log: log}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients/:hn/timeline", h.Timeline)
	api.GET("/patients/:hn/history", h.History)
}

func (h *Handler) Timeline(c echo.Context) error {
	entries, err := h.log.TimelineFor(c.Request().Context(), c.Param("hn"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": entries})
}

func (h *Handler) History(c echo.Context) error {
	pg := pagination.FromContext(c)
	entries, total, err := h.log.ListByPatient(c.Request().Context(), c.Param("hn"), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}
