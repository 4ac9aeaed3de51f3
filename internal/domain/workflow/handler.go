package workflow

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/domain/policy"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients/:hn/transitions", h.RequestTransition)
	api.GET("/policy/edges", h.ListEdges)
	api.GET("/stage-events", h.ListEvents)
	api.POST("/stage-events/:id/retry", h.RetryEvent)
}

type transitionRequest struct {
	Target        string `json:"target"`
	ExpectedFrom  string `json:"expected_from"`
	Note          string `json:"note"`
	ScheduledDate string `json:"scheduled_date"`
	ScheduledTime string `json:"scheduled_time"`
}

func (h *Handler) RequestTransition(c echo.Context) error {
	var body transitionRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	target, ok := policy.ParseStage(body.Target)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown target stage: "+body.Target)
	}
	var expected policy.Stage
	if body.ExpectedFrom != "" {
		if expected, ok = policy.ParseStage(body.ExpectedFrom); !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown expected_from stage: "+body.ExpectedFrom)
		}
	}

	ctx := c.Request().Context()
	result, err := h.svc.RequestTransition(ctx, TransitionRequest{
		HN:            c.Param("hn"),
		Target:        target,
		ExpectedFrom:  expected,
		Actor:         policy.ActorFromContext(ctx),
		Note:          body.Note,
		ScheduledDate: body.ScheduledDate,
		ScheduledTime: body.ScheduledTime,
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, result)
}

type edgeView struct {
	From         policy.Stage  `json:"from"`
	To           policy.Stage  `json:"to"`
	Roles        []policy.Role `json:"roles"`
	RequiredRole string        `json:"required_role"`
	AllowedForMe bool          `json:"allowed_for_me"`
}

// ListEdges describes every transition and whether the caller may take it.
func (h *Handler) ListEdges(c echo.Context) error {
	actor := policy.ActorFromContext(c.Request().Context())
	pol := h.svc.Policy()
	rules := pol.Edges()
	out := make([]edgeView, 0, len(rules))
	for _, r := range rules {
		out = append(out, edgeView{
			From:         r.Edge.From,
			To:           r.Edge.To,
			Roles:        r.Requirement.Roles,
			RequiredRole: r.Requirement.String(),
			AllowedForMe: pol.CanTransition(actor.Role, r.Edge.From, r.Edge.To),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"role": actor.Role,
		"data": out,
	})
}

func (h *Handler) ListEvents(c echo.Context) error {
	if policy.ActorFromContext(c.Request().Context()).Role != policy.RoleAdmin {
		return echo.NewHTTPError(http.StatusForbidden, "required role: admin")
	}
	status := EventStatus(c.QueryParam("status"))
	if status == "" {
		status = EventAbandoned
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListEvents(c.Request().Context(), status, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) RetryEvent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	ev, err := h.svc.RetryEvent(ctx, id, policy.ActorFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, ev)
}
