package consolidation

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/timeline/internal/ingest"
	"github.com/ehr/timeline/internal/platform/auth"
	"github.com/ehr/timeline/internal/timeline"
	"github.com/ehr/timeline/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleAnalyst))
	read.GET("/runs", h.ListRuns)
	read.GET("/runs/:id", h.GetRun)
	read.GET("/runs/:id/segments", h.ListSegments)
	read.GET("/runs/:id/intersections", h.ListIntersections)

	write := api.Group("", auth.RequireRole(auth.RoleAnalyst))
	write.POST("/consolidate", h.Consolidate)
	write.POST("/runs", h.StartRun)
	write.POST("/sources/:source/intervals", h.Import)
}

func (h *Handler) Consolidate(c echo.Context) error {
	var req ConsolidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, err := h.svc.Consolidate(c.Request().Context(), req)
	if err != nil {
		if resp != nil && len(resp.FailedKeys) > 0 {
			return c.JSON(http.StatusUnprocessableEntity, resp)
		}
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Import(c echo.Context) error {
	var req ImportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Import(c.Request().Context(), c.Param("source"), req)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) StartRun(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	run, err := h.svc.StartRun(c.Request().Context(), req)
	if err != nil {
		if run != nil && run.Status == StatusFailed {
			return c.JSON(http.StatusUnprocessableEntity, run)
		}
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, run)
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	run, err := h.svc.GetRun(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) ListRuns(c echo.Context) error {
	pg := pagination.FromContext(c)
	runs, total, err := h.svc.ListRuns(c.Request().Context(), c.QueryParam("source"), pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(runs, total, pg))
}

func (h *Handler) ListSegments(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	segs, total, err := h.svc.ListSegments(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(err)
	}
	resp := pagination.NewResponse(segs, total, pg).WithLinks(c.Request().URL.Path)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListIntersections(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	rows, total, err := h.svc.ListIntersections(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(err)
	}
	resp := pagination.NewResponse(rows, total, pg).WithLinks(c.Request().URL.Path)
	return c.JSON(http.StatusOK, resp)
}

// errorResponse maps service errors onto HTTP statuses. Storage failures
// keep their detail out of the response.
func errorResponse(err error) *echo.HTTPError {
	var ge *timeline.GroupError
	switch {
	case errors.Is(err, timeline.ErrInvalidOptions), errors.Is(err, ingest.ErrSchema):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	case errors.As(err, &ge):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled before every group finished")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "storage error").SetInternal(err)
}
