package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/govanswers/govanswers/internal/store"
)

// OverridesHandler lets admins manage their prompt fragment overrides.
type OverridesHandler struct {
	Store *store.Store
}

func (h *OverridesHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.PUT("/:filename", h.put)
}

func (h *OverridesHandler) list(c echo.Context) error {
	overrides, err := h.Store.ListActiveOverrides(c.Request().Context(), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, overrides)
}

type putOverrideRequest struct {
	Content string `json:"content"`
	Active  *bool  `json:"active"`
}

func (h *OverridesHandler) put(c echo.Context) error {
	var req putOverrideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	o := store.PromptOverride{
		UserID:   userID(c),
		Filename: c.Param("filename"),
		Content:  req.Content,
		Active:   active,
	}
	if o.Filename == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "filename is required")
	}
	if err := h.Store.UpsertPromptOverride(c.Request().Context(), o); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"filename": o.Filename,
		"active":   o.Active,
	})
}
