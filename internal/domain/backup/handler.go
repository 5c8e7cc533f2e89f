package backup

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medstock/medstock/internal/domain/medication"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/backup", h.Export)
	api.POST("/backup", h.Import)
}

func (h *Handler) Export(c echo.Context) error {
	snap, err := h.svc.Export(c.Request().Context())
	if err != nil {
		return medication.HTTPError(err)
	}
	name := "medstock-backup-" + snap.ExportedAt.Format("20060102-150405") + ".json"
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+name+`"`)
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) Import(c echo.Context) error {
	var snap Snapshot
	if err := c.Bind(&snap); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Import(c.Request().Context(), &snap)
	if err != nil {
		return medication.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}
