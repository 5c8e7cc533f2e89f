package report

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

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
	api.GET("/reports/stats", h.GetStats)
	api.GET("/reports/monthly-spending", h.GetMonthlySpending)
	api.GET("/reports/export.xlsx", h.ExportWorkbook)
}

// asOf reads ?as_of=YYYY-MM-DD, defaulting to today.
func (h *Handler) asOf(c echo.Context) (time.Time, error) {
	raw := c.QueryParam("as_of")
	if raw == "" {
		return h.svc.Today(), nil
	}
	t, err := medication.ParseDate(raw)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return t, nil
}

func (h *Handler) GetStats(c echo.Context) error {
	asOf, err := h.asOf(c)
	if err != nil {
		return err
	}
	st, err := h.svc.Stats(c.Request().Context(), asOf)
	if err != nil {
		return medication.HTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) GetMonthlySpending(c echo.Context) error {
	asOf, err := h.asOf(c)
	if err != nil {
		return err
	}
	months := 12
	if raw := c.QueryParam("months"); raw != "" {
		months, err = strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "months must be an integer")
		}
	}
	series, err := h.svc.MonthlySpending(c.Request().Context(), asOf, months)
	if err != nil {
		return medication.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"currency": h.svc.currency,
		"months":   series,
	})
}

func (h *Handler) ExportWorkbook(c echo.Context) error {
	asOf, err := h.asOf(c)
	if err != nil {
		return err
	}
	x, err := h.svc.Export(c.Request().Context(), asOf)
	if err != nil {
		return medication.HTTPError(err)
	}
	var buf bytes.Buffer
	if err := WriteWorkbook(&buf, x); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to render workbook").SetInternal(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="medstock-`+x.AsOf+`.xlsx"`)
	return c.Blob(http.StatusOK, WorkbookContentType, buf.Bytes())
}
