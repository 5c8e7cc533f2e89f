package medication

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/medstock/medstock/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/medications", h.ListMedications)
	api.POST("/medications", h.CreateMedication)
	api.GET("/medications/:id", h.GetMedication)
	api.PUT("/medications/:id", h.UpdateMedication)
	api.DELETE("/medications/:id", h.DeleteMedication)

	api.GET("/medications/:id/taken", h.GetTaken)
	api.POST("/medications/:id/taken", h.MarkTaken)
	api.DELETE("/medications/:id/taken/:timing", h.UnmarkTaken)

	api.GET("/medications/:id/purchases", h.ListPurchases)
	api.POST("/medications/:id/purchases", h.RecordPurchase)
	api.POST("/medications/:id/purchases/finalize", h.FinalizePurchase)
	api.POST("/medications/:id/restock", h.Restock)

	api.GET("/stock/daily-reduction", h.GetDailyReduction)
	api.POST("/stock/daily-reduction", h.RunDailyReduction)
}

// HTTPError maps the error taxonomy onto HTTP statuses.
func HTTPError(err error) error {
	var se *StorageError
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "medication not found")
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &se):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// medicationRequest is the create/update body. IsActive defaults to true.
type medicationRequest struct {
	Name                      string          `json:"name"`
	Dosage                    string          `json:"dosage"`
	Form                      MedicationForm  `json:"form"`
	Frequency                 int             `json:"frequency"`
	Timings                   []string        `json:"timings"`
	Instructions              *string         `json:"instructions"`
	DoctorID                  *string         `json:"doctor_id"`
	PharmacyID                *string         `json:"pharmacy_id"`
	PrescriptionDate          *string         `json:"prescription_date"`
	ExpiryDate                *string         `json:"expiry_date"`
	RepeatsRemaining          int             `json:"repeats_remaining"`
	TotalRepeats              int             `json:"total_repeats"`
	QuantityPerFill           int             `json:"quantity_per_fill"`
	CurrentQuantity           int             `json:"current_quantity"`
	Cost                      decimal.Decimal `json:"cost"`
	TotalDispensingsPurchased int             `json:"total_dispensings_purchased"`
	IsActive                  *bool           `json:"is_active"`
	Notes                     *string         `json:"notes"`
}

func (r *medicationRequest) toModel() *Medication {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return &Medication{
		Name:                      r.Name,
		Dosage:                    r.Dosage,
		Form:                      r.Form,
		Frequency:                 r.Frequency,
		Timings:                   r.Timings,
		Instructions:              r.Instructions,
		DoctorID:                  r.DoctorID,
		PharmacyID:                r.PharmacyID,
		PrescriptionDate:          r.PrescriptionDate,
		ExpiryDate:                r.ExpiryDate,
		RepeatsRemaining:          r.RepeatsRemaining,
		TotalRepeats:              r.TotalRepeats,
		QuantityPerFill:           r.QuantityPerFill,
		CurrentQuantity:           r.CurrentQuantity,
		Cost:                      r.Cost,
		TotalDispensingsPurchased: r.TotalDispensingsPurchased,
		IsActive:                  active,
		Notes:                     r.Notes,
	}
}

// MedicationView adds the derived quantities to a medication.
type MedicationView struct {
	*Medication
	TotalNumberOfDispensings int  `json:"total_number_of_dispensings"`
	RemainingDispensings     int  `json:"remaining_dispensings"`
	RemainingDaysOfSupply    *int `json:"remaining_days_of_supply"`
}

func NewView(m *Medication) *MedicationView {
	v := &MedicationView{
		Medication:               m,
		TotalNumberOfDispensings: TotalNumberOfDispensings(m),
		RemainingDispensings:     RemainingDispensings(m),
	}
	if days, ok := RemainingDaysOfSupply(m.CurrentQuantity, m.Frequency); ok {
		v.RemainingDaysOfSupply = &days
	}
	return v
}

// -- Medication Handlers --

func (h *Handler) CreateMedication(c echo.Context) error {
	var req medicationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m := req.toModel()
	if err := h.svc.CreateMedication(c.Request().Context(), m); err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, NewView(m))
}

func (h *Handler) GetMedication(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.GetMedication(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, NewView(m))
}

func (h *Handler) ListMedications(c echo.Context) error {
	pg := pagination.FromContext(c)
	activeOnly, _ := strconv.ParseBool(c.QueryParam("active"))

	items, total, err := h.svc.ListMedications(c.Request().Context(), activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err)
	}
	views := make([]*MedicationView, 0, len(items))
	for _, m := range items {
		views = append(views, NewView(m))
	}
	resp := pagination.NewResponse(views, total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) UpdateMedication(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req medicationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in := req.toModel()
	in.ID = id
	m, err := h.svc.UpdateMedication(c.Request().Context(), in)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, NewView(m))
}

func (h *Handler) DeleteMedication(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteMedication(c.Request().Context(), id); err != nil {
		return HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Dose Tracking Handlers --

type takenRequest struct {
	Timing string `json:"timing"`
	Date   string `json:"date"`
}

type takenResponse struct {
	MedicationID    uuid.UUID `json:"medication_id"`
	Date            string    `json:"date"`
	TimingsTaken    []string  `json:"timings_taken"`
	CurrentQuantity *int      `json:"current_quantity,omitempty"`
}

func (h *Handler) dateParam(c echo.Context) string {
	if d := c.QueryParam("date"); d != "" {
		return d
	}
	return h.svc.Today()
}

func (h *Handler) takenState(c echo.Context, id uuid.UUID, date string, withQuantity bool) error {
	ctx := c.Request().Context()
	timings, err := h.svc.TakenTimings(ctx, id, date)
	if err != nil {
		return HTTPError(err)
	}
	resp := takenResponse{MedicationID: id, Date: date, TimingsTaken: timings}
	if withQuantity {
		m, err := h.svc.GetMedication(ctx, id)
		if err != nil {
			return HTTPError(err)
		}
		resp.CurrentQuantity = &m.CurrentQuantity
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetTaken(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	return h.takenState(c, id, h.dateParam(c), false)
}

func (h *Handler) MarkTaken(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req takenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Date == "" {
		req.Date = h.svc.Today()
	}
	if err := h.svc.MarkTaken(c.Request().Context(), id, req.Timing, req.Date); err != nil {
		return HTTPError(err)
	}
	return h.takenState(c, id, req.Date, true)
}

func (h *Handler) UnmarkTaken(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	// Echo leaves params escaped only when the request has a RawPath.
	timing := c.Param("timing")
	if c.Request().URL.RawPath != "" {
		if u, err := url.PathUnescape(timing); err == nil {
			timing = u
		}
	}
	date := h.dateParam(c)
	if err := h.svc.UnmarkTaken(c.Request().Context(), id, timing, date); err != nil {
		return HTTPError(err)
	}
	return h.takenState(c, id, date, true)
}

// -- Purchase Handlers --

type purchaseRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	PurchaseDate string          `json:"purchase_date"`
}

func (h *Handler) RecordPurchase(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req purchaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PurchaseDate == "" {
		req.PurchaseDate = h.svc.Today()
	}
	ctx := c.Request().Context()
	if err := h.svc.RecordPurchase(ctx, id, req.Amount, req.PurchaseDate); err != nil {
		return HTTPError(err)
	}
	m, err := h.svc.GetMedication(ctx, id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, NewView(m))
}

func (h *Handler) FinalizePurchase(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req purchaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PurchaseDate == "" {
		req.PurchaseDate = h.svc.Today()
	}
	ctx := c.Request().Context()
	amount, err := h.svc.FinalizePurchase(ctx, id, req.PurchaseDate)
	if err != nil {
		return HTTPError(err)
	}
	m, err := h.svc.GetMedication(ctx, id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"amount_recorded": amount,
		"medication":      NewView(m),
	})
}

func (h *Handler) ListPurchases(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListPurchases(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Restock(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req struct {
		Units int `json:"units"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := h.svc.Restock(c.Request().Context(), id, req.Units)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, NewView(m))
}

// -- Daily Reduction Handlers --

func (h *Handler) RunDailyReduction(c echo.Context) error {
	res, err := h.svc.RunDailyReduction(c.Request().Context())
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetDailyReduction(c echo.Context) error {
	last, err := h.svc.LastReductionDate(c.Request().Context())
	if err != nil {
		return HTTPError(err)
	}
	today := h.svc.Today()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"last_stock_reduction_date": last,
		"today":                     today,
		"ran_today":                 last == today,
	})
}
