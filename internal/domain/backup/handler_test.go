package backup

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHandler_ExportThenImport(t *testing.T) {
	svc, meds, _ := newStore(t)
	seed(t, meds)
	h := NewHandler(svc)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/backup", nil), rec)
	if err := h.Export(c); err != nil {
		t.Fatalf("export: %v", err)
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); !strings.Contains(cd, "medstock-backup-20260315-090000.json") {
		t.Errorf("unexpected content disposition %q", cd)
	}
	body := rec.Body.String()

	dst, _, repos := newStore(t)
	h = NewHandler(dst)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/backup", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	if err := h.Import(c); err != nil {
		t.Fatalf("import: %v", err)
	}

	var res ImportResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Medications != 2 || res.Purchases != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	_, total, _ := repos.Medications.List(c.Request().Context(), false, 0, 0)
	if total != 2 {
		t.Errorf("expected 2 medications restored, got %d", total)
	}
}

func TestHandler_Import_Invalid(t *testing.T) {
	svc, _, _ := newStore(t)
	h := NewHandler(svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/backup", strings.NewReader(`{"version":7}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.Import(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
