package www

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"lockngo/locker"
	"lockngo/store"
)

func (h *Handlers) apiListRentals(w http.ResponseWriter, r *http.Request) {
	rentals, err := h.queryRentals(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.jsonOK(w, rentals)
}

// queryRentals honours ?flagged=1, ?renter=<id> and ?limit=<n>.
func (h *Handlers) queryRentals(r *http.Request) ([]*locker.Rental, error) {
	q := r.URL.Query()
	limit := 100
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	db := h.engine.DB()
	switch {
	case q.Get("flagged") == "1":
		return db.ListFlaggedRentals(r.Context(), limit)
	case q.Get("renter") != "":
		return db.ListRentalsByRenter(r.Context(), q.Get("renter"), limit)
	default:
		return db.ListRentals(r.Context(), limit)
	}
}

func (h *Handlers) apiExportRentals(w http.ResponseWriter, r *http.Request) {
	rentals, err := h.queryRentals(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	incidents, err := h.engine.DB().ListIncidents(1000)
	if err != nil {
		h.writeError(w, err)
		return
	}
	data, err := buildRentalsXLSX(rentals, incidents)
	if err != nil {
		h.writeError(w, err)
		return
	}
	name := fmt.Sprintf("rentals-%s.xlsx", time.Now().Format("20060102-1504"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Write(data)
}

func formatOptTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

// buildRentalsXLSX renders rentals and incidents as a two-sheet workbook.
func buildRentalsXLSX(rentals []*locker.Rental, incidents []*store.Incident) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	rentalSheet := "rentals"
	incidentSheet := "incidents"
	f.SetSheetName("Sheet1", rentalSheet)
	if _, err := f.NewSheet(incidentSheet); err != nil {
		return nil, err
	}

	headers := []string{"Rental", "Locker", "Renter", "Size", "Amount", "Requested", "Unlocked", "Released", "Outcome", "Needs review", "Detail"}
	for i, hdr := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(rentalSheet, cell, hdr)
	}
	for i, rent := range rentals {
		row := i + 2
		outcome := string(rent.Outcome)
		if outcome == "" {
			outcome = "active"
		}
		values := []any{
			rent.ID, rent.LockerID, rent.RenterID, string(rent.Size), rent.AmountReserved,
			rent.RequestedAt.Format(time.RFC3339), formatOptTime(rent.UnlockedAt), formatOptTime(rent.ReleasedAt),
			outcome, rent.NeedsReview, rent.Detail,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(rentalSheet, cell, v)
		}
	}

	_ = f.SetCellValue(incidentSheet, "A1", "ID")
	_ = f.SetCellValue(incidentSheet, "B1", "Type")
	_ = f.SetCellValue(incidentSheet, "C1", "Locker")
	_ = f.SetCellValue(incidentSheet, "D1", "Rental")
	_ = f.SetCellValue(incidentSheet, "E1", "Resolution")
	_ = f.SetCellValue(incidentSheet, "F1", "Reason")
	_ = f.SetCellValue(incidentSheet, "G1", "Actor")
	_ = f.SetCellValue(incidentSheet, "H1", "At")
	for i, inc := range incidents {
		row := i + 2
		_ = f.SetCellValue(incidentSheet, fmt.Sprintf("A%d", row), inc.ID)
		_ = f.SetCellValue(incidentSheet, fmt.Sprintf("B%d", row), inc.IncidentType)
		_ = f.SetCellValue(incidentSheet, fmt.Sprintf("C%d", row), inc.LockerID)
		_ = f.SetCellValue(incidentSheet, fmt.Sprintf("D%d", row), inc.RentalID)
		_ = f.SetCellValue(incidentSheet, fmt.Sprintf("E%d", row), inc.Resolution)
		_ = f.SetCellValue(incidentSheet, fmt.Sprintf("F%d", row), inc.Reason)
		_ = f.SetCellValue(incidentSheet, fmt.Sprintf("G%d", row), inc.Actor)
		_ = f.SetCellValue(incidentSheet, fmt.Sprintf("H%d", row), inc.CreatedAt.Format(time.RFC3339))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
