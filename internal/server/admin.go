package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
)

// dateRange reads from/to query params, defaulting to the single `date`
// param or today.
func dateRange(r *http.Request) (string, string, error) {
	if date := r.URL.Query().Get("date"); date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return "", "", fmt.Errorf("invalid date %q", date)
		}
		return date, date, nil
	}
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" && to == "" {
		today := time.Now().Format("2006-01-02")
		return today, today, nil
	}
	for _, d := range []string{from, to} {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return "", "", fmt.Errorf("invalid date %q", d)
		}
	}
	return from, to, nil
}

// handleAppointments serves a read-only JSON booking query.
func (s *Server) handleAppointments(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	bookings, err := s.db.BookingsBetween(r.Context(), from, to)
	if err != nil {
		s.logger.Error().Err(err).Msg("admin bookings query failed")
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if bookings == nil {
		bookings = []models.Booking{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"from":         from,
		"to":           to,
		"count":        len(bookings),
		"appointments": bookings,
	})
}

// handleExport streams the bookings for a range as an .xlsx workbook.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	bookings, err := s.db.BookingsBetween(r.Context(), from, to)
	if err != nil {
		s.logger.Error().Err(err).Msg("admin export query failed")
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	f := excelize.NewFile()
	defer f.Close()
	sheet := "Agendamentos"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"ID", "Paciente", "Telefone", "Nascimento", "Data", "Horário",
		"Duração (min)", "Serviço", "Convênio", "Status", "Observações"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		start, _ := excelize.CoordinatesToCellName(1, 1)
		end, _ := excelize.CoordinatesToCellName(len(headers), 1)
		_ = f.SetCellStyle(sheet, start, end, style)
	}

	for row, b := range bookings {
		birth := ""
		if !b.BirthDate.IsZero() {
			birth = b.BirthDate.Format("02/01/2006")
		}
		values := []any{b.ID, b.ClientName, b.Phone, birth, b.Date, b.StartTime,
			b.DurationMin, b.ServiceType, b.InsurancePlan, b.Status, b.Notes}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="agendamentos_%s_%s.xlsx"`, from, to))
	if err := f.Write(w); err != nil {
		s.logger.Error().Err(err).Msg("write export failed")
	}
}

// handleReloadConfig swaps in the clinic configuration from disk. Readers
// see the old version until the swap completes; in-flight sessions are
// unaffected.
func (s *Server) handleReloadConfig(w http.ResponseWriter, _ *http.Request) {
	if err := s.clinic.Reload(); err != nil {
		s.logger.Error().Err(err).Msg("config reload failed")
		http.Error(w, fmt.Sprintf("reload failed: %v", err), http.StatusUnprocessableEntity)
		return
	}
	cfg := s.clinic.Current()
	s.logger.Info().Int64("version", s.clinic.Version()).Msg("clinic config reloaded")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"version": s.clinic.Version(),
		"summary": cfg.String(),
	})
}

// handleStatus reports process and collaborator health.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.db.CountSessions(r.Context())
	if err != nil {
		sessions = -1
	}

	connection := "unknown"
	if state, err := s.whatsapp.ConnectionState(r.Context()); err == nil {
		connection = state
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
		"active_sessions": sessions,
		"whatsapp_state":  connection,
		"config_version":  s.clinic.Version(),
	})
}
