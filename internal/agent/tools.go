package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/config"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/database"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/events"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/llm"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/metrics"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
)

// Tool names exposed to the model.
const (
	toolClinicInfo    = "get_clinic_info"
	toolBusinessHours = "validate_business_hours"
	toolAvailability  = "validate_and_check_availability"
	toolCreate        = "create_appointment"
	toolSearch        = "search_appointments"
	toolCancel        = "cancel_appointment"
	toolHandoff       = "request_human_assistance"
	toolEnd           = "end_conversation"
)

var errMalformedArgs = errors.New("malformed tool arguments")

// toolOutcome carries side-channel signals from a dispatch back to the loop.
type toolOutcome struct {
	result          string
	endConversation bool
}

func rawSchema(s string) json.RawMessage { return json.RawMessage(s) }

// toolSchema is the fixed set of callable tools submitted with every
// completion request.
func toolSchema() []llm.Tool {
	fn := func(name, desc string, params string) llm.Tool {
		return llm.Tool{Type: "function", Function: llm.ToolFunction{
			Name: name, Description: desc, Parameters: rawSchema(params),
		}}
	}
	return []llm.Tool{
		fn(toolClinicInfo,
			"Retorna informações da clínica: endereço, serviços, convênios e horários de atendimento.",
			`{"type":"object","properties":{}}`),
		fn(toolBusinessHours,
			"Verifica se a clínica está aberta em uma data e horário específicos.",
			`{"type":"object","properties":{"date":{"type":"string","description":"Data no formato YYYY-MM-DD"},"time":{"type":"string","description":"Horário no formato HH:MM"}},"required":["date","time"]}`),
		fn(toolAvailability,
			"Valida uma data e lista horários livres. Se um horário for informado, verifica aquele horário e prepara a confirmação.",
			`{"type":"object","properties":{"date":{"type":"string","description":"Data no formato YYYY-MM-DD"},"time":{"type":"string","description":"Horário desejado HH:MM (opcional)"},"service_type":{"type":"string","description":"Tipo de serviço"}},"required":["date","service_type"]}`),
		fn(toolCreate,
			"Cria o agendamento após o paciente confirmar data e horário.",
			`{"type":"object","properties":{"name":{"type":"string"},"birth_date":{"type":"string","description":"DD/MM/AAAA"},"date":{"type":"string","description":"YYYY-MM-DD"},"time":{"type":"string","description":"HH:MM"},"service_type":{"type":"string"},"insurance_plan":{"type":"string"},"notes":{"type":"string"}},"required":["date","time","service_type"]}`),
		fn(toolSearch,
			"Lista os agendamentos futuros do paciente.",
			`{"type":"object","properties":{}}`),
		fn(toolCancel,
			"Cancela um agendamento do paciente.",
			`{"type":"object","properties":{"booking_id":{"type":"string","description":"Identificador do agendamento (opcional se houver apenas um)"}},"required":[]}`),
		fn(toolHandoff,
			"Encaminha a conversa para atendimento humano quando o paciente pede ou o assunto foge do agendamento.",
			`{"type":"object","properties":{"reason":{"type":"string"}},"required":[]}`),
		fn(toolEnd,
			"Encerra a conversa quando o paciente se despede ou não precisa de mais nada.",
			`{"type":"object","properties":{}}`),
	}
}

// dispatch validates the argument shape and runs the named tool. Malformed
// arguments never reach a deterministic operation; they are flagged and
// surfaced as an error result the model can react to.
func (a *Agent) dispatch(ctx context.Context, s *models.Session, name, argsJSON string) toolOutcome {
	out, err := a.runTool(ctx, s, name, argsJSON)
	if err != nil {
		if errors.Is(err, errMalformedArgs) {
			a.bus.Publish(events.Event{Type: events.TypeMalformedToolArg, Sender: s.Sender, Detail: name})
		}
		metrics.IncToolCall(name, "error")
		a.logger.Warn().Err(err).Str("tool", name).Str("sender", s.Sender).Msg("tool dispatch failed")
		return toolOutcome{result: fmt.Sprintf("Erro ao executar %s: %v", name, err)}
	}
	metrics.IncToolCall(name, "ok")
	return out
}

func (a *Agent) runTool(ctx context.Context, s *models.Session, name, argsJSON string) (toolOutcome, error) {
	switch name {
	case toolClinicInfo:
		return a.toolClinicInfo()
	case toolBusinessHours:
		return a.toolBusinessHours(argsJSON)
	case toolAvailability:
		return a.toolAvailability(ctx, s, argsJSON)
	case toolCreate:
		return a.toolCreate(ctx, s, argsJSON)
	case toolSearch:
		return a.toolSearch(ctx, s)
	case toolCancel:
		return a.toolCancel(ctx, s, argsJSON)
	case toolHandoff:
		return a.toolHandoff(ctx, s, argsJSON)
	case toolEnd:
		return toolOutcome{result: "Conversa encerrada.", endConversation: true}, nil
	default:
		return toolOutcome{}, fmt.Errorf("%w: unknown tool %q", errMalformedArgs, name)
	}
}

func decodeArgs(argsJSON string, out any) error {
	dec := json.NewDecoder(strings.NewReader(argsJSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errMalformedArgs, err)
	}
	return nil
}

func (a *Agent) toolClinicInfo() (toolOutcome, error) {
	cfg := a.clinic.Current()

	var b strings.Builder
	fmt.Fprintf(&b, "%s\nEndereço: %s\nTelefone: %s\n", cfg.Name, cfg.Address, cfg.Phone)
	b.WriteString("Serviços:\n")
	for _, svc := range cfg.Services {
		fmt.Fprintf(&b, "- %s (%d min)", svc.Name, svc.DurationMin)
		if svc.Price != "" {
			fmt.Fprintf(&b, ", %s", svc.Price)
		}
		b.WriteString("\n")
	}
	if len(cfg.Insurance) > 0 {
		fmt.Fprintf(&b, "Convênios aceitos: %s\n", strings.Join(cfg.Insurance, ", "))
	}
	b.WriteString(formatWeeklyHours(cfg))
	return toolOutcome{result: b.String()}, nil
}

func (a *Agent) toolBusinessHours(argsJSON string) (toolOutcome, error) {
	var args struct {
		Date string `json:"date"`
		Time string `json:"time"`
	}
	if err := decodeArgs(argsJSON, &args); err != nil {
		return toolOutcome{}, err
	}
	at, err := time.ParseInLocation("2006-01-02 15:04", args.Date+" "+args.Time, time.Local)
	if err != nil {
		return toolOutcome{}, fmt.Errorf("%w: invalid date/time", errMalformedArgs)
	}

	open, reason := a.engine.IsOpenAt(a.clinic.Current(), at)
	if !open {
		return toolOutcome{result: fmt.Sprintf("Fechado: %s.", reason)}, nil
	}
	return toolOutcome{result: "Aberto neste horário."}, nil
}

func (a *Agent) toolAvailability(ctx context.Context, s *models.Session, argsJSON string) (toolOutcome, error) {
	var args struct {
		Date        string `json:"date"`
		Time        string `json:"time"`
		ServiceType string `json:"service_type"`
	}
	if err := decodeArgs(argsJSON, &args); err != nil {
		return toolOutcome{}, err
	}
	if args.Date == "" || args.ServiceType == "" {
		return toolOutcome{}, fmt.Errorf("%w: date and service_type are required", errMalformedArgs)
	}
	cfg := a.clinic.Current()
	if cfg.ServiceByName(args.ServiceType) == nil {
		return toolOutcome{result: fmt.Sprintf("Serviço %q não encontrado. Serviços: %s.",
			args.ServiceType, serviceNames(cfg))}, nil
	}

	// First of the two availability checks. No lock spans the gap to the
	// commit; the unique index is the last resort.
	if args.Time != "" {
		free, err := a.engine.CheckSlot(ctx, cfg, args.Date, args.Time, args.ServiceType)
		if err != nil {
			return toolOutcome{}, err
		}
		if free {
			s.FlowData[models.KeyDate] = args.Date
			s.FlowData[models.KeyTime] = args.Time
			s.FlowData[models.KeyServiceType] = args.ServiceType
			s.FlowData[models.KeyPendingConfirmation] = "true"
			s.Flow = models.FlowAwaitingConfirmation
			return toolOutcome{result: fmt.Sprintf(
				"Horário %s de %s está disponível para %s. Peça a confirmação do paciente antes de criar o agendamento.",
				args.Time, formatDateBR(args.Date), args.ServiceType)}, nil
		}
		alternatives, err := a.engine.ListAvailableSlots(ctx, cfg, args.Date, args.ServiceType)
		if err != nil {
			return toolOutcome{}, err
		}
		if len(alternatives) == 0 {
			return toolOutcome{result: fmt.Sprintf("Horário %s indisponível e não há outros horários em %s.",
				args.Time, formatDateBR(args.Date))}, nil
		}
		return toolOutcome{result: fmt.Sprintf("Horário %s indisponível. Horários livres em %s: %s.",
			args.Time, formatDateBR(args.Date), strings.Join(alternatives, ", "))}, nil
	}

	slots, err := a.engine.ListAvailableSlots(ctx, cfg, args.Date, args.ServiceType)
	if err != nil {
		return toolOutcome{}, err
	}
	if len(slots) == 0 {
		return toolOutcome{result: fmt.Sprintf("Nenhum horário disponível em %s.", formatDateBR(args.Date))}, nil
	}
	s.FlowData[models.KeyServiceType] = args.ServiceType
	return toolOutcome{result: fmt.Sprintf("Horários livres em %s: %s.",
		formatDateBR(args.Date), strings.Join(slots, ", "))}, nil
}

func (a *Agent) toolCreate(ctx context.Context, s *models.Session, argsJSON string) (toolOutcome, error) {
	var args struct {
		Name          string `json:"name"`
		BirthDate     string `json:"birth_date"`
		Date          string `json:"date"`
		Time          string `json:"time"`
		ServiceType   string `json:"service_type"`
		InsurancePlan string `json:"insurance_plan"`
		Notes         string `json:"notes"`
	}
	if err := decodeArgs(argsJSON, &args); err != nil {
		return toolOutcome{}, err
	}

	// The scratchpad backfills anything the model omitted.
	if args.Name == "" {
		args.Name = s.FlowData[models.KeyName]
	}
	if args.BirthDate == "" {
		args.BirthDate = s.FlowData[models.KeyBirthDate]
	}
	if args.Date == "" {
		args.Date = s.FlowData[models.KeyDate]
	}
	if args.Time == "" {
		args.Time = s.FlowData[models.KeyTime]
	}
	if args.ServiceType == "" {
		args.ServiceType = s.FlowData[models.KeyServiceType]
	}
	if args.InsurancePlan == "" {
		args.InsurancePlan = s.FlowData[models.KeyInsurancePlan]
	}

	if args.Date == "" || args.Time == "" || args.ServiceType == "" {
		return toolOutcome{}, fmt.Errorf("%w: date, time and service_type are required", errMalformedArgs)
	}
	if args.Name == "" {
		return toolOutcome{result: "Falta o nome completo do paciente. Pergunte antes de agendar."}, nil
	}

	cfg := a.clinic.Current()
	svc := cfg.ServiceByName(args.ServiceType)
	if svc == nil {
		return toolOutcome{result: fmt.Sprintf("Serviço %q não encontrado. Serviços: %s.",
			args.ServiceType, serviceNames(cfg))}, nil
	}

	var birth time.Time
	if args.BirthDate != "" {
		var err error
		birth, err = time.ParseInLocation("02/01/2006", args.BirthDate, time.Local)
		if err != nil {
			return toolOutcome{result: "Data de nascimento inválida. Peça no formato DD/MM/AAAA."}, nil
		}
	}

	// Commit-time re-check, kept as close to the insert as possible.
	free, err := a.engine.CheckSlot(ctx, cfg, args.Date, args.Time, args.ServiceType)
	if err != nil {
		return toolOutcome{}, err
	}
	if !free {
		return a.slotConflict(ctx, s, cfg, args.Date, args.ServiceType)
	}

	booking := &models.Booking{
		ClientName:    args.Name,
		Phone:         s.Sender,
		BirthDate:     birth,
		Date:          args.Date,
		StartTime:     args.Time,
		DurationMin:   svc.DurationMin,
		ServiceType:   args.ServiceType,
		InsurancePlan: args.InsurancePlan,
		Notes:         args.Notes,
	}
	if err := a.db.CreateBooking(ctx, booking); err != nil {
		if errors.Is(err, database.ErrSlotTaken) {
			return a.slotConflict(ctx, s, cfg, args.Date, args.ServiceType)
		}
		return toolOutcome{}, err
	}
	metrics.IncBookingCreated()
	s.ClearPending()
	s.Flow = models.FlowPostBooking
	s.FlowData[models.KeyName] = args.Name

	// Calendar sync is best-effort; a failure never rolls back the booking.
	if eventID, err := a.calendar.CreateEvent(ctx, booking); err != nil {
		a.logger.Warn().Err(err).Str("booking", booking.ID).Msg("calendar sync failed")
	} else if eventID != "" {
		if err := a.db.SetCalendarEventID(ctx, booking.ID, eventID); err != nil {
			a.logger.Warn().Err(err).Str("booking", booking.ID).Msg("store calendar event id failed")
		}
	}

	a.logger.Info().Str("booking", booking.ID).Str("sender", s.Sender).
		Str("date", args.Date).Str("time", args.Time).Msg("booking created")
	return toolOutcome{result: fmt.Sprintf(
		"Agendamento confirmado: %s, %s às %s, paciente %s.",
		args.ServiceType, formatDateBR(args.Date), args.Time, args.Name)}, nil
}

// slotConflict handles a lost race for a slot: report the conflict and
// re-query alternatives, never overwrite.
func (a *Agent) slotConflict(ctx context.Context, s *models.Session, cfg *config.ClinicConfig, date, serviceType string) (toolOutcome, error) {
	metrics.IncBookingConflict()
	a.bus.Publish(events.Event{Type: events.TypeCommitConflict, Sender: s.Sender, Detail: date})
	s.ClearPending()

	alternatives, err := a.engine.ListAvailableSlots(ctx, cfg, date, serviceType)
	if err != nil || len(alternatives) == 0 {
		return toolOutcome{result: "Esse horário acabou de ser ocupado e não há outros horários nesta data. Ofereça outra data."}, nil
	}
	return toolOutcome{result: fmt.Sprintf(
		"Esse horário acabou de ser ocupado. Horários ainda livres em %s: %s.",
		formatDateBR(date), strings.Join(alternatives, ", "))}, nil
}

func (a *Agent) toolSearch(ctx context.Context, s *models.Session) (toolOutcome, error) {
	bookings, err := a.db.BookingsByPhone(ctx, s.Sender)
	if err != nil {
		return toolOutcome{}, err
	}
	if len(bookings) == 0 {
		return toolOutcome{result: "Nenhum agendamento futuro encontrado para este telefone."}, nil
	}
	var b strings.Builder
	b.WriteString("Agendamentos:\n")
	for _, bk := range bookings {
		fmt.Fprintf(&b, "- [%s] %s em %s às %s\n", bk.ID, bk.ServiceType, formatDateBR(bk.Date), bk.StartTime)
	}
	return toolOutcome{result: b.String()}, nil
}

func (a *Agent) toolCancel(ctx context.Context, s *models.Session, argsJSON string) (toolOutcome, error) {
	var args struct {
		BookingID string `json:"booking_id"`
	}
	if err := decodeArgs(argsJSON, &args); err != nil {
		return toolOutcome{}, err
	}

	var target *models.Booking
	if args.BookingID != "" {
		b, err := a.db.GetBooking(ctx, args.BookingID)
		if errors.Is(err, database.ErrNotFound) {
			return toolOutcome{result: "Agendamento não encontrado."}, nil
		}
		if err != nil {
			return toolOutcome{}, err
		}
		if b.Phone != s.Sender {
			return toolOutcome{result: "Agendamento não encontrado."}, nil
		}
		target = b
	} else {
		bookings, err := a.db.BookingsByPhone(ctx, s.Sender)
		if err != nil {
			return toolOutcome{}, err
		}
		switch len(bookings) {
		case 0:
			return toolOutcome{result: "Nenhum agendamento futuro para cancelar."}, nil
		case 1:
			target = &bookings[0]
		default:
			var b strings.Builder
			b.WriteString("O paciente tem mais de um agendamento. Pergunte qual cancelar:\n")
			for _, bk := range bookings {
				fmt.Fprintf(&b, "- [%s] %s em %s às %s\n", bk.ID, bk.ServiceType, formatDateBR(bk.Date), bk.StartTime)
			}
			return toolOutcome{result: b.String()}, nil
		}
	}

	if err := a.db.UpdateBookingStatus(ctx, target.ID, models.StatusCancelled); err != nil {
		return toolOutcome{}, err
	}
	s.ClearPending()
	if err := a.calendar.DeleteEvent(ctx, target.CalendarEventID); err != nil {
		a.logger.Warn().Err(err).Str("booking", target.ID).Msg("calendar delete failed")
	}
	a.logger.Info().Str("booking", target.ID).Str("sender", s.Sender).Msg("booking cancelled")
	return toolOutcome{result: fmt.Sprintf("Agendamento de %s às %s cancelado.",
		formatDateBR(target.Date), target.StartTime)}, nil
}

func (a *Agent) toolHandoff(ctx context.Context, s *models.Session, argsJSON string) (toolOutcome, error) {
	var args struct {
		Reason string `json:"reason"`
	}
	if err := decodeArgs(argsJSON, &args); err != nil {
		return toolOutcome{}, err
	}

	// Only pause the bot while the clinic can actually respond. Off
	// hours the bot keeps answering so the sender is not left in silence.
	now := time.Now()
	if open, _ := a.engine.IsOpenAt(a.clinic.Current(), now.Add(time.Minute)); !open {
		return toolOutcome{result: "A clínica está fechada agora. Informe que a equipe responde no próximo horário de atendimento e continue ajudando no que for possível."}, nil
	}

	pause := &models.PauseRecord{
		Sender:    s.Sender,
		ExpiresAt: now.Add(a.handoffPause),
		Reason:    models.PauseHumanHandoff,
	}
	if err := a.db.UpsertPause(ctx, pause); err != nil {
		return toolOutcome{}, err
	}
	a.bus.Publish(events.Event{Type: events.TypeHumanHandoff, Sender: s.Sender, Detail: args.Reason})
	a.logger.Info().Str("sender", s.Sender).Str("reason", args.Reason).Msg("human handoff requested")
	return toolOutcome{
		result:          "Atendimento humano acionado. Um atendente vai assumir esta conversa.",
		endConversation: true,
	}, nil
}

func serviceNames(cfg *config.ClinicConfig) string {
	names := make([]string, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		names = append(names, svc.Name)
	}
	return strings.Join(names, ", ")
}

// formatDateBR renders YYYY-MM-DD as DD/MM/AAAA for user-facing text.
func formatDateBR(date string) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date
	}
	return t.Format("02/01/2006")
}

var weekdayNamesBR = [7]string{"domingo", "segunda", "terça", "quarta", "quinta", "sexta", "sábado"}

func formatWeeklyHours(cfg *config.ClinicConfig) string {
	var b strings.Builder
	b.WriteString("Horários de atendimento:\n")
	for wd := time.Monday; ; wd++ {
		h, open := cfg.HoursFor(wd % 7)
		if open {
			fmt.Fprintf(&b, "- %s: %s às %s\n", weekdayNamesBR[wd%7], h.Open, h.Close)
		} else {
			fmt.Fprintf(&b, "- %s: fechado\n", weekdayNamesBR[wd%7])
		}
		if wd == time.Monday+6 {
			break
		}
	}
	return b.String()
}
