package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/config"
)

// buildSystemPrompt renders the instruction block from the current clinic
// configuration. Rebuilt per turn so a config swap takes effect without
// dropping in-flight sessions.
func buildSystemPrompt(cfg *config.ClinicConfig, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Você é a assistente virtual de agendamentos da %s.\n", cfg.Name)
	fmt.Fprintf(&b, "Hoje é %s (%s).\n\n", now.Format("02/01/2006"), weekdayNamesBR[int(now.Weekday())])

	b.WriteString(`Regras:
- Responda sempre em português brasileiro, com mensagens curtas de WhatsApp.
- Use as ferramentas para toda informação de agenda; nunca invente horários.
- Antes de agendar, colete nome completo, data de nascimento (DD/MM/AAAA), serviço e convênio.
- Datas para o paciente sempre em DD/MM/AAAA; nas ferramentas use YYYY-MM-DD.
- Só chame create_appointment depois de o paciente confirmar data e horário explicitamente.
- Se o horário pedido estiver ocupado, ofereça as alternativas retornadas pela ferramenta.
- Assuntos fora de agendamento (resultados, urgências, preços não listados): use request_human_assistance.
- Quando o paciente se despedir, use end_conversation.
`)

	fmt.Fprintf(&b, "\nServiços: %s.\n", serviceNames(cfg))
	if len(cfg.Insurance) > 0 {
		fmt.Fprintf(&b, "Convênios aceitos: %s.\n", strings.Join(cfg.Insurance, ", "))
	}
	b.WriteString(formatWeeklyHours(cfg))
	return b.String()
}
