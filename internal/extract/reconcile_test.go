package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
)

func sessionWithHistory(texts ...string) *models.Session {
	s := models.NewSession("5511912345678")
	for _, t := range texts {
		s.Append("user", t)
	}
	return s
}

func TestReconcileFlowData(t *testing.T) {
	t.Run("backfills identity from history", func(t *testing.T) {
		s := sessionWithHistory("quero marcar uma consulta", "Ana Souza 10/02/1988")
		ReconcileFlowData(s)
		assert.Equal(t, "Ana Souza", s.FlowData[models.KeyName])
		assert.Equal(t, "10/02/1988", s.FlowData[models.KeyBirthDate])
	})

	t.Run("backfills time and appointment date", func(t *testing.T) {
		s := sessionWithHistory("pode ser dia 20/11/2025 às 10:00")
		ReconcileFlowData(s)
		assert.Equal(t, "10:00", s.FlowData[models.KeyTime])
		assert.Equal(t, "2025-11-20", s.FlowData[models.KeyDate])
	})

	t.Run("old year reads as birth date", func(t *testing.T) {
		s := sessionWithHistory("nasci em 10/02/1988")
		ReconcileFlowData(s)
		assert.Empty(t, s.FlowData[models.KeyDate])
		assert.Equal(t, "10/02/1988", s.FlowData[models.KeyBirthDate])
	})

	t.Run("existing fields never overwritten", func(t *testing.T) {
		s := sessionWithHistory("Ana Souza 10/02/1988")
		s.FlowData[models.KeyName] = "Maria Lima"
		ReconcileFlowData(s)
		assert.Equal(t, "Maria Lima", s.FlowData[models.KeyName])
	})

	t.Run("assistant messages ignored", func(t *testing.T) {
		s := models.NewSession("5511912345678")
		s.Append("assistant", "Posso agendar para 20/11/2025 às 10:00?")
		ReconcileFlowData(s)
		assert.Empty(t, s.FlowData[models.KeyDate])
		assert.Empty(t, s.FlowData[models.KeyTime])
	})
}
