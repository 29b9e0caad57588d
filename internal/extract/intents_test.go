package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		text string
		want Intent
	}{
		{"sim", IntentAffirmative},
		{"Sim!", IntentAffirmative},
		{"pode confirmar", IntentAffirmative},
		{"isso mesmo", IntentAffirmative},
		{"ok", IntentAffirmative},
		{"fechado", IntentAffirmative},

		{"não", IntentNegative},
		{"nao", IntentNegative},
		{"quero mudar o horário", IntentNegative},
		{"prefiro outra data", IntentNegative},

		{"tchau", IntentClosing},
		{"obrigado!", IntentClosing},
		{"valeu, era só isso", IntentClosing},
		{"até logo", IntentClosing},

		{"", IntentAmbiguous},
		{"quero marcar uma consulta", IntentAmbiguous},
		{"qual o endereço?", IntentAmbiguous},
		// A long message mentioning a keyword is not a decision.
		{"a simulação que o médico pediu ficou pronta e eu queria saber como faço para buscar o resultado dela", IntentAmbiguous},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyIntent(tt.text))
		})
	}
}
