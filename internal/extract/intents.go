package extract

import "strings"

// Intent is the deterministic classification of a short user message.
type Intent string

const (
	IntentAffirmative Intent = "affirmative"
	IntentNegative    Intent = "negative"
	IntentClosing     Intent = "closing"
	IntentAmbiguous   Intent = "ambiguous"
)

// Curated pt-BR term lists. Matching is whole-phrase or word-boundary
// based; anything outside the lists is ambiguous and never treated as an
// implicit decision.
var (
	affirmativeTerms = []string{
		"sim", "pode", "pode sim", "pode confirmar", "confirma", "confirmo",
		"confirmar", "isso mesmo", "correto", "certo", "ok", "okay",
		"perfeito", "claro", "com certeza", "exato", "positivo", "beleza",
		"fechado", "combinado", "é isso", "e isso",
	}
	negativeTerms = []string{
		"não", "nao", "não pode", "nao pode", "negativo", "errado",
		"mudar", "trocar", "alterar", "outro horário", "outro horario",
		"outra data", "outro dia", "cancela isso", "espera", "pera",
		"ainda não", "ainda nao",
	}
	closingTerms = []string{
		"tchau", "até logo", "ate logo", "até mais", "ate mais", "obrigado",
		"obrigada", "valeu", "era só isso", "era so isso", "só isso",
		"so isso", "mais nada", "nada mais", "encerrar", "finalizar",
		"até breve", "ate breve", "bom dia pra você também",
	}
)

// ClassifyIntent matches the message against the curated term lists.
// Closing wins over affirmative ("obrigado, sim" still reads as closing
// only when no confirmation term precedes it), so affirmative and negative
// are checked first on exact/contained phrases.
func ClassifyIntent(text string) Intent {
	msg := normalizeIntentText(text)
	if msg == "" {
		return IntentAmbiguous
	}

	if matchesAny(msg, affirmativeTerms) {
		return IntentAffirmative
	}
	if matchesAny(msg, negativeTerms) {
		return IntentNegative
	}
	if matchesAny(msg, closingTerms) {
		return IntentClosing
	}
	return IntentAmbiguous
}

func normalizeIntentText(text string) string {
	msg := strings.ToLower(strings.TrimSpace(text))
	msg = strings.Trim(msg, "!.?,; ")
	return msg
}

// matchesAny accepts an exact match, or a term appearing as a whole
// phrase inside a short message. Long messages only match exactly, so a
// paragraph mentioning "ok" does not read as a confirmation.
func matchesAny(msg string, terms []string) bool {
	for _, term := range terms {
		if msg == term {
			return true
		}
	}
	if len(strings.Fields(msg)) > 6 {
		return false
	}
	for _, term := range terms {
		if containsPhrase(msg, term) {
			return true
		}
	}
	return false
}

func containsPhrase(msg, phrase string) bool {
	idx := strings.Index(msg, phrase)
	if idx < 0 {
		return false
	}
	before := idx == 0 || msg[idx-1] == ' '
	end := idx + len(phrase)
	after := end == len(msg) || msg[end] == ' '
	return before && after
}
