package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
)

var (
	timeOfDayRegex = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	fullDateRegex  = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
)

// ReconcileFlowData re-scans the session history with the deterministic
// extractors and backfills flow-data fields the orchestrator failed to
// persist. It is the explicit compensating-read step for a model that
// narrated progress without the matching tool call. Existing fields are
// never overwritten.
func ReconcileFlowData(s *models.Session) {
	if s.FlowData == nil {
		s.FlowData = make(map[string]string)
	}

	for _, msg := range s.History {
		if msg.Role != "user" {
			continue
		}
		text := msg.Content

		if s.FlowData[models.KeyName] == "" || s.FlowData[models.KeyBirthDate] == "" {
			name, birth, err := NameAndBirthDate(text)
			if err == nil {
				// A bare sentence full of word tokens is not a name;
				// only trust it next to a birth date or an explicit
				// "meu nome é" style prefix.
				if s.FlowData[models.KeyName] == "" && name != "" &&
					(!birth.IsZero() || hasNamePrefix(text)) {
					s.FlowData[models.KeyName] = name
				}
				if s.FlowData[models.KeyBirthDate] == "" && !birth.IsZero() {
					s.FlowData[models.KeyBirthDate] = birth.Format("02/01/2006")
				}
			}
		}

		if s.FlowData[models.KeyTime] == "" {
			if m := timeOfDayRegex.FindStringSubmatch(text); m != nil {
				hour, _ := strconv.Atoi(m[1])
				min, _ := strconv.Atoi(m[2])
				if hour < 24 && min < 60 {
					s.FlowData[models.KeyTime] = fmt.Sprintf("%02d:%02d", hour, min)
				}
			}
		}

		if s.FlowData[models.KeyDate] == "" {
			if m := fullDateRegex.FindStringSubmatch(text); m != nil {
				day, _ := strconv.Atoi(m[1])
				month, _ := strconv.Atoi(m[2])
				year, _ := strconv.Atoi(m[3])
				// Years well in the past are birth dates, not
				// appointment dates.
				if year >= 2010 {
					t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.Local)
					if t.Day() == day && int(t.Month()) == month {
						s.FlowData[models.KeyDate] = t.Format("2006-01-02")
					}
				} else if s.FlowData[models.KeyBirthDate] == "" {
					if t, err := buildBirthDate(year, time.Month(month), day); err == nil {
						s.FlowData[models.KeyBirthDate] = t.Format("02/01/2006")
					}
				}
			}
		}
	}
}
