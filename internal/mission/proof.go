package mission

import (
	"fmt"
	"strings"

	"github.com/mmeshcher/earnings-ledger/internal/model"
)

// Proof содержит подтверждение выполнения задания. Набор обязательных полей зависит от типа шаблона.
type Proof struct {
	WatchedSeconds int               `json:"watched_seconds,omitempty"`
	EngagementID   string            `json:"engagement_id,omitempty"`
	Platform       string            `json:"platform,omitempty"`
	Responses      map[string]string `json:"responses,omitempty"`
}

// ValidateProof проверяет подтверждение для шаблона tpl.
func ValidateProof(tpl model.MissionTemplate, p Proof) error {
	switch tpl.Type {
	case model.MissionTypeAd:
		// Реклама должна быть просмотрена хотя бы на 90%.
		if p.WatchedSeconds*10 < tpl.DurationSeconds*9 {
			return fmt.Errorf("%w: watched %ds of %ds", ErrInvalidProof, p.WatchedSeconds, tpl.DurationSeconds)
		}
	case model.MissionTypeSocial:
		if strings.TrimSpace(p.EngagementID) == "" || strings.TrimSpace(p.Platform) == "" {
			return fmt.Errorf("%w: engagement_id and platform are required", ErrInvalidProof)
		}
	case model.MissionTypeSurvey:
		answered := 0
		for _, v := range p.Responses {
			if strings.TrimSpace(v) != "" {
				answered++
			}
		}
		if answered == 0 {
			return fmt.Errorf("%w: survey has no responses", ErrInvalidProof)
		}
	case model.MissionTypeOther:
	default:
		return fmt.Errorf("%w: unknown mission type %q", ErrInvalidProof, tpl.Type)
	}
	return nil
}
