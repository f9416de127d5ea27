package mission

import (
	"errors"
	"fmt"
)

var (
	// ErrInstanceNotEligible возвращается для экземпляра, который нельзя засчитать.
	ErrInstanceNotEligible = errors.New("mission instance not eligible")
	// ErrInvalidProof возвращается, если подтверждение выполнения не прошло проверку.
	ErrInvalidProof = fmt.Errorf("%w: invalid proof", ErrInstanceNotEligible)
	// ErrQuotaExceeded возвращается при исчерпании дневной квоты.
	ErrQuotaExceeded = errors.New("daily mission quota exceeded")
	// ErrAlreadyCredited возвращается, если за выполнение уже было начисление другим путём.
	ErrAlreadyCredited = errors.New("mission already credited")
	// ErrDuplicateAssignment возвращается при повторном назначении шаблона на ту же дату.
	ErrDuplicateAssignment = errors.New("mission already assigned for the date")
	// ErrUserSuspended возвращается для приостановленной учётной записи.
	ErrUserSuspended = errors.New("user suspended")
	// ErrMembershipExpired возвращается, если срок членства истёк.
	ErrMembershipExpired = errors.New("membership expired")
	// ErrTemplateInactive возвращается для выключенного шаблона.
	ErrTemplateInactive = errors.New("mission template inactive")
	// ErrInvalidTemplate возвращается для некорректного шаблона задания.
	ErrInvalidTemplate = errors.New("invalid mission template")
)
