// Package validation содержит проверки реквизитов выплаты.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/mmeshcher/earnings-ledger/internal/model"
)

// ErrInvalidDestination возвращается для реквизитов, не подходящих способу выплаты.
var ErrInvalidDestination = errors.New("invalid payout destination")

var paypalEmail = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// BankAccount содержит реквизиты банковского перевода.
type BankAccount struct {
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

// NormalizeMpesa приводит кенийский номер телефона к виду 2547XXXXXXXX.
// Допустимы записи 7XXXXXXXX, 07XXXXXXXX и 2547XXXXXXXX с любыми разделителями.
func NormalizeMpesa(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 9 && strings.HasPrefix(digits, "7"):
		return "254" + digits, true
	case len(digits) == 10 && strings.HasPrefix(digits, "07"):
		return "254" + digits[1:], true
	case len(digits) == 12 && strings.HasPrefix(digits, "254"):
		return digits, true
	}
	return "", false
}

// ParseBankAccount разбирает реквизиты из JSON; все три поля обязательны.
func ParseBankAccount(raw string) (BankAccount, bool) {
	var acc BankAccount
	if err := json.Unmarshal([]byte(raw), &acc); err != nil {
		return BankAccount{}, false
	}

	acc.BankName = strings.TrimSpace(acc.BankName)
	acc.AccountNumber = strings.TrimSpace(acc.AccountNumber)
	acc.AccountName = strings.TrimSpace(acc.AccountName)

	if acc.BankName == "" || acc.AccountNumber == "" || acc.AccountName == "" {
		return BankAccount{}, false
	}
	return acc, true
}

// IsValidPaypalEmail проверяет адрес учётной записи PayPal.
func IsValidPaypalEmail(email string) bool {
	return paypalEmail.MatchString(email)
}

// Destination проверяет реквизиты для способа выплаты rail и возвращает их нормализованную запись.
func Destination(rail model.Rail, raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	switch rail {
	case model.RailMpesa:
		if phone, ok := NormalizeMpesa(raw); ok {
			return phone, nil
		}
		return "", fmt.Errorf("%w: not a Kenyan mobile number", ErrInvalidDestination)
	case model.RailBank:
		acc, ok := ParseBankAccount(raw)
		if !ok {
			return "", fmt.Errorf("%w: bank_name, account_number and account_name are required", ErrInvalidDestination)
		}
		normalized, err := json.Marshal(acc)
		if err != nil {
			return "", fmt.Errorf("encode bank account: %w", err)
		}
		return string(normalized), nil
	case model.RailPaypal:
		email := strings.ToLower(raw)
		if IsValidPaypalEmail(email) {
			return email, nil
		}
		return "", fmt.Errorf("%w: not an email address", ErrInvalidDestination)
	}
	return "", fmt.Errorf("%w: unknown rail %q", ErrInvalidDestination, rail)
}
