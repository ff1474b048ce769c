package checkout

import (
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/feedbox/billing/internal/gateway"
)

// ErrValidation is wrapped by every ValidationError.
var ErrValidation = errors.New("checkout: validation failed")

// ValidationError reports the first invalid request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		if r == ' ' || r == '-' || r == '.' || r == '/' || r == '(' || r == ')' || r == '+' {
			return -1
		}
		return 'x'
	}, s)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func validateCard(card gateway.Card, now time.Time) error {
	if strings.TrimSpace(card.HolderName) == "" {
		return invalid("card.holderName", "is required")
	}
	number := digitsOnly(card.Number)
	if !isDigits(number) || len(number) < 13 || len(number) > 19 {
		return invalid("card.number", "must have 13 to 19 digits")
	}
	month, errMonth := strconv.Atoi(strings.TrimSpace(card.ExpiryMonth))
	if errMonth != nil || month < 1 || month > 12 {
		return invalid("card.expiryMonth", "must be between 1 and 12")
	}
	yearText := strings.TrimSpace(card.ExpiryYear)
	if !isDigits(yearText) || (len(yearText) != 2 && len(yearText) != 4) {
		return invalid("card.expiryYear", "must have 2 or 4 digits")
	}
	year, _ := strconv.Atoi(yearText)
	if len(yearText) == 2 {
		year += 2000
	}
	if year < now.Year() || (year == now.Year() && month < int(now.Month())) {
		return invalid("card.expiryYear", "card is expired")
	}
	ccv := strings.TrimSpace(card.CCV)
	if !isDigits(ccv) || len(ccv) < 3 || len(ccv) > 4 {
		return invalid("card.ccv", "must have 3 or 4 digits")
	}
	return nil
}

func validateHolder(holder gateway.Holder) error {
	required := []struct {
		field string
		value string
	}{
		{"holder.name", holder.Name},
		{"holder.email", holder.Email},
		{"holder.cpfCnpj", holder.CPFCNPJ},
		{"holder.phone", holder.Phone},
		{"holder.postalCode", holder.PostalCode},
		{"holder.address", holder.Address},
		{"holder.addressNumber", holder.AddressNumber},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return invalid(r.field, "is required")
		}
	}
	if _, errAddr := mail.ParseAddress(holder.Email); errAddr != nil {
		return invalid("holder.email", "is not a valid email address")
	}
	if doc := digitsOnly(holder.CPFCNPJ); !isDigits(doc) || (len(doc) != 11 && len(doc) != 14) {
		return invalid("holder.cpfCnpj", "must be a CPF or CNPJ")
	}
	return nil
}
