package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"
)

var CountryCode = "MM"

// FormatE164 validates a phone number for the region and returns it in E.164 form.
func FormatE164(phoneNumber, countryCode string) (string, error) {
	p, err := libphonenumber.Parse(strings.TrimSpace(phoneNumber), countryCode)
	if err != nil {
		return "", err
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", fmt.Errorf("phone number %q is not valid", phoneNumber)
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

// ProcessValidationErrors flattens validator errors into field -> failed tag.
func ProcessValidationErrors(err error) map[string]string {
	out := map[string]string{}
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		for _, fe := range verrs {
			out[fe.Field()] = fe.Tag()
		}
	case err != nil:
		out["_"] = err.Error()
	}
	return out
}

// ParseDecimal parses a trimmed, non-empty decimal string.
func ParseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, errors.New("empty decimal string")
	}
	return decimal.NewFromString(value)
}

func UniqueSlice[T comparable](slice []T) []T {
	seen := make(map[T]bool, len(slice))
	out := make([]T, 0, len(slice))
	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
