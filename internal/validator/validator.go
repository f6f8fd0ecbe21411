package validator

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidEmail    = errors.New("invalid email")
	ErrInvalidPassword = errors.New("invalid password")
	ErrInvalidName     = errors.New("invalid name")
)

const (
	maxMail     = 254
	maxNamePart = 100
	minPassword = 8
	maxPassword = 72
)

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func ValidateEmail(email string) error {
	if len(email) > maxMail || !emailRegex.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

// ValidatePassword bounds the length to what bcrypt accepts.
func ValidatePassword(password string) error {
	if len(password) < minPassword || len(password) > maxPassword {
		return ErrInvalidPassword
	}
	return nil
}

// ValidateName checks an optional name part; nil is allowed.
func ValidateName(part *string) error {
	if part == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*part)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > maxNamePart {
		return ErrInvalidName
	}
	return nil
}
