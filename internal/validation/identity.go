// Package validation checks identities before a consent session opens.
package validation

import (
	"fmt"
	"net/mail"
	"strings"
)

const maxNameLength = 255

// ValidateEmail checks that email is a bare address with a domain.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if len(email) > 255 {
		return fmt.Errorf("email must be at most 255 characters")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("email %q is not a valid address", email)
	}
	at := strings.LastIndex(email, "@")
	if !strings.Contains(email[at+1:], ".") {
		return fmt.Errorf("email %q must include a domain", email)
	}
	return nil
}

// ValidateName checks a display name.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("name must be at most %d characters", maxNameLength)
	}
	return nil
}

// ValidatePatientIdentity checks the fields a consent record and roster row
// are written with.
func ValidatePatientIdentity(id uint, name, email string) error {
	if id == 0 {
		return fmt.Errorf("patient id is required")
	}
	if err := ValidateName(name); err != nil {
		return fmt.Errorf("patient %w", err)
	}
	if err := ValidateEmail(email); err != nil {
		return fmt.Errorf("patient %w", err)
	}
	return nil
}

// ValidateDoctorIdentity checks the doctor side of a consent decision.
func ValidateDoctorIdentity(id uint, name, email string) error {
	if id == 0 {
		return fmt.Errorf("doctor id is required")
	}
	if err := ValidateName(name); err != nil {
		return fmt.Errorf("doctor %w", err)
	}
	if err := ValidateEmail(email); err != nil {
		return fmt.Errorf("doctor %w", err)
	}
	return nil
}
