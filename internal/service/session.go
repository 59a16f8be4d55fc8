package service

import (
	"carelink/internal/models"
	"carelink/internal/validation"
)

// Session is the signed-in patient's identity. It is passed explicitly to
// the watcher and coordinator instead of being read from ambient state.
type Session struct {
	PatientID    uint
	PatientName  string
	PatientEmail string
	PatientAge   int
}

// NewSession builds a validated Session from a patient profile.
func NewSession(p *models.Patient) (Session, error) {
	if p == nil {
		return Session{}, models.NewValidationError("patient profile is required")
	}
	s := Session{
		PatientID:    p.ID,
		PatientName:  p.Name,
		PatientEmail: p.Email,
		PatientAge:   p.Age,
	}
	if err := s.Validate(); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Validate reports a VALIDATION_ERROR when the identity cannot be written
// to a consent record.
func (s Session) Validate() error {
	if err := validation.ValidatePatientIdentity(s.PatientID, s.PatientName, s.PatientEmail); err != nil {
		return models.NewValidationError(err.Error())
	}
	return nil
}
