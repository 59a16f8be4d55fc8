// Package models contains data structures for the application's domain models.
package models

import "time"

// RequestStatus defines lifecycle states for doctor connection requests.
type RequestStatus string

const (
	// RequestStatusPending indicates the request awaits the patient.
	RequestStatusPending RequestStatus = "pending"
	// RequestStatusApproved is the legacy terminal value written by older clients.
	RequestStatusApproved RequestStatus = "approved"
	// RequestStatusAccepted indicates the patient accepted and consented.
	RequestStatusAccepted RequestStatus = "accepted"
	// RequestStatusDeclined indicates the patient declined.
	RequestStatusDeclined RequestStatus = "declined"
	// RequestStatusRejected indicates the doctor withdrew or an admin rejected it.
	RequestStatusRejected RequestStatus = "rejected"
)

// ConsentStatus is the consent sub-state of a connection request. A nil
// pointer on the request means the patient has not been asked yet.
type ConsentStatus string

const (
	// ConsentStatusPending indicates consent was asked but not answered.
	ConsentStatusPending ConsentStatus = "pending"
	// ConsentStatusAccepted indicates consent was given.
	ConsentStatusAccepted ConsentStatus = "accepted"
	// ConsentStatusRejected indicates consent was refused.
	ConsentStatusRejected ConsentStatus = "rejected"
)

// ConnectionRequest is a doctor's request to be linked to a patient.
type ConnectionRequest struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	PatientID        uint           `gorm:"not null;index:idx_connection_requests_patient_status" json:"patient_id"`
	DoctorID         uint           `gorm:"not null;index" json:"doctor_id"`
	Doctor           *Doctor        `gorm:"foreignKey:DoctorID" json:"doctor,omitempty"`
	Status           RequestStatus  `gorm:"type:varchar(20);not null;default:'pending';index:idx_connection_requests_patient_status" json:"status"`
	ConsentStatus    *ConsentStatus `gorm:"type:varchar(20)" json:"consent_status"`
	ConsentUpdatedAt *time.Time     `json:"consent_updated_at,omitempty"`
	ApprovedAt       *time.Time     `json:"approved_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (ConnectionRequest) TableName() string {
	return "connection_requests"
}

// ConsentUnresolved reports whether the consent sub-state is unset or pending.
func (r ConnectionRequest) ConsentUnresolved() bool {
	return r.ConsentStatus == nil || *r.ConsentStatus == ConsentStatusPending
}

// NeedsConsent reports whether the request is pending and still waiting on
// the patient's consent decision.
func (r ConnectionRequest) NeedsConsent() bool {
	return r.Status == RequestStatusPending && r.ConsentUnresolved()
}

// ConsentStatusPtr returns a pointer to s, for struct literals.
func ConsentStatusPtr(s ConsentStatus) *ConsentStatus {
	return &s
}
