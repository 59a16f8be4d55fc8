package models

import "time"

// RosterMembership asserts a patient is under a given doctor's care. The
// (email, doctor_email) pair is unique.
type RosterMembership struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	Email       string    `gorm:"size:255;not null;uniqueIndex:idx_roster_patient_doctor" json:"email"`
	DoctorEmail string    `gorm:"size:255;not null;uniqueIndex:idx_roster_patient_doctor" json:"doctor_email"`
	Age         int       `json:"age"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName specifies the table name for GORM.
func (RosterMembership) TableName() string {
	return "patient_roster"
}
