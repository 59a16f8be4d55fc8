package models

import "time"

// ConsentRecord is the append-only log of one accept/decline decision with
// the exact disclosure text the patient was shown.
type ConsentRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SessionID    string    `gorm:"type:varchar(36);not null;index" json:"session_id"`
	RequestID    uint      `gorm:"not null;index" json:"request_id"`
	PatientEmail string    `gorm:"size:255;not null;index:idx_consent_records_pair" json:"patient_email"`
	PatientName  string    `gorm:"size:255;not null" json:"patient_name"`
	DoctorEmail  string    `gorm:"size:255;not null;index:idx_consent_records_pair" json:"doctor_email"`
	DoctorName   string    `gorm:"size:255;not null" json:"doctor_name"`
	ConsentGiven bool      `gorm:"not null" json:"consent_given"`
	ConsentDate  time.Time `gorm:"not null" json:"consent_date"`
	ConsentText  string    `gorm:"type:text;not null" json:"consent_text"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName specifies the table name for GORM.
func (ConsentRecord) TableName() string {
	return "consent_records"
}
