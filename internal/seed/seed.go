package seed

import (
	"fmt"
	"log"

	"carelink/internal/models"

	"gorm.io/gorm"
)

// Options configuration for the seeder
type Options struct {
	Doctors     int
	Patients    int
	Requests    int
	ShouldClean bool
	DryRun      bool
	// MaxDays spreads request creation times over the last N days.
	MaxDays  int
	RandSeed int64
}

// Summary reports what Seed created.
type Summary struct {
	Doctors  int
	Patients int
	Requests int
}

// Seed populates the database with doctors, patients and pending
// connection requests between them. A patient never gets two requests from
// the same doctor.
func Seed(db *gorm.DB, opts Options) (Summary, error) {
	var sum Summary
	log.Printf("Seeding %d doctors, %d patients, %d requests", opts.Doctors, opts.Patients, opts.Requests)

	if opts.ShouldClean && !opts.DryRun {
		if err := clearData(db); err != nil {
			return sum, fmt.Errorf("failed to clear data: %w", err)
		}
	}

	f := NewFactory(db, opts)

	doctors := make([]*models.Doctor, 0, opts.Doctors)
	for i := 0; i < opts.Doctors; i++ {
		d, err := f.CreateDoctor()
		if err != nil {
			return sum, fmt.Errorf("failed to create doctor: %w", err)
		}
		doctors = append(doctors, d)
	}
	sum.Doctors = len(doctors)

	patients := make([]*models.Patient, 0, opts.Patients)
	for i := 0; i < opts.Patients; i++ {
		p, err := f.CreatePatient()
		if err != nil {
			return sum, fmt.Errorf("failed to create patient: %w", err)
		}
		patients = append(patients, p)
	}
	sum.Patients = len(patients)

	if len(doctors) == 0 || len(patients) == 0 {
		return sum, nil
	}

	// Walk the patient x doctor grid so pairs stay distinct.
	limit := min(opts.Requests, len(doctors)*len(patients))
	for i := 0; i < limit; i++ {
		patient := patients[i%len(patients)]
		doctor := doctors[(i/len(patients))%len(doctors)]
		if _, err := f.CreateRequest(patient, doctor); err != nil {
			return sum, fmt.Errorf("failed to create request: %w", err)
		}
		sum.Requests++
	}
	if limit < opts.Requests {
		log.Printf("Only %d distinct patient/doctor pairs available, created %d requests", limit, limit)
	}

	log.Printf("Seeding completed: %d doctors, %d patients, %d requests", sum.Doctors, sum.Patients, sum.Requests)
	return sum, nil
}

func clearData(db *gorm.DB) error {
	log.Println("Clearing existing data...")
	// consent_records is append-only and keeps its history.
	sql := `TRUNCATE TABLE patient_roster, connection_requests, doctors, patients RESTART IDENTITY CASCADE;`
	return db.Exec(sql).Error
}
