// Package seed provides helpers to create demo data for the consent flow.
// These helpers are intended for development and testing only.
package seed

import (
	"fmt"
	"log"
	"strings"
	"time"

	"carelink/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/gorm"
)

var specializations = []string{
	"Cardiology", "Dermatology", "Endocrinology", "Family Medicine", "Gastroenterology",
	"Neurology", "Obstetrics", "Oncology", "Ophthalmology", "Orthopedics",
	"Pediatrics", "Psychiatry", "Pulmonology", "Rheumatology", "Urology",
}

// Factory builds domain entities and persists them to the database.
type Factory struct {
	db    *gorm.DB
	opts  Options
	faker *gofakeit.Faker
	// synthetic ID counter when running in DryRun mode
	nextID uint
	// keeps generated emails unique within one run
	serial int
}

// NewFactory creates a new Factory bound to the provided Gorm DB. A zero
// opts.RandSeed seeds from the clock.
func NewFactory(db *gorm.DB, opts Options) *Factory {
	seed := opts.RandSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Factory{db: db, opts: opts, faker: gofakeit.New(seed), nextID: 1000}
}

func (f *Factory) uniqueEmail(prefix string) string {
	f.serial++
	local := strings.ToLower(f.faker.FirstName() + "." + f.faker.LastName())
	local = strings.ReplaceAll(local, " ", "")
	return fmt.Sprintf("%s%d.%s@%s", prefix, f.serial, local, f.faker.DomainName())
}

// BuildPatient constructs a patient without persisting it.
func (f *Factory) BuildPatient(overrides ...func(*models.Patient)) *models.Patient {
	p := &models.Patient{
		Name:  f.faker.Name(),
		Email: f.uniqueEmail("p"),
		Age:   f.faker.Number(18, 90),
	}
	for _, override := range overrides {
		override(p)
	}
	return p
}

// CreatePatient constructs and persists a sample patient.
func (f *Factory) CreatePatient(overrides ...func(*models.Patient)) (*models.Patient, error) {
	p := f.BuildPatient(overrides...)
	if f.opts.DryRun {
		f.nextID++
		p.ID = f.nextID
		log.Printf("[dry-run] CreatePatient: %s <%s>", p.Name, p.Email)
		return p, nil
	}
	if err := f.db.Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

// BuildDoctor constructs a doctor without persisting it.
func (f *Factory) BuildDoctor(overrides ...func(*models.Doctor)) *models.Doctor {
	d := &models.Doctor{
		Name:           "Dr. " + f.faker.LastName(),
		Email:          f.uniqueEmail("dr"),
		Specialization: f.faker.RandomString(specializations),
	}
	for _, override := range overrides {
		override(d)
	}
	return d
}

// CreateDoctor constructs and persists a sample doctor.
func (f *Factory) CreateDoctor(overrides ...func(*models.Doctor)) (*models.Doctor, error) {
	d := f.BuildDoctor(overrides...)
	if f.opts.DryRun {
		f.nextID++
		d.ID = f.nextID
		log.Printf("[dry-run] CreateDoctor: %s (%s)", d.Name, d.Specialization)
		return d, nil
	}
	if err := f.db.Create(d).Error; err != nil {
		return nil, err
	}
	return d, nil
}

// BuildRequest constructs a pending connection request from doctor to
// patient. About one in four has already been asked for consent.
func (f *Factory) BuildRequest(patient *models.Patient, doctor *models.Doctor, overrides ...func(*models.ConnectionRequest)) *models.ConnectionRequest {
	maxDays := f.opts.MaxDays
	if maxDays <= 0 {
		maxDays = 30
	}
	back := time.Duration(f.faker.Number(0, maxDays*24*60)) * time.Minute

	req := &models.ConnectionRequest{
		PatientID: patient.ID,
		DoctorID:  doctor.ID,
		Status:    models.RequestStatusPending,
		CreatedAt: time.Now().Add(-back),
	}
	if f.faker.Number(1, 4) == 1 {
		req.ConsentStatus = models.ConsentStatusPtr(models.ConsentStatusPending)
	}
	for _, override := range overrides {
		override(req)
	}
	return req
}

// CreateRequest constructs and persists a sample connection request.
func (f *Factory) CreateRequest(patient *models.Patient, doctor *models.Doctor, overrides ...func(*models.ConnectionRequest)) (*models.ConnectionRequest, error) {
	req := f.BuildRequest(patient, doctor, overrides...)
	if f.opts.DryRun {
		f.nextID++
		req.ID = f.nextID
		log.Printf("[dry-run] CreateRequest: patient=%d doctor=%d", req.PatientID, req.DoctorID)
		return req, nil
	}
	if err := f.db.Create(req).Error; err != nil {
		return nil, err
	}
	return req, nil
}
