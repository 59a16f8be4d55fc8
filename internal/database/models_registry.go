package database

import "carelink/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.Patient{},
		&models.Doctor{},
		&models.ConnectionRequest{},
		&models.ConsentRecord{},
		&models.RosterMembership{},
	}
}
