package server

import "github.com/gofiber/fiber/v2"

// GetFeatureFlags returns the flags as evaluated for the patient.
func (s *Server) GetFeatureFlags(c *fiber.Ctx) error {
	pid, err := patientID(c)
	if err != nil {
		return nil
	}
	return c.JSON(fiber.Map{"flags": s.featureFlags.Snapshot(pid)})
}
