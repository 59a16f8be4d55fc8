package server

import (
	"carelink/internal/service"

	"github.com/gofiber/fiber/v2"
)

// ListRequests returns the patient's pending connection requests.
func (s *Server) ListRequests(c *fiber.Ctx) error {
	pid, err := patientID(c)
	if err != nil {
		return nil
	}
	ps, err := s.registry.Get(c.UserContext(), pid)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(fiber.Map{"requests": ps.Watcher.Refresh(c.UserContext())})
}

// NeedsConsent returns the first request waiting on the patient's consent,
// or 204 when there is none.
func (s *Server) NeedsConsent(c *fiber.Ctx) error {
	pid, err := patientID(c)
	if err != nil {
		return nil
	}
	ps, err := s.registry.Get(c.UserContext(), pid)
	if err != nil {
		return respondErr(c, err)
	}
	req := service.FindNeedsConsent(ps.Watcher.Refresh(c.UserContext()))
	if req == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(req)
}
