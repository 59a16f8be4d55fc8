package server

import (
	"carelink/internal/service"

	"github.com/gofiber/fiber/v2"
)

type openSessionRequest struct {
	// RequestID selects a specific request. Zero opens the first one that
	// needs consent.
	RequestID uint `json:"request_id"`
}

type acknowledgeRequest struct {
	Acknowledged *bool `json:"acknowledged"`
}

type decisionRequest struct {
	Accept *bool `json:"accept"`
}

// OpenConsentSession opens the patient's consent session in Preview.
func (s *Server) OpenConsentSession(c *fiber.Ctx) error {
	pid, err := patientID(c)
	if err != nil {
		return nil
	}
	var body openSessionRequest
	if len(c.Body()) > 0 {
		if err := bindJSON(c, &body); err != nil {
			return nil
		}
	}

	var snap service.SessionSnapshot
	if body.RequestID == 0 {
		snap, err = s.registry.OpenNext(c.UserContext(), pid)
	} else {
		snap, err = s.registry.OpenRequest(c.UserContext(), pid, body.RequestID)
	}
	if err != nil {
		return respondErr(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(snap)
}

// GetConsentSession returns the current session view.
func (s *Server) GetConsentSession(c *fiber.Ctx) error {
	pid, err := patientID(c)
	if err != nil {
		return nil
	}
	ps, err := s.registry.Get(c.UserContext(), pid)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(ps.Coordinator.Snapshot())
}

// ShowConsentText reveals the full disclosure and moves to AwaitingAck.
func (s *Server) ShowConsentText(c *fiber.Ctx) error {
	pid, err := patientID(c)
	if err != nil {
		return nil
	}
	ps, err := s.registry.Get(c.UserContext(), pid)
	if err != nil {
		return respondErr(c, err)
	}
	doc, err := ps.Coordinator.ShowFullText()
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(fiber.Map{
		"text":    doc,
		"session": ps.Coordinator.Snapshot(),
	})
}

// AcknowledgeConsent sets or clears the acknowledgement checkbox.
func (s *Server) AcknowledgeConsent(c *fiber.Ctx) error {
	pid, err := patientID(c)
	if err != nil {
		return nil
	}
	var body acknowledgeRequest
	if err := bindJSON(c, &body); err != nil {
		return nil
	}
	if body.Acknowledged == nil {
		return respondErr(c, validationErr("acknowledged is required"))
	}

	ps, err := s.registry.Get(c.UserContext(), pid)
	if err != nil {
		return respondErr(c, err)
	}
	snap, err := ps.Coordinator.Acknowledge(*body.Acknowledged)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(snap)
}

// DecideConsent commits the patient's accept or decline decision.
func (s *Server) DecideConsent(c *fiber.Ctx) error {
	pid, err := patientID(c)
	if err != nil {
		return nil
	}
	var body decisionRequest
	if err := bindJSON(c, &body); err != nil {
		return nil
	}
	if body.Accept == nil {
		return respondErr(c, validationErr("accept is required"))
	}

	ps, err := s.registry.Get(c.UserContext(), pid)
	if err != nil {
		return respondErr(c, err)
	}
	decision, err := ps.Coordinator.Decide(c.UserContext(), *body.Accept)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(decision)
}

// CloseConsentSession abandons the open session without a decision.
func (s *Server) CloseConsentSession(c *fiber.Ctx) error {
	pid, err := patientID(c)
	if err != nil {
		return nil
	}
	ps, err := s.registry.Get(c.UserContext(), pid)
	if err != nil {
		return respondErr(c, err)
	}
	if err := ps.Coordinator.Close(); err != nil {
		return respondErr(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
