package server

import (
	"context"
	"log/slog"

	"carelink/internal/middleware"
	"carelink/internal/realtime"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// WebsocketHandler upgrades the connection and streams the patient's
// request list and consent prompts until the peer disconnects.
func (s *Server) WebsocketHandler() fiber.Handler {
	upgrade := websocket.New(func(conn *websocket.Conn) {
		pid, ok := conn.Locals("patientID").(uint)
		if !ok || pid == 0 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"message":"unauthorized"}}`))
			_ = conn.Close()
			return
		}

		client, err := s.hub.Register(pid, conn)
		if err != nil {
			middleware.Logger.Warn("websocket register failed",
				slog.Uint64("patient_id", uint64(pid)), slog.String("error", err.Error()))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"message":"`+err.Error()+`"}}`))
			_ = conn.Close()
			return
		}

		ctx := middleware.WithPatientID(context.Background(), pid)
		ps, err := s.registry.Get(ctx, pid)
		if err != nil {
			s.hub.UnregisterClient(client)
			_ = conn.Close()
			return
		}

		initial := realtime.Message{Type: realtime.MessageRequestsUpdated, Payload: ps.Watcher.Refresh(ctx)}
		if raw, err := initial.Encode(); err == nil {
			client.TrySend([]byte(raw))
		}

		stop, err := s.registry.Watch(ctx, pid)
		if err != nil {
			s.hub.UnregisterClient(client)
			_ = conn.Close()
			return
		}
		defer stop()

		go client.WritePump()
		client.ReadPump()
	})

	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return upgrade(c)
	}
}
