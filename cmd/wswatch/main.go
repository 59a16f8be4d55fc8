// Command wswatch connects to the patient websocket and prints every consent
// event it receives.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	host := flag.String("host", "localhost:8080", "API server host")
	token := flag.String("token", os.Getenv("CARELINK_TOKEN"), "patient bearer token")
	secure := flag.Bool("tls", false, "use wss")
	verbose := flag.Bool("v", false, "print full payloads")
	flag.Parse()

	if *token == "" {
		log.Fatal("a patient token is required (-token or CARELINK_TOKEN)")
	}

	scheme := "ws"
	if *secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: *host, Path: "/api/ws", RawQuery: "token=" + url.QueryEscape(*token)}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			log.Fatalf("dial %s: %v (status %d)", u.Host, err, resp.StatusCode)
		}
		log.Fatalf("dial %s: %v", u.Host, err)
	}
	defer func() { _ = conn.Close() }()
	log.Printf("connected to %s", u.Host)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("read: %v", err)
				}
				return
			}
			printMessage(raw, *verbose)
		}
	}()

	select {
	case <-done:
	case <-interrupt:
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func printMessage(raw []byte, verbose bool) {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		fmt.Printf("%s  <unparsed> %s\n", time.Now().Format(time.TimeOnly), raw)
		return
	}

	summary := ""
	if msg.Type == "requests_updated" {
		var list []json.RawMessage
		if json.Unmarshal(msg.Payload, &list) == nil {
			summary = fmt.Sprintf("%d pending", len(list))
		}
	}
	if verbose || summary == "" {
		summary = string(msg.Payload)
	}
	fmt.Printf("%s  %-18s %s\n", time.Now().Format(time.TimeOnly), msg.Type, summary)
}
