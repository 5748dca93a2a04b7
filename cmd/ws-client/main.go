package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
)

// ws-client tails the settlement event stream. Subscribe to "events" for
// everything or "events:<Name>" for one event type, e.g.
// events:MarketExecuted.

type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://localhost:8081/ws", "WebSocket URL")
		channels = flag.String("channels", "events", "Comma-separated channels to subscribe")
		timeout  = flag.Duration("timeout", 0, "Exit after this duration (0 = run until interrupted)")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)

	logger.Info("Connecting to event stream", "url", *wsURL)

	u, err := url.Parse(*wsURL)
	if err != nil {
		logger.Error("Invalid URL", "error", err)
		os.Exit(1)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		logger.Error("Failed to connect", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	logger.Info("Connected")

	var subs []string
	for _, ch := range strings.Split(*channels, ",") {
		if c := strings.TrimSpace(ch); c != "" {
			subs = append(subs, c)
		}
	}

	sub := SubscribeRequest{Type: "subscribe", Channels: subs}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Error("Failed to send subscription", "error", err)
		return
	}
	logger.Info("Subscription sent", "channels", subs)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				logger.Warn("Read error", "error", err)
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}

			var msg Message
			if err := json.Unmarshal(message, &msg); err != nil {
				logger.Info("Raw message", "data", string(message))
				continue
			}
			switch msg.Type {
			case "subscribed", "pong":
				logger.Info("Control message", "type", msg.Type)
			case "event":
				logger.Info("Event",
					"channel", msg.Channel,
					"seq", msg.Sequence,
					"data", fmt.Sprintf("%+v", msg.Data))
			default:
				logger.Info("Message received", "type", msg.Type)
			}
		}
	}()

	var timeoutCh <-chan time.Time
	if *timeout > 0 {
		timeoutCh = time.After(*timeout)
	}

	select {
	case <-done:
		logger.Info("Connection closed")
	case <-interrupt:
		logger.Info("Interrupt received, closing connection")
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			logger.Warn("Failed to send close message", "error", err)
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	case <-timeoutCh:
		logger.Info("Timeout reached")
	}

	logger.Info("Event stream client terminated")
}
