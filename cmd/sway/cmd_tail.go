package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/Peleke/MindMirror-sub002/events"
)

// tailCmd follows the deployment event stream
var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow the deployment event stream",
	Long: `Connect to the control plane's websocket event stream and print
deployment events as they happen. Recent events are replayed on
connect, so a deploy started moments ago is still visible.`,
	RunE: runTail,
}

var tailTypes []string

func init() {
	tailCmd.Flags().StringSliceVar(&tailTypes, "type", nil,
		"Only show these event types (repeatable), e.g. deploy.succeeded")
}

func runTail(_ *cobra.Command, _ []string) error {
	wsURL, err := websocketURL(apiBase)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", wsURL, err)
	}
	defer conn.Close()

	wanted := make(map[string]bool, len(tailTypes))
	for _, t := range tailTypes {
		wanted[t] = true
	}

	// Close the connection on Ctrl-C so ReadMessage returns.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		_ = conn.Close()
	}()

	fmt.Fprintf(os.Stderr, "connected to %s\n", wsURL)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-sig:
				return nil
			default:
			}
			return fmt.Errorf("stream closed: %w", err)
		}

		var event events.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			continue
		}
		if len(wanted) > 0 && !wanted[string(event.Type)] {
			continue
		}
		fmt.Printf("%s  %-24s %s\n",
			event.Timestamp.Format("15:04:05"), event.Type, compactJSON(event.Data))
	}
}

// websocketURL rewrites the API base URL onto the events endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid API URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported API scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events/ws"
	return u.String(), nil
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
