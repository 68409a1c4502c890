// Package bus publishes daemon events to a websocket hub.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	From = "hetu"

	KindLoopState     = "loop_state"
	KindLoopStatus    = "loop_status"
	KindUserMessage   = "user_message"
	KindReply         = "assistant_reply"
	KindReplyPiece    = "assistant_reply_piece"
	KindAnalysisState = "analysis_state"
	KindInsight       = "insight"

	writeTimeout = 5 * time.Second
)

type Event struct {
	From    string    `json:"from"`
	Kind    string    `json:"kind"`
	Content string    `json:"content"`
	Run     string    `json:"run,omitempty"`
	Time    time.Time `json:"time"`
}

type Bus struct {
	conn *websocket.Conn

	// gorilla connections support one concurrent writer
	wmu sync.Mutex
}

func Dial(ctx context.Context, wsURL string) (*Bus, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("bus: parse url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", wsURL, err)
	}

	slog.Info("Connected to bus", "url", wsURL)
	return &Bus{conn: conn}, nil
}

// Publish sends e, filling From and Time when unset.
func (b *Bus) Publish(e Event) error {
	if e.From == "" {
		e.From = From
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	b.wmu.Lock()
	defer b.wmu.Unlock()

	b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

func (b *Bus) Read() (Event, error) {
	_, msg, err := b.conn.ReadMessage()
	if err != nil {
		return Event{}, err
	}

	var e Event
	if err := json.Unmarshal(msg, &e); err != nil {
		return Event{}, fmt.Errorf("bus: decode event: %w", err)
	}
	return e, nil
}

func (b *Bus) Close() error {
	b.wmu.Lock()
	b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	b.wmu.Unlock()
	return b.conn.Close()
}
