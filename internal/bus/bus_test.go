package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHub sends every received frame back and forwards it to got.
func echoHub(t *testing.T, got chan<- Event) string {
	t.Helper()

	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var e Event
			if json.Unmarshal(msg, &e) == nil {
				got <- e
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPublishAndRead(t *testing.T) {
	got := make(chan Event, 4)
	b, err := Dial(context.Background(), echoHub(t, got))
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Publish(Event{Kind: KindLoopState, Content: "listening"}))

	select {
	case e := <-got:
		assert.Equal(t, From, e.From)
		assert.Equal(t, KindLoopState, e.Kind)
		assert.Equal(t, "listening", e.Content)
		assert.False(t, e.Time.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not receive event")
	}

	echo, err := b.Read()
	require.NoError(t, err)
	assert.Equal(t, "listening", echo.Content)
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/nope")
	require.Error(t, err)

	_, err = Dial(context.Background(), "://bad")
	require.Error(t, err)
}
