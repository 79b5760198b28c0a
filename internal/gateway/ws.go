package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vilaca/gitlabfleet/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Every origin is accepted: the handshake performs no origin check of
	// its own.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 60 * time.Second
)

type wsCommand struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	JobID  string `json:"jobId"`
}

type wsEventWire struct {
	Topic       string   `json:"topic"`
	Kind        string   `json:"kind"`
	Seq         uint64   `json:"seq"`
	JobID       string   `json:"jobId"`
	Completed   int      `json:"completed,omitempty"`
	Failed      int      `json:"failed,omitempty"`
	Total       int      `json:"total,omitempty"`
	CurrentItem string   `json:"currentItem,omitempty"`
	Level       string   `json:"level,omitempty"`
	Message     string   `json:"message,omitempty"`
	State       string   `json:"state,omitempty"`
	Missing     []string `json:"missing,omitempty"`
	Dropped     int      `json:"dropped,omitempty"`
	Summary     string   `json:"summary,omitempty"`
}

func toWSEvent(evt domain.BusEvent) wsEventWire {
	return wsEventWire{
		Topic: evt.Topic, Kind: string(evt.Kind), Seq: evt.Seq, JobID: evt.JobID,
		Completed: evt.Completed, Failed: evt.Failed, Total: evt.Total,
		CurrentItem: evt.CurrentItem, Level: evt.Level, Message: evt.Message,
		State: string(evt.State), Missing: evt.Missing, Dropped: evt.Dropped, Summary: evt.Summary,
	}
}

// handleWebSocket upgrades the connection and multiplexes every job topic
// the client subscribes to onto it, one duplex socket per session rather
// than one per job. Grounded on the single-connection-fan-in-many-channels
// pattern gorilla/websocket examples use: one writer goroutine drains a
// shared events channel while readPump handles subscribe/unsubscribe
// control messages.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	connID := uuid.NewString()
	events := make(chan wsEventWire, 256)
	done := make(chan struct{})
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { close(done); _ = conn.Close() }) }

	var mu sync.Mutex
	unsubs := make(map[string]func())

	subscribe := func(jobID string) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := unsubs[jobID]; ok {
			return
		}
		snapshot, live, unsub := g.bus.Subscribe(jobID, connID)
		unsubs[jobID] = unsub
		for _, evt := range snapshot {
			select {
			case events <- toWSEvent(evt):
			default:
			}
		}
		go func() {
			for evt := range live {
				select {
				case events <- toWSEvent(evt):
				case <-done:
					return
				}
			}
		}()
	}

	unsubscribe := func(jobID string) {
		mu.Lock()
		defer mu.Unlock()
		if unsub, ok := unsubs[jobID]; ok {
			unsub()
			delete(unsubs, jobID)
		}
	}

	go wsWritePump(conn, events, done, closeConn)
	wsReadPump(conn, subscribe, unsubscribe, closeConn)

	mu.Lock()
	for _, unsub := range unsubs {
		unsub()
	}
	mu.Unlock()
}

func wsWritePump(conn *websocket.Conn, events <-chan wsEventWire, done <-chan struct{}, closeConn func()) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer closeConn()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func wsReadPump(conn *websocket.Conn, subscribe, unsubscribe func(string), closeConn func()) {
	defer closeConn()
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		switch cmd.Action {
		case "subscribe":
			subscribe(cmd.JobID)
		case "unsubscribe":
			unsubscribe(cmd.JobID)
		}
	}
}
