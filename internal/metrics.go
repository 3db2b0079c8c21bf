package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	roomsCreated atomic.Uint64
	roomsClosed  atomic.Uint64
	roomsSwept   atomic.Uint64
	broadcasts   atomic.Uint64
	wsMessages   atomic.Uint64
	activeConns  atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncRoomCreated() {
	m.roomsCreated.Add(1)
}

func (m *Metrics) IncRoomClosed() {
	m.roomsClosed.Add(1)
}

func (m *Metrics) AddRoomsSwept(n int) {
	if n > 0 {
		m.roomsSwept.Add(uint64(n))
	}
}

func (m *Metrics) IncBroadcast() {
	m.broadcasts.Add(1)
}

func (m *Metrics) IncMessage() {
	m.wsMessages.Add(1)
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"rooms_created_total": m.roomsCreated.Load(),
		"rooms_closed_total":  m.roomsClosed.Load(),
		"rooms_swept_total":   m.roomsSwept.Load(),
		"broadcasts_total":    m.broadcasts.Load(),
		"ws_messages_total":   m.wsMessages.Load(),
		"active_connections":  m.activeConns.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
