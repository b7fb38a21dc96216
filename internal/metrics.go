package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics keeps process-local counters exposed as JSON on /metrics.
type Metrics struct {
	signups           atomic.Uint64
	logins            atomic.Uint64
	globalConns       atomic.Int64
	roomConns         atomic.Int64
	messagesSent      atomic.Uint64
	deliveryFailures  atomic.Uint64
	pushNotifications atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSignup()          { m.signups.Add(1) }
func (m *Metrics) IncLogin()           { m.logins.Add(1) }
func (m *Metrics) IncGlobalConn()      { m.globalConns.Add(1) }
func (m *Metrics) DecGlobalConn()      { m.globalConns.Add(-1) }
func (m *Metrics) IncRoomConn()        { m.roomConns.Add(1) }
func (m *Metrics) DecRoomConn()        { m.roomConns.Add(-1) }
func (m *Metrics) IncMessageSent()     { m.messagesSent.Add(1) }
func (m *Metrics) IncDeliveryFailure() { m.deliveryFailures.Add(1) }
func (m *Metrics) IncPush()            { m.pushNotifications.Add(1) }

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"signups_total":            m.signups.Load(),
		"logins_total":             m.logins.Load(),
		"active_global_conns":      m.globalConns.Load(),
		"active_room_conns":        m.roomConns.Load(),
		"messages_sent_total":      m.messagesSent.Load(),
		"delivery_failures_total":  m.deliveryFailures.Load(),
		"push_notifications_total": m.pushNotifications.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
