package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

// Event kinds.
const (
	EventEstablished = "session.established"
	EventClosed      = "session.closed"
	EventPeerError   = "session.peer_error"
	EventError       = "packet.error"
	EventBlocked     = "source.blocked"
	EventDiscovered  = "discovery.completed"
)

// ReportQueue bounds events waiting for delivery to reporters.
const ReportQueue = 1024

// Event is one observation handed to a Reporter.
type Event struct {
	Time      time.Time
	Kind      string
	SessionID uint64
	State     string
	Peer      netip.Addr
	Code      protocol.Code
	Detail    string
	Err       error
}

// Reporter receives engine events. Report may block; the daemon calls it
// from a queue so packet processing never waits on it.
type Reporter interface {
	Report(ev Event)
}

// LogReporter writes events through slog.
type LogReporter struct {
	Logger *slog.Logger
}

func (r *LogReporter) Report(ev Event) {
	attrs := []any{"event", ev.Kind}
	if ev.SessionID != 0 {
		attrs = append(attrs, "session_id", hexID(ev.SessionID))
	}
	if ev.State != "" {
		attrs = append(attrs, "state", ev.State)
	}
	if ev.Peer.IsValid() {
		attrs = append(attrs, "peer", ev.Peer)
	}
	if ev.Code != protocol.CodeNone {
		attrs = append(attrs, "code", ev.Code, "policy", ev.Code.Policy())
	}
	if ev.Detail != "" {
		attrs = append(attrs, "detail", ev.Detail)
	}
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err)
	}
	level := slog.LevelDebug
	switch ev.Kind {
	case EventBlocked:
		level = slog.LevelWarn
	case EventEstablished, EventClosed, EventDiscovered:
		level = slog.LevelInfo
	}
	r.Logger.Log(context.Background(), level, "engine event", attrs...)
}

// asyncReporter fans events out to reporters from one goroutine. Events
// arriving while the queue is full are dropped and counted.
type asyncReporter struct {
	reporters []Reporter
	ch        chan Event
	done      chan struct{}
	closed    chan struct{} // closed when Close is called, guards Report
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func newAsyncReporter(reporters ...Reporter) *asyncReporter {
	r := &asyncReporter{
		reporters: reporters,
		ch:        make(chan Event, ReportQueue),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Report queues ev. Non-blocking; safe to call after Close.
func (r *asyncReporter) Report(ev Event) {
	select {
	case <-r.closed:
		return
	default:
	}
	select {
	case r.ch <- ev:
	case <-r.closed:
	default:
		r.dropped.Add(1)
	}
}

func (r *asyncReporter) Dropped() uint64 { return r.dropped.Load() }

// Close delivers what is queued and stops. Idempotent.
func (r *asyncReporter) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
	<-r.done
}

func (r *asyncReporter) run() {
	defer close(r.done)
	for {
		select {
		case ev := <-r.ch:
			r.deliver(ev)
		case <-r.closed:
			for {
				select {
				case ev := <-r.ch:
					r.deliver(ev)
				default:
					r.closeReporters()
					return
				}
			}
		}
	}
}

func (r *asyncReporter) deliver(ev Event) {
	for _, rep := range r.reporters {
		rep.Report(ev)
	}
}

func (r *asyncReporter) closeReporters() {
	for _, rep := range r.reporters {
		if c, ok := rep.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

// WebhookEvent is the JSON payload POSTed to the webhook endpoint.
type WebhookEvent struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	Code      uint16    `json:"code,omitempty"`
	CodeName  string    `json:"code_name,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// WebhookReporter POSTs every event to an HTTP(S) endpoint. It runs on the
// daemon's report queue, so a slow endpoint only costs dropped events.
type WebhookReporter struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

func NewWebhookReporter(url string, log *slog.Logger) *WebhookReporter {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookReporter{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log,
	}
}

func (wr *WebhookReporter) Report(ev Event) {
	wev := &WebhookEvent{
		Event:     ev.Kind,
		Timestamp: ev.Time.UTC(),
		State:     ev.State,
		Detail:    ev.Detail,
	}
	if ev.SessionID != 0 {
		wev.SessionID = hexID(ev.SessionID)
	}
	if ev.Peer.IsValid() {
		wev.Peer = ev.Peer.String()
	}
	if ev.Code != protocol.CodeNone {
		wev.Code = uint16(ev.Code)
		wev.CodeName = ev.Code.String()
	}
	if ev.Err != nil {
		wev.Error = ev.Err.Error()
	}
	wr.post(wev)
}

func (wr *WebhookReporter) post(ev *WebhookEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		wr.log.Warn("webhook marshal error", "event", ev.Event, "error", err)
		return
	}
	resp, err := wr.client.Post(wr.url, "application/json", bytes.NewReader(body))
	if err != nil {
		wr.log.Warn("webhook POST failed", "event", ev.Event, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		wr.log.Warn("webhook POST error status", "event", ev.Event, "status", resp.StatusCode)
	}
}
