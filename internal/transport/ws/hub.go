// Package ws pushes announcements to the browser UIs attached to a terminal
// session. The browser renders tones with WebAudio and speech with the
// speech synthesis API; this side only says what to play.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fire-dispatch/radiostatus/internal/announce"
	"fire-dispatch/radiostatus/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// Message is the envelope of everything sent to a UI.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type tone struct {
	Frequency  float64 `json:"frequency"`
	DurationMS int64   `json:"durationMs"`
	OffsetMS   int64   `json:"offsetMs"`
	Volume     float64 `json:"volume"`
}

type tones struct {
	Name  string `json:"name"`
	Tones []tone `json:"tones"`
}

// Hub keeps one Feed per session.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logger.Logger

	mu    sync.Mutex
	feeds map[string]*Feed
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Terminals are served from other origins on the station LAN.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.Named("ws"),
		feeds:  make(map[string]*Feed),
	}
}

// Feed returns the feed of a session, creating it on first use.
func (h *Hub) Feed(sessionID string) *Feed {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.feeds[sessionID]
	if !ok {
		f = &Feed{
			sessionID: sessionID,
			clients:   make(map[*client]struct{}),
			logger:    h.logger.With(logger.String("session_id", sessionID)),
		}
		h.feeds[sessionID] = f
	}
	return f
}

// Remove disconnects every UI of a session.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	f, ok := h.feeds[sessionID]
	delete(h.feeds, sessionID)
	h.mu.Unlock()
	if ok {
		f.closeAll()
	}
}

// Serve upgrades the request and attaches the connection to the session's
// feed until either side hangs up.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	f := h.Feed(sessionID)
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	f.add(c)
	f.logger.Info("ui connected", logger.String("remote", r.RemoteAddr))

	go c.writePump()
	c.readPump()

	f.remove(c)
	f.logger.Info("ui disconnected", logger.String("remote", r.RemoteAddr))
	return nil
}

// Feed implements announce.Announcer, announce.Vibrator and
// announce.Notifier for one session. With no UI attached every call fails
// with announce.ErrNoListener.
type Feed struct {
	sessionID string
	logger    *logger.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func (f *Feed) add(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[c] = struct{}{}
}

func (f *Feed) remove(c *client) {
	f.mu.Lock()
	_, ok := f.clients[c]
	delete(f.clients, c)
	f.mu.Unlock()
	if ok {
		c.close()
	}
}

func (f *Feed) closeAll() {
	f.mu.Lock()
	clients := f.clients
	f.clients = make(map[*client]struct{})
	f.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Broadcast sends msg to every attached UI. A UI that cannot keep up misses
// the message.
func (f *Feed) Broadcast(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return announce.ErrNoListener
	}
	for c := range f.clients {
		select {
		case c.send <- payload:
		default:
			f.logger.Warn("ui send buffer full, message dropped", logger.String("type", msg.Type))
		}
	}
	return nil
}

func (f *Feed) PlayTones(ctx context.Context, seq announce.Sequence) error {
	data := tones{Name: seq.Name, Tones: make([]tone, 0, len(seq.Tones))}
	for _, t := range seq.Tones {
		data.Tones = append(data.Tones, tone{
			Frequency:  t.Frequency,
			DurationMS: t.Duration.Milliseconds(),
			OffsetMS:   t.Offset.Milliseconds(),
			Volume:     t.Volume,
		})
	}
	if err := f.Broadcast(Message{Type: "tones", Data: data}); err != nil {
		return err
	}
	return announce.Wait(ctx, seq.Length())
}

func (f *Feed) Speak(ctx context.Context, u announce.Utterance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.Broadcast(Message{Type: "speech", Data: u})
}

func (f *Feed) Vibrate(ctx context.Context, pattern []time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ms := make([]int64, len(pattern))
	for i, d := range pattern {
		ms[i] = d.Milliseconds()
	}
	return f.Broadcast(Message{Type: "vibration", Data: ms})
}

func (f *Feed) Notify(ctx context.Context, n announce.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.Broadcast(Message{Type: "notification", Data: n})
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump discards what the UI sends and returns once the connection is
// gone.
func (c *client) readPump() {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
