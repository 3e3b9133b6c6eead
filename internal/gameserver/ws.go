package gameserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
)

// EventKind tags the variants of a decoded room event. Dynamic WS payloads
// become explicit tagged variants with an unknown case that logs and
// discards, rather than leaking a raw map into callers.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventQueued
	EventMatchFound
	EventMatchInit
	EventCodeUpdate
	EventError
	EventLeave
)

// RoomEvent is one decoded inbound frame from a joined room.
type RoomEvent struct {
	Kind EventKind

	// EventQueued
	Position int

	// EventMatchFound
	RoomID    string
	MatchID   string
	ProblemID string

	// EventError
	Code    int
	Message string
}

// wireFrame is the raw shape every inbound WS message is decoded into
// before being classified into a RoomEvent.
type wireFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func classify(raw []byte) RoomEvent {
	var f wireFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		log.Printf("[gameserver] unparseable WS frame, discarding: %v", err)
		return RoomEvent{Kind: EventUnknown}
	}

	switch {
	case f.Type == "error":
		return RoomEvent{Kind: EventError, Code: f.Code, Message: f.Message}
	case f.Type == "leave":
		return RoomEvent{Kind: EventLeave}
	case f.Type == "event" && f.Event == "queued":
		var d struct {
			Position int `json:"position"`
		}
		json.Unmarshal(f.Data, &d)
		return RoomEvent{Kind: EventQueued, Position: d.Position}
	case f.Type == "event" && f.Event == "match_found":
		var d struct {
			RoomID    string `json:"roomId"`
			MatchID   string `json:"matchId"`
			ProblemID string `json:"problemId"`
		}
		json.Unmarshal(f.Data, &d)
		return RoomEvent{Kind: EventMatchFound, RoomID: d.RoomID, MatchID: d.MatchID, ProblemID: d.ProblemID}
	case f.Type == "event" && f.Event == "match_init":
		return RoomEvent{Kind: EventMatchInit}
	case f.Type == "event" && f.Event == "code_update":
		return RoomEvent{Kind: EventCodeUpdate}
	default:
		log.Printf("[gameserver] unrecognized WS frame type=%q event=%q, discarding", f.Type, f.Event)
		return RoomEvent{Kind: EventUnknown}
	}
}

// Room is a live WS connection joined to one game-server room.
type Room struct {
	conn   *websocket.Conn
	events chan RoomEvent
	closed chan struct{}
}

func (r *Room) Events() <-chan RoomEvent { return r.events }

// Close tears down the underlying connection. Safe to call more than once.
func (r *Room) Close() error {
	select {
	case <-r.closed:
		return nil
	default:
		close(r.closed)
	}
	return r.conn.Close()
}

func (r *Room) readLoop() {
	defer close(r.events)
	for {
		_, msg, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case <-r.closed:
				return
			default:
			}
			r.events <- RoomEvent{Kind: EventError, Message: err.Error()}
			return
		}
		r.events <- classify(msg)
	}
}

// WSClient dials the game server's WebSocket endpoint to join queue/match
// rooms. No code execution, bot moves, or submission logic lives here.
type WSClient struct {
	wsBaseURL string
	secret    string
}

// NewWSClient builds a client against wsBaseURL (e.g. "wss://host/ws").
func NewWSClient(wsBaseURL, secret string) *WSClient {
	return &WSClient{wsBaseURL: wsBaseURL, secret: secret}
}

func (c *WSClient) dial(ctx context.Context, room string, payload any) (*Room, error) {
	header := map[string][]string{}
	if c.secret != "" {
		header["X-Bot-Secret"] = []string{c.secret}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL, header)
	if err != nil {
		return nil, fmt.Errorf("gameserver: ws dial: %w", err)
	}

	join := struct {
		Type    string `json:"type"`
		Room    string `json:"room"`
		Payload any    `json:"payload"`
	}{Type: "join", Room: room, Payload: payload}
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gameserver: ws join %s: %w", room, err)
	}

	r := &Room{conn: conn, events: make(chan RoomEvent, 16), closed: make(chan struct{})}
	go r.readLoop()
	return r, nil
}

// errSeatExpired is the sentinel returned for the "seat reservation expired"
// condition (WS close/error code 4002) so callers can distinguish it from
// any other join failure.
type errSeatExpired struct{}

func (errSeatExpired) Error() string { return "gameserver: seat reservation expired (4002)" }

// ErrSeatExpired is returned by JoinQueueRoom when the game server rejects
// the join with error code 4002.
var ErrSeatExpired errSeatExpired

// JoinQueueRoom joins the queue room for botID at rating, retrying only on
// the "seat reservation expired" (4002) condition, up to maxAttempts, using
// decorrelated backoff capped at 1.5s.
func JoinQueueRoom(ctx context.Context, c *WSClient, botID string, rating float64) (*Room, error) {
	const maxAttempts = 5
	payload := struct {
		UserID string  `json:"userId"`
		Rating float64 `json:"rating"`
	}{UserID: botID, Rating: rating}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		room, err := c.dial(ctx, "queue", payload)
		if err == nil {
			return room, nil
		}
		lastErr = err
		if !isSeatExpiredDialErr(err) {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}
		backoff := decorrelatedBackoff(attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("gameserver: join queue room exhausted %d attempts: %w: %w", maxAttempts, ErrSeatExpired, lastErr)
}

// JoinMatchRoom joins the match room identified by roomID.
func JoinMatchRoom(ctx context.Context, c *WSClient, botID, roomID string) (*Room, error) {
	payload := struct {
		UserID string `json:"userId"`
	}{UserID: botID}
	return c.dial(ctx, roomID, payload)
}

// decorrelatedBackoff implements min(1500, 150*2^(attempt-1)) + uniform(0,150)ms,
// capped at 1.5s.
func decorrelatedBackoff(attempt int) time.Duration {
	base := 150 * (1 << uint(attempt-1))
	if base > 1500 {
		base = 1500
	}
	jitter := rand.Intn(150)
	ms := base + jitter
	if ms > 1500 {
		ms = 1500
	}
	return time.Duration(ms) * time.Millisecond
}

func isSeatExpiredDialErr(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == 4002
}
