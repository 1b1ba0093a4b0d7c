package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/core"
	signaling "github.com/isqad/livelook-signal/internal/signal"
	"github.com/isqad/livelook-signal/internal/telemetry"
)

const (
	wsSessionKey = "session"

	// actionTimeout bounds the media engine calls of a single action
	actionTimeout = 10 * time.Second
)

var errNoSession = errors.New("can't get session from websocket")

func WsHandler(websocket *melody.Melody) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := identityFromRequest(r)
		if err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("can't get the identity from request context")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		keys := make(map[string]interface{})
		keys[wsSessionKey] = core.NewSession(identity.UserID, identity.Role)

		if err := websocket.HandleRequestWithKeys(w, r, keys); err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("can't handle request")
		}
	}
}

func ConnectHandler(hub *Hub) func(ws *melody.Session) {
	return func(ws *melody.Session) {
		s, err := getSession(ws)
		if err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("connect")
			closeWsSession(ws)
			return
		}

		hub.Register(s.ID, ws)
		telemetry.SessionStarted()

		log.Info().Str("service", "ws").Str("sessionID", s.ID).Str("userID", s.UserID).Str("role", string(s.Role)).Msg("session connected")
	}
}

func DisconnectHandler(engine *signaling.Engine, hub *Hub) func(ws *melody.Session) {
	return func(ws *melody.Session) {
		s, err := getSession(ws)
		if err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("disconnect")
			return
		}

		engine.Disconnect(s)
		hub.Unregister(s.ID)
		telemetry.SessionStopped()

		log.Info().Str("service", "ws").Str("sessionID", s.ID).Msg("session disconnected")
	}
}

// HandleMessage runs the actions of a session one at a time, in the order
// they arrive, and writes each reply back to the same session
func HandleMessage(engine *signaling.Engine) func(ws *melody.Session, msg []byte) {
	return func(ws *melody.Session, msg []byte) {
		s, err := getSession(ws)
		if err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("message")
			closeWsSession(ws)
			return
		}

		var reply signaling.Message
		req, err := signaling.RequestFromReader(bytes.NewReader(msg))
		if err != nil {
			reply = signaling.NewErrorReply(err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
			reply = engine.Handle(ctx, s, req)
			cancel()
		}

		payload, err := reply.ToJSON()
		if err != nil {
			log.Error().Err(err).Str("service", "ws").Str("sessionID", s.ID).Msg("can't encode reply")
			return
		}
		if err := ws.Write(payload); err != nil {
			log.Debug().Err(err).Str("service", "ws").Str("sessionID", s.ID).Msg("reply skipped")
		}
	}
}

// RoomsHandler lists the open rooms
func RoomsHandler(engine *signaling.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(map[string]interface{}{"rooms": engine.Rooms()}); err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("can't encode rooms")
		}
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func getSession(ws *melody.Session) (*core.Session, error) {
	s, ok := ws.Keys[wsSessionKey].(*core.Session)
	if !ok {
		return nil, errNoSession
	}
	return s, nil
}

func closeWsSession(ws *melody.Session) {
	if err := ws.Close(); err != nil {
		log.Debug().Err(err).Str("service", "ws").Msg("close websocket")
	}
}
