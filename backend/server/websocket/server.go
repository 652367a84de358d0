package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/collab-canvas/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultSendBuffer = 64
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RoomService interface {
		Connect(userID string, wire *model.Wire) error
		Dispatch(ctx context.Context, env model.Envelope, pathRoom string)
		Disconnect(ctx context.Context, userID, wireID string)
	}

	Config struct {
		Logger       *zerolog.Logger
		RoomService  RoomService
		ListenAddr   string
		PingInterval time.Duration
		PongWait     time.Duration
		SendBuffer   int
	}

	Server struct {
		svc RoomService
		ws  *websocket.Upgrader
		*http.Server

		// ctx outlives single connections and is canceled on shutdown.
		ctx    context.Context
		cancel context.CancelFunc

		pingInterval time.Duration
		pongWait     time.Duration
		sendBuffer   int

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.RoomService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		ctx:          ctx,
		cancel:       cancel,
		pingInterval: cfg.PingInterval,
		pongWait:     cfg.PongWait,
		sendBuffer:   cfg.SendBuffer,
	}
	if srv.pingInterval <= 0 {
		srv.pingInterval = defaultPingInterval
	}
	if srv.pongWait <= srv.pingInterval {
		srv.pongWait = srv.pingInterval + (defaultPongWait - defaultPingInterval)
	}
	if srv.sendBuffer <= 0 {
		srv.sendBuffer = defaultSendBuffer
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Routes(),
	}
	return srv
}

// Routes returns websocket endpoint mux.
func (srv *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/room/{roomCode}", srv.room)
	return mux
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
	// hijacked connections are not tracked by http.Server
	srv.cancel()
}

func (srv *Server) room(w http.ResponseWriter, r *http.Request) {
	roomCode := r.PathValue("roomCode")
	if roomCode == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied with error status
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	go srv.handleWSConn(conn, roomCode)
}

func (srv *Server) handleWSConn(conn *websocket.Conn, roomCode string) {
	wire := model.NewWire(srv.ctx, srv.sendBuffer)
	logger := srv.logger.With().
		Str("roomCode", roomCode).
		Str("wireID", wire.ID).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	logger.Debug().Msg("new websocket connection")

	var (
		userID string
		rxDone = make(chan struct{})
	)
	go func() {
		defer close(rxDone)
		userID = srv.webSocketReceiver(conn, wire, roomCode, &logger)
	}()

	srv.webSocketSender(conn, wire, rxDone, &logger)
	wire.Close()
	webSocketCloser(conn, &logger)
	<-rxDone

	if userID == "" {
		logger.Debug().Msg("anonymous connection closed")
		return
	}
	// same context as explicit leave, so implicit leave reaches everyone
	srv.svc.Disconnect(srv.ctx, userID, wire.ID)
	logger.Debug().Str("userID", userID).Msg("connection closed")
}

// webSocketSender writes envelopes from wire to connection and pings remote side.
// When receiver is done, pending envelopes are flushed before returning.
func (srv *Server) webSocketSender(
	conn *websocket.Conn,
	wire *model.Wire,
	rxDone <-chan struct{},
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(srv.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-wire.Done():
			return
		case <-rxDone:
			flushWire(conn, wire, logger)
			return
		case <-pingTicker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set websocket write deadline")
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				logger.Error().Err(err).Msg("failed to send ping")
				return
			}
			logger.Trace().Msg("ping sent")
		case env := <-wire.TX:
			if err := writeEnvelope(conn, env); err != nil {
				logger.Error().Err(err).Str("type", string(env.Type)).Msg("failed to write outgoing message")
				return
			}
		}
	}
}

func flushWire(conn *websocket.Conn, wire *model.Wire, logger *zerolog.Logger) {
	for {
		select {
		case env := <-wire.TX:
			if err := writeEnvelope(conn, env); err != nil {
				logger.Debug().Err(err).Msg("failed to flush outgoing message")
				return
			}
		default:
			return
		}
	}
}

func writeEnvelope(conn *websocket.Conn, env model.Envelope) error {
	b, err := json.Marshal(&env)
	if err != nil {
		return err
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	wsW, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err = wsW.Write(b); err != nil {
		return err
	}
	return wsW.Close()
}

// webSocketReceiver reads envelopes and dispatches them one by one, so
// sender's order is preserved. It returns identity the connection was bound to.
func (srv *Server) webSocketReceiver(
	conn *websocket.Conn,
	wire *model.Wire,
	roomCode string,
	logger *zerolog.Logger,
) string {
	var userID string

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func() error {
		return conn.SetReadDeadline(time.Now().Add(srv.pongWait))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc()
	})
	if err := readDeadLineFunc(); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return userID
	}

	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			switch {
			case wire.Closed():
				logger.Debug().Err(err).Msg("receive stopped")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Debug().Err(err).Msg("connection closed by client")
			default:
				logger.Warn().Err(err).Msg("unexpected error during receive")
			}
			return userID
		}
		if err = readDeadLineFunc(); err != nil {
			logger.Error().Err(err).Msg("failed to set websocket read deadline")
			return userID
		}
		if typ != websocket.TextMessage {
			logger.Debug().Int("frameType", typ).Msg("non-text frame ignored")
			continue
		}

		env, err := model.DecodeEnvelope(msg, time.Now())
		if err != nil {
			logger.Error().Err(err).Bytes("message", truncate(msg)).Msg("failed to decode incoming message")
			continue
		}

		if userID == "" {
			if env.SenderID == "" {
				logger.Warn().Str("type", string(env.Type)).Msg("anonymous envelope dropped")
				continue
			}
			if err = srv.svc.Connect(env.SenderID, wire); err != nil {
				logger.Warn().Err(err).Str("userID", env.SenderID).Msg("connection refused")
				rejectConnection(wire, err, logger)
				return userID
			}
			userID = env.SenderID
			logger.Info().Str("userID", userID).Msg("user connected")
		} else if env.SenderID != userID {
			logger.Debug().
				Str("userID", userID).
				Str("claimedID", env.SenderID).
				Msg("sender id overridden by connection identity")
			env.SenderID = userID
		}

		srv.svc.Dispatch(srv.ctx, env, roomCode)

		// fan-out to slow peers must not eat into this connection's liveness window
		if err = readDeadLineFunc(); err != nil {
			logger.Error().Err(err).Msg("failed to set websocket read deadline")
			return userID
		}
	}
}

func rejectConnection(wire *model.Wire, err error, logger *zerolog.Logger) {
	env, bErr := model.NewSystemEnvelope(model.MessageTypeError, "", model.ErrorPayload{
		Message: err.Error(),
		Code:    model.ErrorCodeAlreadyConnected,
	})
	if bErr != nil {
		logger.Error().Err(bErr).Msg("failed to build error envelope")
		return
	}
	select {
	case wire.TX <- env:
	default:
		logger.Warn().Msg("send buffer is full, refusal notice dropped")
	}
}

func truncate(b []byte) []byte {
	const maxLogged = 256
	if len(b) > maxLogged {
		return b[:maxLogged]
	}
	return b
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to write close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
