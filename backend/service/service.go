package service

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/collab-canvas/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

var (
	ErrRegister = errors.New("unable to register connection")
)

type (
	RoomStore interface {
		Join(code, userID, name string) (model.JoinResult, error)
		Leave(code, userID string) model.LeaveResult
		RoomForUser(userID string) (string, bool)
		Snapshot(code string) (model.RoomInfo, bool)
		Rooms() []model.RoomInfo
	}

	Switch interface {
		Register(userID string, wire *model.Wire) (*model.Wire, error)
		Unregister(userID, wireID string) bool
		Connected(userID string) bool
		Unicast(ctx context.Context, userID string, env model.Envelope) error
		Broadcast(ctx context.Context, recipients []string, exclude string, env model.Envelope) []*model.DeliveryError
	}

	// Service routes envelopes between room participants.
	Service struct {
		store  RoomStore
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.RoomStore,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "router").Logger(),
	}
}

// Connect binds connection wire to user identity.
func (svc *Service) Connect(userID string, wire *model.Wire) error {
	prev, err := svc.sw.Register(userID, wire)
	if err != nil {
		return errors.Join(ErrRegister, err)
	}
	if prev != nil {
		svc.logger.Info().
			Str("userID", userID).
			Str("wireID", wire.ID).
			Str("prevWireID", prev.ID).
			Msg("user reconnected, previous connection dropped")
	}
	return nil
}

// Disconnect runs cleanup for a connection that is gone. If user is still
// in a room, leave is synthesized and routed as if user sent it.
// Empty wireID means user had no registered wire at all.
func (svc *Service) Disconnect(ctx context.Context, userID, wireID string) {
	if wireID != "" {
		if !svc.sw.Unregister(userID, wireID) {
			// replaced by newer connection or already cleaned up
			return
		}
	} else if svc.sw.Connected(userID) {
		return
	}

	if code, ok := svc.store.RoomForUser(userID); ok {
		svc.handleLeave(ctx, model.Envelope{
			Type:      model.MessageTypeLeave,
			SenderID:  userID,
			Timestamp: time.Now().UTC(),
			RoomCode:  code,
		})
	}
	svc.logger.Debug().
		Str("userID", userID).
		Str("wireID", wireID).
		Msg("user disconnected")
}

// Dispatch routes incoming envelope. pathRoom is room code
// from connection context, it is used when envelope has none.
func (svc *Service) Dispatch(ctx context.Context, env model.Envelope, pathRoom string) {
	if env.SenderID == "" {
		svc.logger.Warn().Str("type", string(env.Type)).Msg("envelope without sender dropped")
		return
	}

	switch env.Type {
	case model.MessageTypeJoin:
		if env.RoomCode == "" {
			env.RoomCode = pathRoom
		}
		svc.handleJoin(ctx, env)
	case model.MessageTypeLeave:
		svc.handleLeave(ctx, svc.resolve(env, pathRoom))
	case model.MessageTypeStroke, model.MessageTypeCursor:
		svc.forward(ctx, svc.resolve(env, pathRoom), env.SenderID)
	case model.MessageTypeChat:
		svc.forward(ctx, svc.resolve(env, pathRoom), "")
	case model.MessageTypeSync:
		svc.handleSync(ctx, svc.resolve(env, pathRoom))
	case model.MessageTypeUserJoined, model.MessageTypeUserLeft, model.MessageTypeRoomSync,
		model.MessageTypeSyncResponse, model.MessageTypeError:
		svc.logger.Warn().
			Str("type", string(env.Type)).
			Str("userID", env.SenderID).
			Msg("server-only message type received from client, ignored")
	default:
		svc.logger.Warn().
			Str("type", string(env.Type)).
			Str("userID", env.SenderID).
			Msg("unknown message type")
	}
}

// resolve stamps envelope with room code. Explicit code wins,
// then sender's current room, then connection's room.
func (svc *Service) resolve(env model.Envelope, pathRoom string) model.Envelope {
	if env.RoomCode != "" {
		return env
	}
	if code, ok := svc.store.RoomForUser(env.SenderID); ok {
		return env.WithRoomCode(code)
	}
	return env.WithRoomCode(pathRoom)
}

func (svc *Service) handleJoin(ctx context.Context, env model.Envelope) {
	logger := svc.logger.With().
		Str("userID", env.SenderID).
		Str("roomCode", env.RoomCode).
		Logger()

	if env.RoomCode == "" {
		logger.Warn().Msg("join without room code ignored")
		return
	}

	jd := model.ParseJoinData(env.Data)
	if jd.UserName == "" {
		jd.UserName = model.DefaultUserName(env.SenderID)
	}

	res, err := svc.store.Join(env.RoomCode, env.SenderID, jd.RoomName)
	if err != nil {
		if errors.Is(err, model.ErrRoomIsFull) {
			logger.Info().Msg("room is full, join rejected")
			svc.sendError(ctx, env.SenderID, "room is full", model.ErrorCodeRoomFull)
			return
		}
		logger.Error().Err(err).Msg("join failed")
		return
	}

	if prev := res.Previous; prev != nil && prev.Removed {
		logger.Debug().Str("prevRoomCode", prev.Room.Code).Msg("user moved out of previous room")
		svc.notifyLeft(ctx, env.SenderID, jd.UserName, *prev)
	}

	if !res.Rejoined {
		svc.broadcastSystem(ctx, res.Room.Participants, env.SenderID,
			model.MessageTypeUserJoined, res.Room.Code, model.MembershipPayload{
				UserID:   env.SenderID,
				UserName: jd.UserName,
				RoomInfo: res.Room,
			})
	}

	svc.unicastSystem(ctx, env.SenderID, model.MessageTypeRoomSync, res.Room.Code, model.SyncPayload{
		RoomInfo:     res.Room,
		Participants: res.Room.Participants,
	})

	logger.Info().
		Bool("rejoined", res.Rejoined).
		Int("participants", res.Room.ParticipantCount).
		Msg("user joined room")
	svc.dumpRoom(res.Room)
}

func (svc *Service) handleLeave(ctx context.Context, env model.Envelope) {
	if env.RoomCode == "" {
		return
	}
	res := svc.store.Leave(env.RoomCode, env.SenderID)
	if !res.Removed {
		svc.logger.Debug().
			Str("userID", env.SenderID).
			Str("roomCode", env.RoomCode).
			Msg("leave is a no-op, user is not in room")
		return
	}

	userName := model.ParseUserData(env.Data).UserName
	if userName == "" {
		userName = model.DefaultUserName(env.SenderID)
	}
	svc.notifyLeft(ctx, env.SenderID, userName, res)

	svc.logger.Info().
		Str("userID", env.SenderID).
		Str("roomCode", env.RoomCode).
		Bool("roomDeleted", res.Deleted).
		Msg("user left room")
	svc.dumpRoom(res.Room)
}

func (svc *Service) notifyLeft(ctx context.Context, userID, userName string, res model.LeaveResult) {
	if res.Deleted {
		return
	}
	svc.broadcastSystem(ctx, res.Room.Participants, "", model.MessageTypeUserLeft, res.Room.Code,
		model.MembershipPayload{
			UserID:   userID,
			UserName: userName,
			RoomInfo: res.Room,
		})
}

// forward relays client envelope verbatim to sender's room.
func (svc *Service) forward(ctx context.Context, env model.Envelope, exclude string) {
	room, ok := svc.store.Snapshot(env.RoomCode)
	if !ok || !room.HasParticipant(env.SenderID) {
		svc.logger.Debug().
			Str("type", string(env.Type)).
			Str("userID", env.SenderID).
			Str("roomCode", env.RoomCode).
			Msg("sender is not in room, envelope dropped")
		return
	}
	svc.reap(ctx, svc.sw.Broadcast(ctx, room.Participants, exclude, env))
}

func (svc *Service) handleSync(ctx context.Context, env model.Envelope) {
	room, ok := svc.store.Snapshot(env.RoomCode)
	if !ok {
		svc.logger.Debug().
			Str("userID", env.SenderID).
			Str("roomCode", env.RoomCode).
			Msg("sync for absent room ignored")
		return
	}
	svc.unicastSystem(ctx, env.SenderID, model.MessageTypeSyncResponse, room.Code, model.SyncPayload{
		RoomInfo:     room,
		Participants: room.Participants,
	})
}

func (svc *Service) sendError(ctx context.Context, userID, msg, code string) {
	svc.unicastSystem(ctx, userID, model.MessageTypeError, "", model.ErrorPayload{
		Message: msg,
		Code:    code,
	})
}

func (svc *Service) unicastSystem(ctx context.Context, userID string, typ model.MessageType, code string, payload any) {
	env, err := model.NewSystemEnvelope(typ, code, payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", string(typ)).Msg("failed to build envelope")
		return
	}
	if err = svc.sw.Unicast(ctx, userID, env); err != nil {
		var de *model.DeliveryError
		if errors.As(err, &de) {
			svc.reap(ctx, []*model.DeliveryError{de})
		}
	}
}

func (svc *Service) broadcastSystem(
	ctx context.Context,
	recipients []string,
	exclude string,
	typ model.MessageType,
	code string,
	payload any,
) {
	env, err := model.NewSystemEnvelope(typ, code, payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", string(typ)).Msg("failed to build envelope")
		return
	}
	svc.reap(ctx, svc.sw.Broadcast(ctx, recipients, exclude, env))
}

// reap treats every failed delivery as a disconnect of its recipient.
// It runs even if ctx is done: ghosts have no transport to clean them up.
func (svc *Service) reap(ctx context.Context, failed []*model.DeliveryError) {
	for _, f := range failed {
		svc.logger.Warn().
			Err(f.Err).
			Str("userID", f.UserID).
			Str("wireID", f.WireID).
			Msg("delivery failed, dropping connection")
		svc.Disconnect(ctx, f.UserID, f.WireID)
	}
}

func (svc *Service) dumpRoom(room model.RoomInfo) {
	if e := svc.logger.Trace(); e.Enabled() {
		e.Str("room", spew.Sdump(room)).Msg("room state")
	}
}

// RoomInfo returns snapshot of room with given code.
func (svc *Service) RoomInfo(code string) (model.RoomInfo, bool) {
	return svc.store.Snapshot(code)
}

// ActiveRooms returns snapshots of every existing room.
func (svc *Service) ActiveRooms() []model.RoomInfo {
	return svc.store.Rooms()
}
