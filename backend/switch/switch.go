package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/collab-canvas/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

type ReconnectPolicy string

const (
	// ReconnectReplace closes previously registered wire and binds the new one.
	ReconnectReplace ReconnectPolicy = "replace"
	// ReconnectReject refuses new wire while previous one is alive.
	ReconnectReject ReconnectPolicy = "reject"
)

var (
	ErrAlreadyConnected = errors.New("user is already connected")
	ErrNotConnected     = errors.New("user is not connected")
	ErrDeadEndpoint     = errors.New("dead endpoint")
	ErrCanceled         = errors.New("send canceled")
	ErrUnknownPolicy    = errors.New("unknown reconnect policy")
)

// ParseReconnectPolicy validates policy name.
func ParseReconnectPolicy(s string) (ReconnectPolicy, error) {
	switch p := ReconnectPolicy(s); p {
	case ReconnectReplace, ReconnectReject:
		return p, nil
	}
	return "", ErrUnknownPolicy
}

type Config struct {
	Logger      *zerolog.Logger
	Policy      ReconnectPolicy
	SendTimeout time.Duration
}

// Switch binds user identities to connection wires and delivers envelopes to them.
type Switch struct {
	logger      zerolog.Logger
	mx          *sync.RWMutex
	fwd         map[string]*model.Wire
	policy      ReconnectPolicy
	sendTimeout time.Duration
}

func NewSwitch(cfg Config) *Switch {
	policy := cfg.Policy
	if policy == "" {
		policy = ReconnectReplace
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultFwdTimout
	}
	return &Switch{
		logger:      cfg.Logger.With().Str("component", "switch").Logger(),
		mx:          &sync.RWMutex{},
		fwd:         make(map[string]*model.Wire),
		policy:      policy,
		sendTimeout: sendTimeout,
	}
}

// Register binds wire to user. With replace policy previously bound wire
// is closed and returned.
func (sw *Switch) Register(userID string, wire *model.Wire) (*model.Wire, error) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	prev, ok := sw.fwd[userID]
	if ok && prev.ID == wire.ID {
		return nil, nil
	}
	if ok && !prev.Closed() && sw.policy == ReconnectReject {
		return nil, ErrAlreadyConnected
	}
	sw.fwd[userID] = wire
	if ok {
		prev.Close()
		sw.logger.Debug().
			Str("userID", userID).
			Str("wireID", wire.ID).
			Str("prevWireID", prev.ID).
			Msg("endpoint replaced")
		return prev, nil
	}
	sw.logger.Debug().
		Str("userID", userID).
		Str("wireID", wire.ID).
		Msg("endpoint connected")
	return nil, nil
}

// Unregister removes binding only if wireID is still bound to user.
func (sw *Switch) Unregister(userID, wireID string) bool {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	wire, ok := sw.fwd[userID]
	if !ok || wire.ID != wireID {
		return false
	}
	delete(sw.fwd, userID)
	sw.logger.Debug().
		Str("userID", userID).
		Str("wireID", wireID).
		Msg("endpoint disconnected")
	return true
}

// Bound reports whether wireID is the wire currently bound to user.
func (sw *Switch) Bound(userID, wireID string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	wire, ok := sw.fwd[userID]
	return ok && wire.ID == wireID
}

func (sw *Switch) Connected(userID string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	_, ok := sw.fwd[userID]
	return ok
}

// Unicast delivers envelope to user's wire. A wire that cannot accept
// envelope within send timeout is closed. Returned error is always *model.DeliveryError.
func (sw *Switch) Unicast(ctx context.Context, userID string, env model.Envelope) error {
	if f := sw.unicast(ctx, userID, env); f != nil {
		return f
	}
	return nil
}

func (sw *Switch) unicast(ctx context.Context, userID string, env model.Envelope) *model.DeliveryError {
	sw.mx.RLock()
	wire, ok := sw.fwd[userID]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Debug().
			Str("dst", userID).
			Str("type", string(env.Type)).
			Msg("cannot forward, dst not found")
		return &model.DeliveryError{UserID: userID, Err: ErrNotConnected}
	}
	if err := sw.send(ctx, env, wire, userID); err != nil {
		return &model.DeliveryError{UserID: userID, WireID: wire.ID, Err: err}
	}
	return nil
}

// Broadcast delivers envelope to every recipient except the excluded one.
// Recipients are served concurrently, each within its own send timeout,
// so a stuck recipient delays broadcast by at most one timeout.
// Failures are returned in recipients order. Canceled sends are not failures.
func (sw *Switch) Broadcast(ctx context.Context, recipients []string, exclude string, env model.Envelope) []*model.DeliveryError {
	var (
		wg      sync.WaitGroup
		results = make([]*model.DeliveryError, len(recipients))
	)
	for i, dst := range recipients {
		if dst == exclude {
			continue
		}
		wg.Add(1)
		go func(i int, dst string) {
			defer wg.Done()
			results[i] = sw.unicast(ctx, dst, env)
		}(i, dst)
	}
	wg.Wait()

	var failed []*model.DeliveryError
	for _, f := range results {
		if f == nil || errors.Is(f.Err, ErrCanceled) {
			continue
		}
		failed = append(failed, f)
	}
	if len(failed) > 0 {
		sw.logger.Debug().
			Str("type", string(env.Type)).
			Str("room", env.RoomCode).
			Int("recipients", len(recipients)).
			Int("failed", len(failed)).
			Msg("broadcast partially failed")
	}
	return failed
}

func (sw *Switch) send(ctx context.Context, env model.Envelope, wire *model.Wire, dst string) error {
	if wire.Closed() {
		return ErrDeadEndpoint
	}
	tCh := time.NewTimer(sw.sendTimeout)
	defer tCh.Stop()

	select {
	case <-ctx.Done():
		return ErrCanceled
	case <-wire.Done():
		return ErrDeadEndpoint
	case <-tCh.C:
		sw.logger.Error().
			Str("dst", dst).
			Str("wireID", wire.ID).
			Msg("dead endpoint")
		wire.Close()
		return ErrDeadEndpoint
	case wire.TX <- env:
		sw.logger.Trace().
			Str("dst", dst).
			Str("type", string(env.Type)).
			Msg("envelope is forwarded")
		return nil
	}
}
