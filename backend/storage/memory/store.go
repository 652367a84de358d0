package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/adwski/collab-canvas/backend/model"
)

const (
	DefaultMaxParticipants = 8
)

var (
	ErrRoomIsFull   = model.ErrRoomIsFull
	ErrRoomNotFound = model.ErrRoomNotFound
)

type room struct {
	code         string
	name         string
	hostID       string
	participants map[string]struct{}
	createdAt    time.Time
	maxParts     int
}

func (r *room) info() model.RoomInfo {
	parts := make([]string, 0, len(r.participants))
	for p := range r.participants {
		parts = append(parts, p)
	}
	sort.Strings(parts)
	return model.RoomInfo{
		Code:             r.code,
		Name:             r.name,
		HostID:           r.hostID,
		Participants:     parts,
		CreatedAt:        r.createdAt,
		MaxParticipants:  r.maxParts,
		ParticipantCount: len(parts),
	}
}

// MemStore is the room directory. It keeps rooms together with
// user -> room membership index, both are guarded by one mutex.
type MemStore struct {
	mx        *sync.Mutex
	db        map[string]*room
	userRooms map[string]string
	maxParts  int
	now       func() time.Time
}

func NewMemStore(maxParticipants int) *MemStore {
	if maxParticipants <= 0 {
		maxParticipants = DefaultMaxParticipants
	}
	return &MemStore{
		mx:        &sync.Mutex{},
		db:        make(map[string]*room),
		userRooms: make(map[string]string),
		maxParts:  maxParticipants,
		now:       time.Now,
	}
}

// ensureRoom returns existing room or creates an empty one.
// Must be called with mx held, and the caller must add a participant
// before releasing it.
func (ms *MemStore) ensureRoom(code, requestedBy, name string) *room {
	r, ok := ms.db[code]
	if ok {
		return r
	}
	if name == "" {
		name = model.DefaultRoomName(code)
	}
	r = &room{
		code:         code,
		name:         name,
		hostID:       requestedBy,
		participants: make(map[string]struct{}),
		createdAt:    ms.now().UTC(),
		maxParts:     ms.maxParts,
	}
	ms.db[code] = r
	return r
}

// TryJoin adds user to existing room.
func (ms *MemStore) TryJoin(code, userID string) (model.RoomInfo, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[code]
	if !ok {
		return model.RoomInfo{}, ErrRoomNotFound
	}
	if _, err := ms.addParticipant(r, userID); err != nil {
		return model.RoomInfo{}, err
	}
	return r.info(), nil
}

// Join atomically creates room if needed and adds user to it.
// If user is a participant of another room, it is removed from there first,
// unless the target room is full, in which case nothing changes.
func (ms *MemStore) Join(code, userID, name string) (model.JoinResult, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	var res model.JoinResult

	if r, ok := ms.db[code]; ok {
		if _, member := r.participants[userID]; !member && len(r.participants) >= r.maxParts {
			return res, ErrRoomIsFull
		}
	}

	if prev, ok := ms.userRooms[userID]; ok && prev != code {
		lr := ms.leave(prev, userID)
		res.Previous = &lr
	}

	r := ms.ensureRoom(code, userID, name)
	rejoined, err := ms.addParticipant(r, userID)
	if err != nil {
		// unreachable, capacity was checked above under the same lock
		return res, err
	}
	res.Rejoined = rejoined
	res.Room = r.info()
	return res, nil
}

func (ms *MemStore) addParticipant(r *room, userID string) (bool, error) {
	if _, ok := r.participants[userID]; ok {
		return true, nil
	}
	if len(r.participants) >= r.maxParts {
		return false, ErrRoomIsFull
	}
	r.participants[userID] = struct{}{}
	ms.userRooms[userID] = r.code
	return false, nil
}

// Leave removes user from room and deletes room once it becomes empty.
// Leaving a room user is not in is a no-op.
func (ms *MemStore) Leave(code, userID string) model.LeaveResult {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return ms.leave(code, userID)
}

func (ms *MemStore) leave(code, userID string) model.LeaveResult {
	var res model.LeaveResult

	r, ok := ms.db[code]
	if !ok {
		return res
	}
	if _, ok = r.participants[userID]; !ok {
		return res
	}
	delete(r.participants, userID)
	if ms.userRooms[userID] == code {
		delete(ms.userRooms, userID)
	}
	res.Removed = true
	if len(r.participants) == 0 {
		delete(ms.db, code)
		res.Deleted = true
	}
	res.Room = r.info()
	return res
}

func (ms *MemStore) RoomForUser(userID string) (string, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	code, ok := ms.userRooms[userID]
	return code, ok
}

func (ms *MemStore) Snapshot(code string) (model.RoomInfo, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[code]
	if !ok {
		return model.RoomInfo{}, false
	}
	return r.info(), true
}

// Rooms returns snapshots of all rooms ordered by code.
func (ms *MemStore) Rooms() []model.RoomInfo {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rooms := make([]model.RoomInfo, 0, len(ms.db))
	for _, r := range ms.db {
		rooms = append(rooms, r.info())
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].Code < rooms[j].Code
	})
	return rooms
}
