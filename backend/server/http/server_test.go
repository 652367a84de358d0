package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adwski/collab-canvas/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRooms map[string]model.RoomInfo

func (f fakeRooms) RoomInfo(code string) (model.RoomInfo, bool) {
	r, ok := f[code]
	return r, ok
}

func (f fakeRooms) ActiveRooms() []model.RoomInfo {
	out := make([]model.RoomInfo, 0, len(f))
	for _, code := range []string{"ABCD", "EFGH"} {
		if r, ok := f[code]; ok {
			out = append(out, r)
		}
	}
	return out
}

type roomsResponse struct {
	Error string           `json:"error"`
	Data  []model.RoomInfo `json:"data"`
}

type roomResponse struct {
	Error string         `json:"error"`
	Data  model.RoomInfo `json:"data"`
}

func newTestServer(rooms fakeRooms) *Server {
	logger := zerolog.Nop()
	return NewServer(Config{Logger: &logger, RoomService: rooms})
}

func TestServer_Rooms(t *testing.T) {
	created := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	srv := newTestServer(fakeRooms{
		"ABCD": {
			Code:             "ABCD",
			Name:             "Room ABCD",
			HostID:           "u1",
			Participants:     []string{"u1", "u2"},
			CreatedAt:        created,
			MaxParticipants:  8,
			ParticipantCount: 2,
		},
		"EFGH": {Code: "EFGH", Participants: []string{"u3"}, ParticipantCount: 1},
	})

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var list roomsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 2)
	assert.Equal(t, "ABCD", list.Data[0].Code)
	assert.Equal(t, 1, list.Data[1].ParticipantCount)

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/ABCD", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var one roomResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "u1", one.Data.HostID)
	assert.Equal(t, 2, one.Data.ParticipantCount)
	assert.True(t, created.Equal(one.Data.CreatedAt))
}

func TestServer_RoomNotFound(t *testing.T) {
	srv := newTestServer(fakeRooms{})

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/NOPE", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp roomResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrRoomNotFound.Error(), resp.Error)

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list roomsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Data)
}

func TestServer_CORS(t *testing.T) {
	srv := newTestServer(fakeRooms{})

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/rooms", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/rooms", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
