package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockLiveServer creates a test server that mocks the live platform API.
type MockLiveServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockLiveServer creates a new mock live API server.
func NewMockLiveServer(t *testing.T) *MockLiveServer {
	t.Helper()
	m := &MockLiveServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockRoomInfo adds a handler for the room info endpoint.
func (m *MockLiveServer) MockRoomInfo(roomID int64, title string, uid int64, liveStatus int) {
	m.Handlers["/room/v1/Room/get_info"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{
				"room_id":     roomID,
				"title":       title,
				"uid":         uid,
				"live_status": liveStatus,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockAnchor adds a handler for the anchor info endpoint.
func (m *MockLiveServer) MockAnchor(uname string) {
	m.Handlers["/live_user/v1/UserInfo/get_anchor_in_room"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{
				"info": map[string]string{"uname": uname},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockDanmuInfo adds a handler for the primary connect info endpoint.
func (m *MockLiveServer) MockDanmuInfo(token string, hosts []map[string]interface{}) {
	m.Handlers["/xlive/web-room/v1/index/getDanmuInfo"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{
				"token":     token,
				"host_list": hosts,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockDanmuInfoError adds a primary connect info handler that fails with the
// given upstream code (use -352 to simulate rate limiting).
func (m *MockLiveServer) MockDanmuInfoError(code int, message string) {
	m.Handlers["/xlive/web-room/v1/index/getDanmuInfo"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"code":    code,
			"message": message,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockLegacyConf adds a handler for the legacy connect info endpoint.
func (m *MockLiveServer) MockLegacyConf(token string, hosts []map[string]interface{}) {
	m.Handlers["/room/v1/Danmu/getConf"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{
				"token":            token,
				"host_server_list": hosts,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}
