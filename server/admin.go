package server

import (
	"encoding/json"
	"net/http"
)

// HandleRooms 列出存活房间（匹配器视图）
// GET /rooms?type=game_room
func HandleRooms(m *RoomManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"rooms": m.Rooms(r.URL.Query().Get("type")),
		})
	}
}

// HandleMetrics 输出指定房间的运行指标
// GET /metrics?room=<id>
func HandleMetrics(m *RoomManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		roomID := r.URL.Query().Get("room")
		if roomID == "" {
			http.Error(w, "missing room query", http.StatusBadRequest)
			return
		}
		room, ok := m.Get(roomID)
		if !ok {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"room":    room.Info(),
			"metrics": room.Metrics().Snapshot(),
		})
	}
}

// HandleHealth 存活探针
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Log.Warnw("write json response failed", "error", err)
	}
}

// NewMux 组装全部 HTTP 路由
func NewMux(m *RoomManager, cfg Config) *http.ServeMux {
	gw := NewGateway(m, cfg)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	mux.HandleFunc("/rooms", HandleRooms(m))
	mux.HandleFunc("/metrics", HandleMetrics(m))
	mux.HandleFunc("/healthz", HandleHealth)
	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}
	return mux
}
