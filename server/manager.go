package server

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

// 默认房间类型
const DefaultRoomType = "game_room"

var (
	ErrUnknownRoomType = errors.New("unknown room type")
	ErrRoomNotFound    = errors.New("room not found")
)

// 房间在选定后、加入前被销毁或占满时的重试次数
const joinAttempts = 3

// RoomManager 管理多个房间的生命周期，并负责匹配
type RoomManager struct {
	mu    deadlock.RWMutex
	types map[string]RoomOptions
	rooms map[string]*Room
	// 创建顺序，保证匹配时优先选择最早的房间
	order []string
}

// NewRoomManager 创建空的房间管理器
func NewRoomManager() *RoomManager {
	return &RoomManager{
		types: make(map[string]RoomOptions),
		rooms: make(map[string]*Room),
	}
}

// Define 注册房间类型
func (m *RoomManager) Define(typeName string, opts RoomOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[typeName] = opts
}

// JoinOrCreate 加入该类型下任意有空位的房间，没有则创建
func (m *RoomManager) JoinOrCreate(ctx context.Context, typeName string, c Client) (*Room, SessionID, error) {
	var lastErr error
	for i := 0; i < joinAttempts; i++ {
		room, err := m.findOrCreate(typeName)
		if err != nil {
			return nil, "", err
		}
		id, err := room.Join(ctx, c)
		if err == nil {
			return room, id, nil
		}
		if !errors.Is(err, ErrRoomDisposed) && !errors.Is(err, ErrRoomFull) {
			return nil, "", fmt.Errorf("join room %s: %w", room.ID, err)
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("join or create %s: %w", typeName, lastErr)
}

// Create 总是创建新房间并加入
func (m *RoomManager) Create(ctx context.Context, typeName string, c Client) (*Room, SessionID, error) {
	m.mu.Lock()
	room, err := m.createLocked(typeName)
	m.mu.Unlock()
	if err != nil {
		return nil, "", err
	}
	id, err := room.Join(ctx, c)
	if err != nil {
		return nil, "", fmt.Errorf("join room %s: %w", room.ID, err)
	}
	return room, id, nil
}

// JoinByID 加入指定房间
func (m *RoomManager) JoinByID(ctx context.Context, roomID string, c Client) (*Room, SessionID, error) {
	room, ok := m.Get(roomID)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	id, err := room.Join(ctx, c)
	if err != nil {
		return nil, "", fmt.Errorf("join room %s: %w", room.ID, err)
	}
	return room, id, nil
}

// findOrCreate 在同一把锁内完成查找与创建，避免并发首次请求创建出重复房间
func (m *RoomManager) findOrCreate(typeName string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.types[typeName]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoomType, typeName)
	}
	for _, id := range m.order {
		r := m.rooms[id]
		if r.Type == typeName && r.acceptsJoins() {
			return r, nil
		}
	}
	return m.createLocked(typeName)
}

func (m *RoomManager) createLocked(typeName string) (*Room, error) {
	opts, ok := m.types[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoomType, typeName)
	}
	r := NewRoom(uuid.NewString(), typeName, opts)
	r.OnDispose(m.remove)
	m.rooms[r.ID] = r
	m.order = append(m.order, r.ID)
	r.Start()
	Log.Infow("room created", "room", r.ID, "type", typeName)
	return r, nil
}

// remove 由房间销毁钩子调用
func (m *RoomManager) remove(r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[r.ID] != r {
		return
	}
	delete(m.rooms, r.ID)
	for i, id := range m.order {
		if id == r.ID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Get 按 id 查找存活房间
func (m *RoomManager) Get(roomID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// Rooms 列出房间摘要；typeName 为空时列出全部
func (m *RoomManager) Rooms(typeName string) []RoomInfo {
	m.mu.RLock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for _, id := range m.order {
		r := m.rooms[id]
		if typeName != "" && r.Type != typeName {
			continue
		}
		out = append(out, r.Info())
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Count 存活房间数
func (m *RoomManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Shutdown 销毁全部房间并等待完成
func (m *RoomManager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	for _, r := range rooms {
		if err := r.Dispose(); err != nil && !errors.Is(err, ErrRoomDisposed) {
			Log.Warnw("dispose room failed", "room", r.ID, "error", err)
		}
	}
	for _, r := range rooms {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
