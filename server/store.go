package server

import "sort"

// StoreObserver 接收实体表的变更通知。
// 通知在发生变更的调用中同步触发，顺序与调用顺序一致，不合并。
type StoreObserver interface {
	PlayerAdded(id SessionID, p Player)
	PlayerChanged(id SessionID, p Player, fields []Field)
	PlayerRemoved(id SessionID)
}

// PlayerStore 会话 → 玩家实体的映射，是房间状态的唯一来源。
// 非并发安全：只允许所属房间的工作协程访问。
type PlayerStore struct {
	players  map[SessionID]*Player
	observer StoreObserver
}

// NewPlayerStore 创建实体表，obs 可为 nil
func NewPlayerStore(obs StoreObserver) *PlayerStore {
	return &PlayerStore{
		players:  make(map[SessionID]*Player),
		observer: obs,
	}
}

// Put 插入或覆盖。已存在的 id 静默覆盖并通知全部字段变更。
func (s *PlayerStore) Put(id SessionID, p Player) {
	if cur, ok := s.players[id]; ok {
		*cur = p
		if s.observer != nil {
			s.observer.PlayerChanged(id, p, allFields)
		}
		return
	}
	cp := p
	s.players[id] = &cp
	if s.observer != nil {
		s.observer.PlayerAdded(id, p)
	}
}

// Get 查询实体副本
func (s *PlayerStore) Get(id SessionID) (Player, bool) {
	p, ok := s.players[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// Remove 删除实体并返回被删除的值
func (s *PlayerStore) Remove(id SessionID) (Player, bool) {
	p, ok := s.players[id]
	if !ok {
		return Player{}, false
	}
	delete(s.players, id)
	if s.observer != nil {
		s.observer.PlayerRemoved(id)
	}
	return *p, true
}

// Mutate 对已存在实体做局部更新；id 不存在时为 no-op 并返回 false
func (s *PlayerStore) Mutate(id SessionID, patch PlayerPatch) bool {
	p, ok := s.players[id]
	if !ok {
		return false
	}
	fields := p.apply(patch)
	if len(fields) > 0 && s.observer != nil {
		s.observer.PlayerChanged(id, *p, fields)
	}
	return true
}

// Len 当前实体数
func (s *PlayerStore) Len() int { return len(s.players) }

// IDs 返回排序后的会话列表
func (s *PlayerStore) IDs() []SessionID {
	ids := make([]SessionID, 0, len(s.players))
	for id := range s.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot 返回全部实体的拷贝
func (s *PlayerStore) Snapshot() map[SessionID]Player {
	out := make(map[SessionID]Player, len(s.players))
	for id, p := range s.players {
		out[id] = *p
	}
	return out
}
