package server

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrRoomDisposed     = errors.New("room disposed")
	ErrRoomFull         = errors.New("room full")
	ErrDuplicateSession = errors.New("duplicate session id")
)

// RoomState 房间生命周期：Created → Active → Disposing → Disposed
type RoomState int32

const (
	RoomCreated RoomState = iota
	RoomActive
	RoomDisposing
	RoomDisposed
)

func (s RoomState) String() string {
	switch s {
	case RoomCreated:
		return "created"
	case RoomActive:
		return "active"
	case RoomDisposing:
		return "disposing"
	case RoomDisposed:
		return "disposed"
	}
	return "unknown"
}

// Client 房间视角下的客户端发送端
type Client interface {
	Codec() Codec
	// Enqueue 非阻塞入队，队列满返回 false
	Enqueue(b []byte) bool
	// Close 关闭底层连接（房间踢出客户端时调用）
	Close()
}

// RoomOptions 房间类型的配置
type RoomOptions struct {
	MaxClients  int // 0 表示不限
	Policy      IntentPolicy
	EventBuffer int
	Logger      *zap.SugaredLogger // nil 时使用全局 Log
	// 以下用于测试注入
	Rand         *rand.Rand
	NewSessionID func() SessionID
}

// RoomInfo 房间的只读摘要
type RoomInfo struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Clients    int    `json:"clients"`
	MaxClients int    `json:"maxClients"`
	State      string `json:"state"`
}

// Room 房间世界：权威状态维护在内存，由单个协程串行处理全部事件
type Room struct {
	ID   string
	Type string

	store   *PlayerStore
	clients map[SessionID]Client
	evict   []SessionID // 本次事件中发送队列已满、待踢出的客户端

	maxClients   int
	policy       IntentPolicy
	rng          *rand.Rand
	newSessionID func() SessionID
	metrics      *RoomMetrics
	log          *zap.SugaredLogger
	disposeHooks []func(*Room)

	events chan roomEvent
	done   chan struct{}

	state       atomic.Int32
	clientCount atomic.Int32
}

// NewRoom 创建房间并初始化实体表；调用 Start 后进入 Active
func NewRoom(id, typeName string, opts RoomOptions) *Room {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.Policy == nil {
		opts.Policy = TrustedPolicy{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Logger == nil {
		opts.Logger = Log
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = func() SessionID { return SessionID(uuid.NewString()) }
	}
	r := &Room{
		ID:           id,
		Type:         typeName,
		clients:      make(map[SessionID]Client),
		maxClients:   opts.MaxClients,
		policy:       opts.Policy,
		rng:          opts.Rand,
		newSessionID: opts.NewSessionID,
		metrics:      &RoomMetrics{},
		log:          opts.Logger,
		events:       make(chan roomEvent, opts.EventBuffer),
		done:         make(chan struct{}),
	}
	r.store = NewPlayerStore(r)
	r.state.Store(int32(RoomCreated))
	return r
}

// OnDispose 注册销毁钩子，必须在 Start 之前调用
func (r *Room) OnDispose(fn func(*Room)) {
	r.disposeHooks = append(r.disposeHooks, fn)
}

func (r *Room) State() RoomState { return RoomState(r.state.Load()) }

func (r *Room) ClientCount() int { return int(r.clientCount.Load()) }

func (r *Room) Metrics() *RoomMetrics { return r.metrics }

// Done 房间销毁后关闭
func (r *Room) Done() <-chan struct{} { return r.done }

func (r *Room) Info() RoomInfo {
	return RoomInfo{
		ID:         r.ID,
		Type:       r.Type,
		Clients:    r.ClientCount(),
		MaxClients: r.maxClients,
		State:      r.State().String(),
	}
}

// acceptsJoins 供匹配器筛选：未销毁且有空位
func (r *Room) acceptsJoins() bool {
	switch r.State() {
	case RoomCreated, RoomActive:
	default:
		return false
	}
	return r.maxClients <= 0 || r.ClientCount() < r.maxClients
}

// Join 将客户端加入房间，返回分配的会话标识。
// ctx 只约束入队；入队后等待房间协程给出结果。
func (r *Room) Join(ctx context.Context, c Client) (SessionID, error) {
	reply := make(chan joinResult, 1)
	if err := r.send(ctx, joinEvent{ctx: ctx, client: c, reply: reply}); err != nil {
		return "", err
	}
	select {
	case res := <-reply:
		return res.id, res.err
	case <-r.done:
		select {
		case res := <-reply:
			return res.id, res.err
		default:
			return "", ErrRoomDisposed
		}
	}
}

// Leave 客户端离开（断线等同于离开）
func (r *Room) Leave(id SessionID, consented bool) error {
	return r.send(context.Background(), leaveEvent{id: id, consented: consented})
}

// Dispatch 投递客户端意图，按到达顺序处理
func (r *Room) Dispatch(id SessionID, in Intent) error {
	return r.send(context.Background(), messageEvent{id: id, intent: in})
}

// Snapshot 在房间协程中读取全量实体
func (r *Room) Snapshot(ctx context.Context) (map[SessionID]Player, error) {
	reply := make(chan map[SessionID]Player, 1)
	if err := r.send(ctx, snapshotEvent{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case s, ok := <-reply:
		if !ok {
			return nil, ErrRoomDisposed
		}
		return s, nil
	case <-r.done:
		select {
		case s, ok := <-reply:
			if ok {
				return s, nil
			}
		default:
		}
		return nil, ErrRoomDisposed
	}
}

// Dispose 请求销毁房间（关闭所有连接）
func (r *Room) Dispose() error {
	return r.send(context.Background(), disposeEvent{})
}

func (r *Room) send(ctx context.Context, ev roomEvent) error {
	select {
	case <-r.done:
		return ErrRoomDisposed
	default:
	}
	select {
	case r.events <- ev:
		return nil
	case <-r.done:
		return ErrRoomDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleJoin 生成随机出生点并插入实体，随后向新客户端发送全量快照
func (r *Room) handleJoin(ev joinEvent) {
	if err := ev.ctx.Err(); err != nil {
		ev.reply <- joinResult{err: err}
		return
	}
	if r.maxClients > 0 && len(r.clients) >= r.maxClients {
		ev.reply <- joinResult{err: ErrRoomFull}
		return
	}
	id := r.newSessionID()
	if _, exists := r.clients[id]; exists {
		r.log.Errorw("session id collision", "room", r.ID, "session", id)
		ev.reply <- joinResult{err: ErrDuplicateSession}
		return
	}
	if _, exists := r.store.Get(id); exists {
		r.log.Errorw("session id collision", "room", r.ID, "session", id)
		ev.reply <- joinResult{err: ErrDuplicateSession}
		return
	}

	// 先插入实体：Added 只广播给已有客户端
	r.store.Put(id, NewSpawnedPlayer(r.rng))
	r.clients[id] = ev.client
	r.clientCount.Store(int32(len(r.clients)))

	fc := newFrameCache(newJoinFrame(r.ID, id, r.store.Snapshot()))
	r.deliver(id, ev.client, fc)

	r.metrics.IncJoins()
	r.log.Infow("session joined", "room", r.ID, "session", id, "clients", len(r.clients))
	ev.reply <- joinResult{id: id}
}

// handleLeave 移除实体并解除连接
func (r *Room) handleLeave(ev leaveEvent) {
	if _, ok := r.clients[ev.id]; !ok {
		return
	}
	delete(r.clients, ev.id)
	r.clientCount.Store(int32(len(r.clients)))
	r.metrics.IncLeaves()
	r.store.Remove(ev.id)
	r.log.Infow("session left", "room", r.ID, "session", ev.id, "consented", ev.consented)
}

// handleMessage 将意图应用到发送者自己的实体；实体不存在时静默丢弃
func (r *Room) handleMessage(ev messageEvent) {
	if !ev.intent.finite() {
		r.metrics.IncMalformed()
		return
	}
	cur, ok := r.store.Get(ev.id)
	if !ok {
		r.metrics.IncDiscarded()
		return
	}
	if !r.policy.Allow(ev.id, cur, ev.intent) {
		r.metrics.IncRejected()
		r.log.Debugw("intent rejected by policy", "room", r.ID, "session", ev.id, "kind", ev.intent.Kind)
		return
	}
	r.store.Mutate(ev.id, ev.intent.Patch())
	r.metrics.IncAccepted()
}

// PlayerAdded 实现 StoreObserver
func (r *Room) PlayerAdded(id SessionID, p Player) {
	r.broadcast(newFrameCache(newAddFrame(id, p)))
}

// PlayerChanged 实现 StoreObserver
func (r *Room) PlayerChanged(id SessionID, p Player, fields []Field) {
	r.broadcast(newFrameCache(newChangeFrame(id, p, fields)))
}

// PlayerRemoved 实现 StoreObserver
func (r *Room) PlayerRemoved(id SessionID) {
	r.broadcast(newFrameCache(newRemoveFrame(id)))
}

// broadcast 将一帧按各自编码入队到全部已连接客户端
func (r *Room) broadcast(fc *frameCache) {
	for id, c := range r.clients {
		r.deliver(id, c, fc)
	}
}

func (r *Room) deliver(id SessionID, c Client, fc *frameCache) {
	if r.pendingEvict(id) {
		return
	}
	b, err := fc.bytes(c.Codec())
	if err != nil {
		// 编码失败同样踢出，不能让客户端缺帧
		r.log.Errorw("encode frame failed", "room", r.ID, "session", id, "codec", c.Codec().Name(), "error", err)
		r.evict = append(r.evict, id)
		return
	}
	if !c.Enqueue(b) {
		// 不丢帧：队列满的客户端整体踢出，由客户端重连拿新快照
		r.evict = append(r.evict, id)
		return
	}
	r.metrics.AddFramesSent(1)
}

func (r *Room) pendingEvict(id SessionID) bool {
	for _, e := range r.evict {
		if e == id {
			return true
		}
	}
	return false
}

// flushEvictions 处理本次事件中积累的慢客户端
func (r *Room) flushEvictions() {
	for len(r.evict) > 0 {
		id := r.evict[0]
		c, ok := r.clients[id]
		if ok {
			delete(r.clients, id)
			r.clientCount.Store(int32(len(r.clients)))
			r.metrics.IncSlowClientEvicted()
			r.log.Warnw("evicting client", "room", r.ID, "session", id)
			c.Close()
			// Remove 可能再次产生待踢出的客户端
			r.store.Remove(id)
			r.metrics.IncLeaves()
		}
		r.evict = r.evict[1:]
	}
}

type roomEvent interface{}

type joinEvent struct {
	ctx    context.Context
	client Client
	reply  chan joinResult
}

type joinResult struct {
	id  SessionID
	err error
}

type leaveEvent struct {
	id        SessionID
	consented bool
}

type messageEvent struct {
	id     SessionID
	intent Intent
}

type snapshotEvent struct {
	reply chan map[SessionID]Player
}

type disposeEvent struct{}
