package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sasha-s/go-deadlock"
)

const (
	// 单次写出的超时
	writeWait = 10 * time.Second

	// 等待下一个 pong 的超时
	pongWait = 60 * time.Second

	// ping 发送周期，必须小于 pongWait
	pingPeriod = (pongWait * 9) / 10

	// 匹配与加入房间的超时
	joinTimeout = 10 * time.Second

	// websocket 关闭原因的最大长度
	maxCloseReason = 123
)

// ClientConn 负责发送（写）数据到客户端的轻量包装
type ClientConn struct {
	ws    *websocket.Conn
	codec Codec

	mu     deadlock.Mutex
	send   chan []byte
	closed bool
}

func NewClientConn(ws *websocket.Conn, codec Codec, buffer int) *ClientConn {
	return &ClientConn{
		ws:    ws,
		codec: codec,
		send:  make(chan []byte, buffer),
	}
}

func (c *ClientConn) Codec() Codec { return c.codec }

// Enqueue 将要发送的消息压入队列（非阻塞）；队列满或已关闭返回 false
func (c *ClientConn) Enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Close 关闭发送队列，写协程发送关闭帧后断开连接
func (c *ClientConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期发送 ping
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(c.codec.FrameType(), msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 读取客户端输入，解码为 Intent 投递给房间；退出即离开房间
func (c *ClientConn) readPump(room *Room, id SessionID, readLimit int64) {
	var readErr error
	defer func() {
		consented := websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway)
		if err := room.Leave(id, consented); err != nil && !errors.Is(err, ErrRoomDisposed) {
			Log.Warnw("leave failed", "room", room.ID, "session", id, "error", err)
		}
		c.Close()
	}()

	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			readErr = err
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				Log.Debugw("websocket read error", "room", room.ID, "session", id, "error", err)
			}
			return
		}
		in, err := DecodeIntent(c.codec, payload)
		if err != nil {
			// 非法或未知消息：静默丢弃，不回错误
			room.Metrics().IncMalformed()
			Log.Debugw("discarding frame", "room", room.ID, "session", id, "error", err)
			continue
		}
		if err := room.Dispatch(id, in); err != nil {
			readErr = err
			return
		}
	}
}

// Gateway WebSocket 接入：握手、匹配、消息编解码
type Gateway struct {
	manager  *RoomManager
	cfg      Config
	upgrader websocket.Upgrader
}

func NewGateway(manager *RoomManager, cfg Config) *Gateway {
	return &Gateway{
		manager: manager,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 允许所有来源：不做鉴权
				return true
			},
		},
	}
}

// HandleWS /ws?type=game_room[&roomId=..][&create=true][&codec=json|msgpack]
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	codecName := q.Get("codec")
	if codecName == "" {
		codecName = g.cfg.DefaultCodec
	}
	codec, err := CodecByName(codecName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := NewClientConn(ws, codec, g.cfg.SendBuffer)
	ctx, cancel := context.WithTimeout(r.Context(), joinTimeout)
	defer cancel()

	room, id, err := g.join(ctx, r, client)
	if err != nil {
		Log.Warnw("join failed", "remote", r.RemoteAddr, "error", err)
		reason := err.Error()
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCodeFor(err), reason),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	go client.writePump()
	go client.readPump(room, id, g.cfg.MaxMessageBytes)
}

func (g *Gateway) join(ctx context.Context, r *http.Request, c *ClientConn) (*Room, SessionID, error) {
	q := r.URL.Query()
	if roomID := q.Get("roomId"); roomID != "" {
		return g.manager.JoinByID(ctx, roomID, c)
	}
	typeName := q.Get("type")
	if typeName == "" {
		typeName = DefaultRoomType
	}
	if create, _ := strconv.ParseBool(q.Get("create")); create {
		return g.manager.Create(ctx, typeName, c)
	}
	return g.manager.JoinOrCreate(ctx, typeName, c)
}

// closeCodeFor 将加入失败映射为 websocket 关闭码
func closeCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownRoomType), errors.Is(err, ErrRoomNotFound):
		return websocket.ClosePolicyViolation
	case errors.Is(err, ErrRoomFull), errors.Is(err, ErrRoomDisposed):
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseInternalServerErr
	}
}
