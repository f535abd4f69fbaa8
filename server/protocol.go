package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// 出站消息类型
const (
	FrameJoin   = "join"
	FrameAdd    = "add"
	FrameChange = "change"
	FrameRemove = "remove"
)

var ErrUnknownCodec = errors.New("unknown codec")

// Codec 帧编解码器，每个连接选定一种
type Codec interface {
	Name() string
	// FrameType 对应的 websocket 消息类型
	FrameType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) FrameType() int                     { return websocket.TextMessage }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                       { return "msgpack" }
func (msgpackCodec) FrameType() int                     { return websocket.BinaryMessage }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

var (
	JSONCodec    Codec = jsonCodec{}
	MsgpackCodec Codec = msgpackCodec{}
)

// CodecByName 按名称查找编解码器，空名称返回 JSON
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec, nil
	case "msgpack":
		return MsgpackCodec, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// StateFrame 房间全量状态
type StateFrame struct {
	Players map[SessionID]Player `json:"players" msgpack:"players"`
}

// JoinFrame 加入成功后发给新客户端的第一帧：自身会话 + 全量快照
type JoinFrame struct {
	Type      string     `json:"type" msgpack:"type"`
	RoomID    string     `json:"roomId" msgpack:"roomId"`
	SessionID SessionID  `json:"sessionId" msgpack:"sessionId"`
	State     StateFrame `json:"state" msgpack:"state"`
}

// AddFrame 新实体
type AddFrame struct {
	Type   string    `json:"type" msgpack:"type"`
	ID     SessionID `json:"id" msgpack:"id"`
	Player Player    `json:"player" msgpack:"player"`
}

// ChangeFrame 实体字段变更，仅包含被赋值的字段
type ChangeFrame struct {
	Type    string            `json:"type" msgpack:"type"`
	ID      SessionID         `json:"id" msgpack:"id"`
	Changes map[Field]float64 `json:"changes" msgpack:"changes"`
}

// RemoveFrame 实体移除
type RemoveFrame struct {
	Type string    `json:"type" msgpack:"type"`
	ID   SessionID `json:"id" msgpack:"id"`
}

func newJoinFrame(roomID string, id SessionID, players map[SessionID]Player) JoinFrame {
	return JoinFrame{Type: FrameJoin, RoomID: roomID, SessionID: id, State: StateFrame{Players: players}}
}

func newAddFrame(id SessionID, p Player) AddFrame {
	return AddFrame{Type: FrameAdd, ID: id, Player: p}
}

func newChangeFrame(id SessionID, p Player, fields []Field) ChangeFrame {
	changes := make(map[Field]float64, len(fields))
	for _, f := range fields {
		changes[f] = p.value(f)
	}
	return ChangeFrame{Type: FrameChange, ID: id, Changes: changes}
}

func newRemoveFrame(id SessionID) RemoveFrame {
	return RemoveFrame{Type: FrameRemove, ID: id}
}

// DecodeIntent 解码一帧入站消息
func DecodeIntent(c Codec, payload []byte) (Intent, error) {
	var im InputMessage
	if err := c.Unmarshal(payload, &im); err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrMalformedIntent, err)
	}
	return im.Intent()
}

// frameCache 同一事件对每种编码只序列化一次
type frameCache struct {
	frame   any
	encoded map[string][]byte
}

func newFrameCache(frame any) *frameCache {
	return &frameCache{frame: frame, encoded: make(map[string][]byte, 2)}
}

func (fc *frameCache) bytes(c Codec) ([]byte, error) {
	if b, ok := fc.encoded[c.Name()]; ok {
		return b, nil
	}
	b, err := c.Marshal(fc.frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", c.Name(), err)
	}
	fc.encoded[c.Name()] = b
	return b, nil
}
