package server

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrUnknownIntent   = errors.New("unknown intent type")
	ErrMalformedIntent = errors.New("malformed intent")
)

// IntentKind 客户端意图类型
type IntentKind string

const (
	IntentMove   IntentKind = "move"
	IntentRotate IntentKind = "rotate"
)

// Intent 客户端意图：只作用于发送者自己的实体
type Intent struct {
	Kind     IntentKind
	X        float64
	Y        float64
	Rotation float64
}

// Patch 转换为实体的局部更新
func (in Intent) Patch() PlayerPatch {
	switch in.Kind {
	case IntentMove:
		x, y := in.X, in.Y
		return PlayerPatch{X: &x, Y: &y}
	case IntentRotate:
		r := in.Rotation
		return PlayerPatch{Rotation: &r}
	}
	return PlayerPatch{}
}

// InputMessage 入站消息
// 示例：{"type":"move","data":{"x":10,"y":20}}、{"type":"rotate","data":{"rotation":1.57}}
type InputMessage struct {
	Type string    `json:"type" msgpack:"type"`
	Data InputData `json:"data" msgpack:"data"`
}

// InputData 负载字段，缺失字段为 nil
type InputData struct {
	X        *float64 `json:"x,omitempty" msgpack:"x,omitempty"`
	Y        *float64 `json:"y,omitempty" msgpack:"y,omitempty"`
	Rotation *float64 `json:"rotation,omitempty" msgpack:"rotation,omitempty"`
}

// Intent 校验类型与必需字段
func (m InputMessage) Intent() (Intent, error) {
	switch IntentKind(m.Type) {
	case IntentMove:
		if m.Data.X == nil || m.Data.Y == nil {
			return Intent{}, fmt.Errorf("%w: move requires x and y", ErrMalformedIntent)
		}
		if !finite(*m.Data.X) || !finite(*m.Data.Y) {
			return Intent{}, fmt.Errorf("%w: move coordinates must be finite", ErrMalformedIntent)
		}
		return Intent{Kind: IntentMove, X: *m.Data.X, Y: *m.Data.Y}, nil
	case IntentRotate:
		if m.Data.Rotation == nil {
			return Intent{}, fmt.Errorf("%w: rotate requires rotation", ErrMalformedIntent)
		}
		if !finite(*m.Data.Rotation) {
			return Intent{}, fmt.Errorf("%w: rotation must be finite", ErrMalformedIntent)
		}
		return Intent{Kind: IntentRotate, Rotation: *m.Data.Rotation}, nil
	default:
		return Intent{}, fmt.Errorf("%w: %q", ErrUnknownIntent, m.Type)
	}
}

func (in Intent) finite() bool {
	return finite(in.X) && finite(in.Y) && finite(in.Rotation)
}

// finite msgpack 可以携带 NaN/Inf，JSON 无法编码
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
