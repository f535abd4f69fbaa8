package server

import "math/rand"

// SessionID 会话标识：加入房间时分配，连接存续期间不变
type SessionID string

// 出生区域（与现有客户端保持一致）
const (
	SpawnWidth  = 800
	SpawnHeight = 600
)

// Field 玩家实体上可被同步的字段名
type Field string

const (
	FieldX        Field = "x"
	FieldY        Field = "y"
	FieldRotation Field = "rotation"
)

// allFields 用于整体覆盖时的变更通知
var allFields = []Field{FieldX, FieldY, FieldRotation}

// Player 房间内的玩家实体（服务端权威状态）
type Player struct {
	X        float64 `json:"x" msgpack:"x"`
	Y        float64 `json:"y" msgpack:"y"`
	Rotation float64 `json:"rotation" msgpack:"rotation"` // 弧度，不做归一化
}

// NewSpawnedPlayer 在出生区域内均匀随机生成位置，朝向为 0
func NewSpawnedPlayer(rng *rand.Rand) Player {
	return Player{
		X: rng.Float64() * SpawnWidth,
		Y: rng.Float64() * SpawnHeight,
	}
}

// PlayerPatch 局部更新：nil 字段保持不变
type PlayerPatch struct {
	X        *float64
	Y        *float64
	Rotation *float64
}

// apply 将补丁写入实体，返回被赋值的字段（即使值未变化也计入）
func (p *Player) apply(patch PlayerPatch) []Field {
	fields := make([]Field, 0, 3)
	if patch.X != nil {
		p.X = *patch.X
		fields = append(fields, FieldX)
	}
	if patch.Y != nil {
		p.Y = *patch.Y
		fields = append(fields, FieldY)
	}
	if patch.Rotation != nil {
		p.Rotation = *patch.Rotation
		fields = append(fields, FieldRotation)
	}
	return fields
}

// value 返回字段当前值
func (p Player) value(f Field) float64 {
	switch f {
	case FieldX:
		return p.X
	case FieldY:
		return p.Y
	default:
		return p.Rotation
	}
}
