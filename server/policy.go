package server

import "math"

// IntentPolicy 服务端校验钩子，返回 false 的意图被静默丢弃
type IntentPolicy interface {
	Allow(id SessionID, current Player, in Intent) bool
}

// TrustedPolicy 信任客户端：原样接受所有意图（默认）
type TrustedPolicy struct{}

func (TrustedPolicy) Allow(SessionID, Player, Intent) bool { return true }

// MaxDistancePolicy 限制单次 move 的位移距离，Max <= 0 时不限制
type MaxDistancePolicy struct {
	Max float64
}

func (p MaxDistancePolicy) Allow(_ SessionID, current Player, in Intent) bool {
	if in.Kind != IntentMove || p.Max <= 0 {
		return true
	}
	if math.IsNaN(in.X) || math.IsNaN(in.Y) {
		return false
	}
	return math.Hypot(in.X-current.X, in.Y-current.Y) <= p.Max
}

// PolicyFromConfig 按配置选择策略
func PolicyFromConfig(maxDistance float64) IntentPolicy {
	if maxDistance > 0 {
		return MaxDistancePolicy{Max: maxDistance}
	}
	return TrustedPolicy{}
}
