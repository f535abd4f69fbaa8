package server

import (
	"sync/atomic"
)

// RoomMetrics 记录房间运行期的关键指标（用于监控与调试）
type RoomMetrics struct {
	Joins             int64 // 成功加入次数
	Leaves            int64 // 离开次数（含异常断开）
	IntentsAccepted   int64 // 被应用的意图数
	IntentsDiscarded  int64 // 发送者实体不存在而丢弃的意图数
	IntentsRejected   int64 // 被校验策略拒绝的意图数
	MalformedFrames   int64 // 无法解码或类型未知的入站帧
	FramesSent        int64 // 入队的出站帧数
	SlowClientEvicted int64 // 因发送队列满或编码失败被踢出的客户端数
}

func (m *RoomMetrics) IncJoins()             { atomic.AddInt64(&m.Joins, 1) }
func (m *RoomMetrics) IncLeaves()            { atomic.AddInt64(&m.Leaves, 1) }
func (m *RoomMetrics) IncAccepted()          { atomic.AddInt64(&m.IntentsAccepted, 1) }
func (m *RoomMetrics) IncDiscarded()         { atomic.AddInt64(&m.IntentsDiscarded, 1) }
func (m *RoomMetrics) IncRejected()          { atomic.AddInt64(&m.IntentsRejected, 1) }
func (m *RoomMetrics) IncMalformed()         { atomic.AddInt64(&m.MalformedFrames, 1) }
func (m *RoomMetrics) AddFramesSent(n int)   { atomic.AddInt64(&m.FramesSent, int64(n)) }
func (m *RoomMetrics) IncSlowClientEvicted() { atomic.AddInt64(&m.SlowClientEvicted, 1) }

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *RoomMetrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"joins":               atomic.LoadInt64(&m.Joins),
		"leaves":              atomic.LoadInt64(&m.Leaves),
		"intents_accepted":    atomic.LoadInt64(&m.IntentsAccepted),
		"intents_discarded":   atomic.LoadInt64(&m.IntentsDiscarded),
		"intents_rejected":    atomic.LoadInt64(&m.IntentsRejected),
		"malformed_frames":    atomic.LoadInt64(&m.MalformedFrames),
		"frames_sent":         atomic.LoadInt64(&m.FramesSent),
		"slow_client_evicted": atomic.LoadInt64(&m.SlowClientEvicted),
	}
}
