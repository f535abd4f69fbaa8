package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

// fakeClient 记录入队的帧；limit > 0 时模拟有限的发送队列
type fakeClient struct {
	mu     sync.Mutex
	codec  Codec
	frames [][]byte
	limit  int
	closed bool
}

func newFakeClient() *fakeClient { return &fakeClient{codec: JSONCodec} }

func (c *fakeClient) Codec() Codec { return c.codec }

func (c *fakeClient) Enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || (c.limit > 0 && len(c.frames) >= c.limit) {
		return false
	}
	c.frames = append(c.frames, b)
	return true
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// envelopes 解码全部 JSON 帧
func (c *fakeClient) envelopes(t *testing.T) []testFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]testFrame, 0, len(c.frames))
	for _, b := range c.frames {
		var f testFrame
		if err := json.Unmarshal(b, &f); err != nil {
			t.Fatalf("decode frame %s: %v", b, err)
		}
		out = append(out, f)
	}
	return out
}

func (c *fakeClient) last(t *testing.T) testFrame {
	t.Helper()
	frames := c.envelopes(t)
	if len(frames) == 0 {
		t.Fatal("expected at least one frame")
	}
	return frames[len(frames)-1]
}

// testFrame 覆盖所有出站帧的字段
type testFrame struct {
	Type      string             `json:"type"`
	RoomID    string             `json:"roomId"`
	SessionID SessionID          `json:"sessionId"`
	State     StateFrame         `json:"state"`
	ID        SessionID          `json:"id"`
	Player    Player             `json:"player"`
	Changes   map[string]float64 `json:"changes"`
}

func frameTypes(frames []testFrame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type + ":" + string(f.ID)
	}
	return out
}

// sequentialIDs 生成 s1, s2, ...；只在房间协程内调用
func sequentialIDs() func() SessionID {
	n := 0
	return func() SessionID {
		n++
		return SessionID(fmt.Sprintf("s%d", n))
	}
}

func newTestRoom(t *testing.T, opts RoomOptions, hooks ...func(*Room)) *Room {
	t.Helper()
	if opts.NewSessionID == nil {
		opts.NewSessionID = sequentialIDs()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(1))
	}
	r := NewRoom("room-test", DefaultRoomType, opts)
	for _, h := range hooks {
		r.OnDispose(h)
	}
	r.Start()
	t.Cleanup(func() {
		_ = r.Dispose()
		select {
		case <-r.Done():
		case <-time.After(2 * time.Second):
			t.Error("room was not disposed")
		}
	})
	return r
}

func mustJoin(t *testing.T, r *Room, c Client) SessionID {
	t.Helper()
	id, err := r.Join(context.Background(), c)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	return id
}

// mustSnapshot 读取快照，同时等待此前入队的事件处理完毕
func mustSnapshot(t *testing.T, r *Room) map[SessionID]Player {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return s
}

func waitDone(t *testing.T, r *Room) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("room was not disposed")
	}
}
