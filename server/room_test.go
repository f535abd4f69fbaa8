package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewSpawnedPlayerMatchesUniformSampling(t *testing.T) {
	p := NewSpawnedPlayer(rand.New(rand.NewSource(42)))

	ref := rand.New(rand.NewSource(42))
	wantX := ref.Float64() * 800
	wantY := ref.Float64() * 600
	if p.X != wantX || p.Y != wantY || p.Rotation != 0 {
		t.Fatalf("spawn = %+v, want (%v, %v, 0)", p, wantX, wantY)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		p := NewSpawnedPlayer(rng)
		if p.X < 0 || p.X >= 800 || p.Y < 0 || p.Y >= 600 {
			t.Fatalf("spawn out of range: %+v", p)
		}
	}
}

// 两个客户端的完整流程：加入、快照、移动、离开
func TestRoomReplicationScenario(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	a, b := newFakeClient(), newFakeClient()

	idA := mustJoin(t, r, a)
	if idA != "s1" {
		t.Fatalf("idA = %s", idA)
	}
	join := a.last(t)
	if join.Type != FrameJoin || join.SessionID != idA || join.RoomID != r.ID {
		t.Fatalf("unexpected join frame %+v", join)
	}
	if pa, ok := join.State.Players[idA]; !ok || pa.Rotation != 0 {
		t.Fatalf("snapshot missing own entity: %+v", join.State.Players)
	}

	idB := mustJoin(t, r, b)
	if got := a.last(t); got.Type != FrameAdd || got.ID != idB {
		t.Fatalf("A should receive add(B), got %+v", got)
	}
	bJoin := b.last(t)
	if bJoin.Type != FrameJoin || len(bJoin.State.Players) != 2 {
		t.Fatalf("B snapshot should contain A and B, got %+v", bJoin)
	}
	if len(b.envelopes(t)) != 1 {
		t.Fatalf("B must not receive its own add, got %v", frameTypes(b.envelopes(t)))
	}

	if err := r.Dispatch(idA, Intent{Kind: IntentMove, X: 10, Y: 20}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	snap := mustSnapshot(t, r)
	if snap[idA].X != 10 || snap[idA].Y != 20 {
		t.Fatalf("A position = %+v", snap[idA])
	}
	change := b.last(t)
	if change.Type != FrameChange || change.ID != idA {
		t.Fatalf("B should receive change(A), got %+v", change)
	}
	if !reflect.DeepEqual(change.Changes, map[string]float64{"x": 10, "y": 20}) {
		t.Fatalf("changes = %v", change.Changes)
	}

	if err := r.Leave(idA, true); err != nil {
		t.Fatalf("leave: %v", err)
	}
	snap = mustSnapshot(t, r)
	if _, ok := snap[idA]; ok || len(snap) != 1 {
		t.Fatalf("store after A left = %+v", snap)
	}
	if got := b.last(t); got.Type != FrameRemove || got.ID != idA {
		t.Fatalf("B should receive remove(A), got %+v", got)
	}

	if err := r.Leave(idB, false); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitDone(t, r)
	if r.State() != RoomDisposed {
		t.Fatalf("state = %s", r.State())
	}
}

func TestRoomMoveOnlyAffectsSender(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	idA := mustJoin(t, r, newFakeClient())
	idB := mustJoin(t, r, newFakeClient())
	before := mustSnapshot(t, r)

	_ = r.Dispatch(idA, Intent{Kind: IntentMove, X: -5, Y: 1e9})
	_ = r.Dispatch(idA, Intent{Kind: IntentRotate, Rotation: 7.5})
	after := mustSnapshot(t, r)

	if after[idB] != before[idB] {
		t.Fatalf("B changed: %+v -> %+v", before[idB], after[idB])
	}
	if after[idA] != (Player{X: -5, Y: 1e9, Rotation: 7.5}) {
		t.Fatalf("A = %+v", after[idA])
	}
}

func TestRoomIntentForAbsentSessionIsNoop(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	c := newFakeClient()
	mustJoin(t, r, c)
	before := mustSnapshot(t, r)
	framesBefore := len(c.envelopes(t))

	_ = r.Dispatch("ghost", Intent{Kind: IntentMove, X: 1, Y: 1})
	_ = r.Dispatch("ghost", Intent{Kind: IntentRotate, Rotation: 1})

	if after := mustSnapshot(t, r); !reflect.DeepEqual(before, after) {
		t.Fatalf("store changed: %+v -> %+v", before, after)
	}
	if len(c.envelopes(t)) != framesBefore {
		t.Fatal("no frames expected for discarded intents")
	}
	if got := r.Metrics().Snapshot()["intents_discarded"]; got != int64(2) {
		t.Fatalf("intents_discarded = %v", got)
	}
}

func TestRoomNoChangeAfterRemove(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	observerClient := newFakeClient()
	idA := mustJoin(t, r, newFakeClient())
	mustJoin(t, r, observerClient)

	_ = r.Dispatch(idA, Intent{Kind: IntentMove, X: 1, Y: 1})
	_ = r.Leave(idA, false)
	// 离开与意图竞争：离开之后到达的意图必须被丢弃
	_ = r.Dispatch(idA, Intent{Kind: IntentMove, X: 2, Y: 2})
	mustSnapshot(t, r)

	seenRemove := false
	for _, f := range observerClient.envelopes(t) {
		if f.ID != idA {
			continue
		}
		if f.Type == FrameRemove {
			seenRemove = true
			continue
		}
		if seenRemove && f.Type == FrameChange {
			t.Fatalf("change for %s delivered after remove: %v", idA, frameTypes(observerClient.envelopes(t)))
		}
	}
	if !seenRemove {
		t.Fatal("expected remove frame")
	}
}

func TestRoomKeySetTracksJoinedSessions(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	keeper := newFakeClient()
	mustJoin(t, r, keeper) // 保持房间存活

	const n = 40
	ids := make([]SessionID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.Join(context.Background(), newFakeClient())
			if err != nil {
				t.Errorf("join: %v", err)
				return
			}
			ids[i] = id
			if i%2 == 0 {
				_ = r.Leave(id, true)
			}
		}(i)
	}
	wg.Wait()

	want := []SessionID{"s1"}
	for i, id := range ids {
		if i%2 != 0 {
			want = append(want, id)
		}
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	snap := mustSnapshot(t, r)
	got := make([]SessionID, 0, len(snap))
	for id := range snap {
		got = append(got, id)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("store keys = %v, want %v", got, want)
	}
	if r.ClientCount() != len(want) {
		t.Fatalf("client count = %d, want %d", r.ClientCount(), len(want))
	}
}

func TestRoomSnapshotIncludesEarlierJoins(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	for i := 0; i < 5; i++ {
		mustJoin(t, r, newFakeClient())
	}
	late := newFakeClient()
	id := mustJoin(t, r, late)

	frames := late.envelopes(t)
	if frames[0].Type != FrameJoin {
		t.Fatalf("first frame must be the join snapshot, got %v", frameTypes(frames))
	}
	if len(frames[0].State.Players) != 6 {
		t.Fatalf("snapshot has %d players", len(frames[0].State.Players))
	}
	if _, ok := frames[0].State.Players[id]; !ok {
		t.Fatal("snapshot missing own entity")
	}
}

func TestRoomMaxClients(t *testing.T) {
	r := newTestRoom(t, RoomOptions{MaxClients: 1})
	mustJoin(t, r, newFakeClient())
	if r.acceptsJoins() {
		t.Fatal("full room should not accept joins")
	}
	if _, err := r.Join(context.Background(), newFakeClient()); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err = %v, want ErrRoomFull", err)
	}
}

func TestRoomDuplicateSessionID(t *testing.T) {
	r := newTestRoom(t, RoomOptions{NewSessionID: func() SessionID { return "same" }})
	mustJoin(t, r, newFakeClient())
	if _, err := r.Join(context.Background(), newFakeClient()); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("err = %v, want ErrDuplicateSession", err)
	}
	if r.ClientCount() != 1 {
		t.Fatalf("client count = %d", r.ClientCount())
	}
}

func TestRoomPolicyRejectsLongMoves(t *testing.T) {
	r := newTestRoom(t, RoomOptions{Policy: MaxDistancePolicy{Max: 5}})
	id := mustJoin(t, r, newFakeClient())
	start := mustSnapshot(t, r)[id]

	_ = r.Dispatch(id, Intent{Kind: IntentMove, X: start.X + 1000, Y: start.Y})
	if got := mustSnapshot(t, r)[id]; got != start {
		t.Fatalf("long move applied: %+v", got)
	}
	_ = r.Dispatch(id, Intent{Kind: IntentMove, X: start.X + 3, Y: start.Y - 2})
	if got := mustSnapshot(t, r)[id]; got.X != start.X+3 || got.Y != start.Y-2 {
		t.Fatalf("short move not applied: %+v", got)
	}
	m := r.Metrics().Snapshot()
	if m["intents_rejected"] != int64(1) || m["intents_accepted"] != int64(1) {
		t.Fatalf("metrics = %v", m)
	}
}

func TestRoomEvictsSlowClient(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	slow := &fakeClient{codec: JSONCodec, limit: 1}
	idSlow := mustJoin(t, r, slow)
	fast := newFakeClient()
	mustJoin(t, r, fast)

	snap := mustSnapshot(t, r)
	if _, ok := snap[idSlow]; ok {
		t.Fatal("slow client's entity should be removed")
	}
	if !slow.isClosed() {
		t.Fatal("slow client should be closed")
	}
	if got := fast.last(t); got.Type != FrameRemove || got.ID != idSlow {
		t.Fatalf("fast client should see remove, got %v", frameTypes(fast.envelopes(t)))
	}
	if r.Metrics().Snapshot()["slow_client_evicted"] != int64(1) {
		t.Fatal("eviction not counted")
	}
}

func TestRoomJoinAfterDisposeFails(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	id := mustJoin(t, r, newFakeClient())
	_ = r.Leave(id, true)
	waitDone(t, r)

	if _, err := r.Join(context.Background(), newFakeClient()); !errors.Is(err, ErrRoomDisposed) {
		t.Fatalf("err = %v, want ErrRoomDisposed", err)
	}
	if err := r.Dispatch(id, Intent{Kind: IntentRotate}); !errors.Is(err, ErrRoomDisposed) {
		t.Fatalf("dispatch err = %v", err)
	}
	if r.acceptsJoins() {
		t.Fatal("disposed room should not accept joins")
	}
}

func TestRoomCancelledFirstJoinDisposes(t *testing.T) {
	r := NewRoom("abandoned", DefaultRoomType, RoomOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Join(ctx, newFakeClient())
		done <- err
	}()
	// 房间未启动：等加入请求入队后再取消
	deadline := time.Now().Add(2 * time.Second)
	for len(r.events) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("join was never queued")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	r.Start()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	waitDone(t, r)
}

func TestRoomDisposeHookPanicIsContained(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	var ran bool
	r := newTestRoom(t, RoomOptions{Logger: zap.New(core).Sugar()},
		func(*Room) { panic("boom") },
		func(*Room) { ran = true },
	)

	id := mustJoin(t, r, newFakeClient())
	_ = r.Leave(id, true)
	waitDone(t, r)

	if !ran {
		t.Fatal("hooks after a panicking hook must still run")
	}
	if logs.FilterMessage("room dispose hook failed").Len() != 1 {
		t.Fatalf("expected hook failure to be logged, got %v", logs.All())
	}
	if logs.FilterMessage("room disposed").Len() != 1 {
		t.Fatal("expected dispose log entry")
	}
}

func TestRoomStateTransitions(t *testing.T) {
	r := NewRoom("states", DefaultRoomType, RoomOptions{})
	if r.State() != RoomCreated {
		t.Fatalf("initial state = %s", r.State())
	}
	r.Start()
	if r.State() != RoomActive {
		t.Fatalf("state after start = %s", r.State())
	}
	if err := r.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	waitDone(t, r)
	if r.State() != RoomDisposed {
		t.Fatalf("final state = %s", r.State())
	}
	for s, want := range map[RoomState]string{RoomCreated: "created", RoomDisposing: "disposing", RoomState(9): "unknown"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q", s, s.String())
		}
	}
}

func TestRoomJoinLogs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := newTestRoom(t, RoomOptions{Logger: zap.New(core).Sugar()})
	id := mustJoin(t, r, newFakeClient())

	entries := logs.FilterMessage("session joined").All()
	if len(entries) != 1 {
		t.Fatalf("expected one join log, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["session"]; fmt.Sprint(got) != string(id) {
		t.Fatalf("logged session = %v", got)
	}
}

func TestRoomIgnoresNonFiniteIntents(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	packed := &fakeClient{codec: MsgpackCodec}
	idA := mustJoin(t, r, packed)
	start := mustSnapshot(t, r)[idA]

	_ = r.Dispatch(idA, Intent{Kind: IntentMove, X: math.NaN(), Y: math.Inf(1)})
	_ = r.Dispatch(idA, Intent{Kind: IntentRotate, Rotation: math.Inf(-1)})
	if got := mustSnapshot(t, r)[idA]; got != start {
		t.Fatalf("non-finite intent applied: %+v", got)
	}

	// JSON 客户端随后加入仍然收到完整快照
	plain := newFakeClient()
	idB := mustJoin(t, r, plain)
	frames := plain.envelopes(t)
	if len(frames) != 1 || frames[0].Type != FrameJoin || frames[0].SessionID != idB {
		t.Fatalf("json client frames = %v", frameTypes(frames))
	}
	if got := frames[0].State.Players[idA]; got != start {
		t.Fatalf("snapshot entry for msgpack client = %+v, want %+v", got, start)
	}
	if got := r.Metrics().Snapshot()["malformed_frames"]; got != 2 {
		t.Fatalf("malformed frames = %d", got)
	}
}

// brokenCodec 模拟无法编码出站帧的连接
type brokenCodec struct{ jsonCodec }

func (brokenCodec) Name() string { return "broken" }

func (brokenCodec) Marshal(any) ([]byte, error) { return nil, errors.New("cannot encode") }

func TestRoomEvictsClientWhenEncodingFails(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	healthy := newFakeClient()
	idA := mustJoin(t, r, healthy)

	broken := &fakeClient{codec: brokenCodec{}}
	idB, err := r.Join(context.Background(), broken)
	if err != nil {
		t.Fatal(err)
	}

	snap := mustSnapshot(t, r)
	if _, ok := snap[idB]; ok {
		t.Fatal("client that cannot be encoded for should be removed")
	}
	if !broken.isClosed() {
		t.Fatal("client should be closed instead of silently missing frames")
	}
	if got := frameTypes(healthy.envelopes(t)); !reflect.DeepEqual(got, []string{
		"join:", "add:" + string(idB), "remove:" + string(idB),
	}) {
		t.Fatalf("healthy client frames = %v", got)
	}
	if _, ok := snap[idA]; !ok || r.ClientCount() != 1 {
		t.Fatalf("clients = %d, snapshot = %v", r.ClientCount(), snap)
	}
	if got := r.Metrics().Snapshot()["slow_client_evicted"]; got != 1 {
		t.Fatalf("evictions = %d", got)
	}
}
