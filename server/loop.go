package server

import "fmt"

// Start 启动房间协程（单线程处理加入、离开、意图）
func (r *Room) Start() {
	if !r.state.CompareAndSwap(int32(RoomCreated), int32(RoomActive)) {
		return
	}
	go r.run()
}

// run 核心循环：按入队顺序逐个处理事件，处理完一个才处理下一个
func (r *Room) run() {
	for ev := range r.events {
		switch ev := ev.(type) {
		case joinEvent:
			r.handleJoin(ev)
		case leaveEvent:
			r.handleLeave(ev)
		case messageEvent:
			r.handleMessage(ev)
		case snapshotEvent:
			ev.reply <- r.store.Snapshot()
			continue
		case disposeEvent:
			r.dispose()
			return
		}
		r.flushEvictions()
		// 最后一个客户端离开后立即销毁
		if len(r.clients) == 0 {
			r.dispose()
			return
		}
	}
}

// dispose Disposing：关闭剩余连接、执行钩子，然后进入 Disposed
func (r *Room) dispose() {
	r.state.Store(int32(RoomDisposing))
	for id, c := range r.clients {
		c.Close()
		delete(r.clients, id)
	}
	r.clientCount.Store(0)

	for _, hook := range r.disposeHooks {
		if err := r.runHook(hook); err != nil {
			r.log.Errorw("room dispose hook failed", "room", r.ID, "error", err)
		}
	}

	r.state.Store(int32(RoomDisposed))
	close(r.done)
	r.drain()
	r.log.Infow("room disposed", "room", r.ID, "type", r.Type)
}

// runHook 隔离单个钩子的 panic，避免影响其他房间
func (r *Room) runHook(hook func(*Room)) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	hook(r)
	return nil
}

// drain 拒绝销毁前已入队但未处理的请求
func (r *Room) drain() {
	for {
		select {
		case ev := <-r.events:
			switch ev := ev.(type) {
			case joinEvent:
				ev.reply <- joinResult{err: ErrRoomDisposed}
			case snapshotEvent:
				close(ev.reply)
			}
		default:
			return
		}
	}
}
