package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/photomate/imagecache/internal/cache"
)

// DefaultInflightTTL 是调用结束后仍保留在合并表中的时长，用于吸收几乎同时到达的重复请求。
const DefaultInflightTTL = time.Second

type inflightCall struct {
	done  chan struct{}
	entry *cache.Entry
	err   error
}

// inflightTable 保证同一请求标识同一时刻最多只有一个取数操作。
type inflightTable struct {
	ttl time.Duration

	mu    sync.Mutex
	calls map[string]*inflightCall
}

func newInflightTable(ttl time.Duration) *inflightTable {
	if ttl <= 0 {
		ttl = DefaultInflightTTL
	}
	return &inflightTable{ttl: ttl, calls: make(map[string]*inflightCall)}
}

// do 执行 fn，或挂到已有的同 key 调用上；shared 表示结果来自他人发起的调用。
// 条目在调用结束 ttl 之后才移除，无论成功与否。
func (t *inflightTable) do(key string, fn func() (*cache.Entry, error)) (entry *cache.Entry, shared bool, err error) {
	t.mu.Lock()
	if call, ok := t.calls[key]; ok {
		t.mu.Unlock()
		<-call.done
		return call.entry, true, call.err
	}
	call := &inflightCall{done: make(chan struct{})}
	t.calls[key] = call
	t.mu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				call.entry = nil
				call.err = fmt.Errorf("image fetch panicked: %v", r)
			}
			close(call.done)
			time.AfterFunc(t.ttl, func() { t.forget(key, call) })
		}()
		call.entry, call.err = fn()
	}()

	return call.entry, false, call.err
}

func (t *inflightTable) forget(key string, call *inflightCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls[key] == call {
		delete(t.calls, key)
	}
}

func (t *inflightTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
