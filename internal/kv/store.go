package kv

import (
	"strings"
	"sync"
)

// Store 键值协作接口
// 核心只依赖四个能力：按键读写、按键互斥锁、按键订阅变更
type Store interface {
	// Get 读取键值，键不存在时返回 ("", false)
	Get(key string) (string, bool)
	// Set 写入键值并发布变更，返回值是否发生变化
	Set(key, value string) bool
	// Lock 获取按键互斥锁，返回解锁函数
	Lock(key string) (unlock func())
	// Subscribe 订阅一组键的变更，返回取消函数
	// 回调以 (键, 新值) 形式在独立goroutine中依次触发
	Subscribe(keys []string, callback func(key, value string)) (cancel func())
}

// subscriber 订阅者
type subscriber struct {
	keys map[string]struct{}
	ch   chan change
	done chan struct{}
}

// change 变更通知
type change struct {
	key   string
	value string
}

// MemoryStore 进程内键值存储实现
// 服务端每个进程持有一个实例；客户端各自持有本地实例
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]string
	locks map[string]*sync.Mutex

	subMu sync.Mutex
	subs  map[*subscriber]struct{}
}

// NewMemoryStore 创建内存键值存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]string),
		locks: make(map[string]*sync.Mutex),
		subs:  make(map[*subscriber]struct{}),
	}
}

// Get 读取键值
func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	return value, ok
}

// Set 写入键值并发布变更
func (s *MemoryStore) Set(key, value string) bool {
	s.mu.Lock()
	old, existed := s.data[key]
	s.data[key] = value
	s.mu.Unlock()

	// 每次写入都发布，订阅方依赖变更通知驱动广播
	s.publish(key, value)

	return !existed || old != value
}

// Lock 获取按键互斥锁
func (s *MemoryStore) Lock(key string) func() {
	s.mu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Subscribe 订阅一组键的变更
func (s *MemoryStore) Subscribe(keys []string, callback func(key, value string)) func() {
	sub := &subscriber{
		keys: make(map[string]struct{}, len(keys)),
		ch:   make(chan change, 256),
		done: make(chan struct{}),
	}
	for _, key := range keys {
		sub.keys[key] = struct{}{}
	}

	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()

	// 每个订阅者独立goroutine派发，慢回调不阻塞写入方
	go func() {
		for {
			select {
			case c := <-sub.ch:
				callback(c.key, c.value)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, sub)
			s.subMu.Unlock()
			close(sub.done)
		})
	}
}

// publish 向所有匹配的订阅者派发变更
func (s *MemoryStore) publish(key, value string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		if _, ok := sub.keys[key]; !ok {
			continue
		}
		select {
		case sub.ch <- change{key: key, value: value}:
		default:
			// 订阅缓冲区满时丢弃，广播语义允许丢失（状态会被下次快照覆盖）
		}
	}
}

// Scope 带前缀的键值视图
// 每个房间、每个客户端各用一个作用域，避免跨房间键冲突
type Scope struct {
	store  Store
	prefix string
}

// NewScope 创建作用域视图
func NewScope(store Store, parts ...string) *Scope {
	return &Scope{store: store, prefix: strings.Join(parts, ":")}
}

// Key 生成带前缀的完整键
func (s *Scope) Key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

// StripKey 去掉前缀还原原始键
func (s *Scope) StripKey(fullKey string) string {
	if s.prefix == "" {
		return fullKey
	}
	return strings.TrimPrefix(fullKey, s.prefix+":")
}

// Get 读取作用域内键值
func (s *Scope) Get(key string) (string, bool) {
	return s.store.Get(s.Key(key))
}

// Set 写入作用域内键值
func (s *Scope) Set(key, value string) bool {
	return s.store.Set(s.Key(key), value)
}

// Lock 获取作用域内按键锁
func (s *Scope) Lock(key string) func() {
	return s.store.Lock(s.Key(key))
}

// Subscribe 订阅作用域内一组键，回调收到去前缀后的键名
func (s *Scope) Subscribe(keys []string, callback func(key, value string)) func() {
	fullKeys := make([]string, len(keys))
	for i, key := range keys {
		fullKeys[i] = s.Key(key)
	}
	return s.store.Subscribe(fullKeys, func(fullKey, value string) {
		callback(s.StripKey(fullKey), value)
	})
}
