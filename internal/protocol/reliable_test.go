package protocol

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wfunc/castle-shooter/internal/kv"
	"go.uber.org/zap"
)

func newTestSender(w io.Writer, opts ...SenderOption) (*Sender, *kv.Scope) {
	scope := kv.NewScope(kv.NewMemoryStore(), "test")
	return NewSender(w, scope, zap.NewNop(), opts...), scope
}

func TestSendWithRetry_AckArrives(t *testing.T) {
	sender, _ := newTestSender(io.Discard)

	// 模拟收包泵稍后记录ack
	go func() {
		time.Sleep(20 * time.Millisecond)
		sender.RecordAck(1)
	}()

	ok, err := sender.SendWithRetry("command|{}", intPtr(42))
	if err != nil {
		t.Fatalf("SendWithRetry() error = %v", err)
	}
	if !ok {
		t.Error("收到ack后应返回成功")
	}
}

func TestSendWithRetry_AckAlreadyInStore(t *testing.T) {
	sender, scope := newTestSender(io.Discard,
		WithRetrySchedule([]time.Duration{5 * time.Millisecond}))

	// ack由另一个进程写入共享存储的场景
	scope.Set(AckKey(1), "1")

	ok, err := sender.SendWithRetry("command|{}", intPtr(42))
	if err != nil {
		t.Fatalf("SendWithRetry() error = %v", err)
	}
	if !ok {
		t.Error("共享存储中已有ack记录时应返回成功")
	}
}

func TestSendWithRetry_Exhausted(t *testing.T) {
	sender, _ := newTestSender(io.Discard,
		WithRetrySchedule([]time.Duration{time.Millisecond, time.Millisecond}))

	ok, err := sender.SendWithRetry("command|{}", intPtr(42))
	if err != nil {
		t.Fatalf("SendWithRetry() error = %v", err)
	}
	if ok {
		t.Error("未收到ack时耗尽重传序列应返回失败")
	}
}

func TestSendWithRetry_MonotonicPacketID(t *testing.T) {
	sender, scope := newTestSender(io.Discard,
		WithRetrySchedule([]time.Duration{time.Millisecond}))

	sender.SendWithRetry("a|1", nil)
	sender.SendWithRetry("b|2", nil)

	raw, ok := scope.Get("last_packet_id")
	if !ok || raw != "2" {
		t.Errorf("last_packet_id = %q, want \"2\"", raw)
	}
}

func TestSendWithRetry_RejectsBadPayload(t *testing.T) {
	sender, _ := newTestSender(io.Discard)

	if _, err := sender.SendWithRetry("bad;payload", nil); err == nil {
		t.Error("包含保留分隔符的载荷应在构造时报错")
	}
}

func TestHandleOnce_DuplicateDelivery(t *testing.T) {
	scope := kv.NewScope(kv.NewMemoryStore(), "test")

	var applied atomic.Int32
	var acks atomic.Int32
	apply := func() { applied.Add(1) }
	sendAck := func(packetID int) error {
		acks.Add(1)
		return nil
	}

	packet := &Packet{ID: intPtr(9), ClientID: intPtr(42), Payload: "command|{}"}

	// 同一数据包投递两次（模拟重传），效果只执行一次
	first := HandleOnce(scope, packet, apply, sendAck)
	second := HandleOnce(scope, packet, apply, sendAck)

	if !first {
		t.Error("首次投递应执行效果")
	}
	if second {
		t.Error("重复投递不应再次执行效果")
	}
	if applied.Load() != 1 {
		t.Errorf("效果执行了 %d 次, want 1", applied.Load())
	}
	if acks.Load() != 1 {
		t.Errorf("发送了 %d 个ack, want 1", acks.Load())
	}
}

func TestHandleOnce_ConcurrentDuplicates(t *testing.T) {
	scope := kv.NewScope(kv.NewMemoryStore(), "test")

	var applied atomic.Int32
	packet := &Packet{ID: intPtr(5), ClientID: intPtr(7), Payload: "command|{}"}

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			HandleOnce(scope, packet, func() { applied.Add(1) }, nil)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	if applied.Load() != 1 {
		t.Errorf("并发重复投递下效果执行了 %d 次, want 1", applied.Load())
	}
}

func TestHandleOnce_UnackedPacketAlwaysApplies(t *testing.T) {
	scope := kv.NewScope(kv.NewMemoryStore(), "test")

	var applied atomic.Int32
	packet := &Packet{ClientID: intPtr(7), Payload: "active_players|[1]"}

	HandleOnce(scope, packet, func() { applied.Add(1) }, nil)
	HandleOnce(scope, packet, func() { applied.Add(1) }, nil)

	if applied.Load() != 2 {
		t.Errorf("无ID数据包不做去重, 执行了 %d 次, want 2", applied.Load())
	}
}
