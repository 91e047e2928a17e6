package protocol

import (
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/wfunc/castle-shooter/internal/kv"
	"go.uber.org/zap"
)

// DefaultRetrySchedule 默认重传退避序列
var DefaultRetrySchedule = []time.Duration{
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
}

// AckKey ack记录键
func AckKey(packetID int) string {
	return fmt.Sprintf("packet_ack|%d", packetID)
}

// HandledKey 已处理标记键
func HandledKey(packetID int, forClient *int) string {
	if forClient == nil {
		return fmt.Sprintf("packet_handled|%d", packetID)
	}
	return fmt.Sprintf("packet_handled|%d|%d", packetID, *forClient)
}

// Sender 可靠发送器
// 每个(房间,连接)作用域一个实例，数据包ID在该作用域内单调递增
// 重传语义为至少一次：下游必须容忍重复投递
type Sender struct {
	w     io.Writer
	wmu   sync.Mutex // 串行化帧写入，防止并发写交错
	scope *kv.Scope
	log   *zap.Logger

	schedule []time.Duration

	// 测试注入
	testLag    time.Duration
	dropChance float64

	waitMu  sync.Mutex
	waiters map[int]chan struct{}
}

// SenderOption 发送器选项
type SenderOption func(*Sender)

// WithRetrySchedule 自定义重传退避序列
func WithRetrySchedule(schedule []time.Duration) SenderOption {
	return func(s *Sender) {
		if len(schedule) > 0 {
			s.schedule = schedule
		}
	}
}

// WithTestLag 注入模拟延迟（韧性测试用）
func WithTestLag(lag time.Duration) SenderOption {
	return func(s *Sender) { s.testLag = lag }
}

// WithDropChance 注入模拟丢包率（韧性测试用）
func WithDropChance(chance float64) SenderOption {
	return func(s *Sender) { s.dropChance = chance }
}

// NewSender 创建可靠发送器
func NewSender(w io.Writer, scope *kv.Scope, log *zap.Logger, opts ...SenderOption) *Sender {
	s := &Sender{
		w:        w,
		scope:    scope,
		log:      log,
		schedule: DefaultRetrySchedule,
		waiters:  make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// nextPacketID 在作用域锁下分配下一个数据包ID
func (s *Sender) nextPacketID() int {
	unlock := s.scope.Lock("last_packet_id")
	defer unlock()

	last := 0
	if raw, ok := s.scope.Get("last_packet_id"); ok {
		last, _ = strconv.Atoi(raw)
	}
	next := last + 1
	s.scope.Set("last_packet_id", strconv.Itoa(next))
	return next
}

// transmit 编码并封帧写出一个数据包
func (s *Sender) transmit(p *Packet) error {
	if s.dropChance > 0 && rand.Float64() < s.dropChance {
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return WriteFrame(s.w, []byte(p.Encode()))
}

// SendWithRetry 可靠发送：按退避序列重传直到收到ack
// 耗尽序列仍未确认时返回false，由调用方决定是否当作致命错误
func (s *Sender) SendWithRetry(payload string, clientID *int) (bool, error) {
	if s.testLag > 0 {
		time.Sleep(s.testLag)
	}

	packetID := s.nextPacketID()
	packet, err := NewPacket(&packetID, clientID, payload)
	if err != nil {
		return false, err
	}

	acked := s.registerWaiter(packetID)
	defer s.removeWaiter(packetID)

	for attempt, wait := range s.schedule {
		if err := s.transmit(packet); err != nil {
			return false, err
		}

		select {
		case <-acked:
			return true, nil
		case <-time.After(wait):
		}

		// ack可能由另一个进程记录到共享存储，通道没等到也要查一次
		if _, ok := s.scope.Get(AckKey(packetID)); ok {
			return true, nil
		}

		if attempt < len(s.schedule)-1 {
			s.log.Debug("未收到ack，重传",
				zap.Int("packet_id", packetID),
				zap.Int("attempt", attempt+1))
		}
	}

	s.log.Warn("可靠投递失败",
		zap.Int("packet_id", packetID),
		zap.String("payload", truncate(payload, 120)))
	return false, nil
}

// SendWithoutRetry 即发即弃发送
func (s *Sender) SendWithoutRetry(payload string, clientID *int) error {
	packet, err := NewPacket(nil, clientID, payload)
	if err != nil {
		return err
	}
	return s.transmit(packet)
}

// SendAck 发送ack包
func (s *Sender) SendAck(packetID int) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return WriteFrame(s.w, []byte(NewAck(packetID).Encode()))
}

// RecordAck 记录收到的ack：写共享存储并唤醒等待中的发送
// 由收包泵在看到ack包时调用
func (s *Sender) RecordAck(packetID int) {
	s.scope.Set(AckKey(packetID), "1")

	s.waitMu.Lock()
	ch, ok := s.waiters[packetID]
	if ok {
		delete(s.waiters, packetID)
	}
	s.waitMu.Unlock()
	if ok {
		close(ch)
	}
}

// registerWaiter 注册ack等待通道
func (s *Sender) registerWaiter(packetID int) chan struct{} {
	ch := make(chan struct{})
	s.waitMu.Lock()
	s.waiters[packetID] = ch
	s.waitMu.Unlock()
	return ch
}

// removeWaiter 清理ack等待通道
func (s *Sender) removeWaiter(packetID int) {
	s.waitMu.Lock()
	delete(s.waiters, packetID)
	s.waitMu.Unlock()
}

// HandleOnce 针对需要ack的数据包做幂等处理
// 在按包互斥锁下检查已处理标记：未处理则执行效果、回ack、打标记；
// 已处理则静默吞掉（不重发ack）。返回效果是否真正执行
func HandleOnce(scope *kv.Scope, p *Packet, apply func(), sendAck func(packetID int) error) bool {
	if p.ID == nil {
		apply()
		return true
	}

	unlock := scope.Lock(fmt.Sprintf("handle_payload|%s|%d", optionalIntString(p.ClientID), *p.ID))
	defer unlock()

	handledKey := HandledKey(*p.ID, p.ClientID)
	if _, handled := scope.Get(handledKey); handled {
		return false
	}

	apply()
	if sendAck != nil {
		_ = sendAck(*p.ID)
	}
	scope.Set(handledKey, "1")
	return true
}

// truncate 日志截断
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
