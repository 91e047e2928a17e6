package protocol

import (
	"strings"

	"go.uber.org/zap"
)

// Reassembler 应用层拆包恢复
// 个别数据包会被底层传输拆成两段交付，单独解析会失败。
// 失败的片段先缓存，下次失败时把全部片段拼接后整体重试；
// 拼接仍失败则记录并丢弃，避免缓冲无限增长。
// 帧层已保证帧完整性，这里是对历史混流数据的第二道防线。
type Reassembler struct {
	pending []string
	log     *zap.Logger
}

// NewReassembler 创建拆包恢复器
func NewReassembler(log *zap.Logger) *Reassembler {
	return &Reassembler{log: log}
}

// Handle 处理单个数据包文本，handle返回nil视为成功
func (r *Reassembler) Handle(datum string, handle func(string) error) {
	if err := handle(datum); err == nil {
		r.pending = r.pending[:0]
		return
	} else if len(r.pending) == 0 {
		r.pending = append(r.pending, datum)
		r.log.Debug("数据包解析失败，缓存待拼接",
			zap.String("datum", truncate(datum, 120)),
			zap.Error(err))
		return
	}

	r.pending = append(r.pending, datum)
	joined := strings.Join(r.pending, "")
	if err := handle(joined); err != nil {
		r.log.Warn("拼接重试仍失败，丢弃缓存片段",
			zap.String("joined", truncate(joined, 120)),
			zap.Error(err))
	}
	r.pending = r.pending[:0]
}
