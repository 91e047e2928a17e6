package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wfunc/castle-shooter/internal/errors"
)

// 数据包分隔符
// 载荷中禁止出现，否则无法按文本切分
const (
	PacketTerminator = ";"
	FieldSeparator   = "||"
)

// Packet 数据包
// ID为nil的数据包不需要ack
type Packet struct {
	ID       *int   // 数据包ID，可靠投递时分配
	ClientID *int   // 命令主体的客户端ID，可缺省
	IsAck    bool   // 是否为ack包
	Payload  string // 文本载荷
}

// NewPacket 创建数据包，构造时校验分隔符约束
func NewPacket(id *int, clientID *int, payload string) (*Packet, error) {
	if strings.Contains(payload, PacketTerminator) || strings.Contains(payload, FieldSeparator) {
		return nil, errors.Newf(errors.ErrProtocolViolation, "载荷包含保留分隔符: %q", payload)
	}
	return &Packet{ID: id, ClientID: clientID, Payload: payload}, nil
}

// NewAck 创建ack包
func NewAck(id int) *Packet {
	return &Packet{ID: &id, IsAck: true}
}

// Encode 编码为线上文本形式
func (p *Packet) Encode() string {
	if p.IsAck {
		return fmt.Sprintf("@%d;", *p.ID)
	}
	if p.ID == nil {
		return fmt.Sprintf("~||%s||%s;", optionalIntString(p.ClientID), p.Payload)
	}
	return fmt.Sprintf("%d||%s||%s;", *p.ID, optionalIntString(p.ClientID), p.Payload)
}

// Parse 解析单个数据包文本（不含结尾分号）
func Parse(s string) (*Packet, error) {
	if s == "" {
		return nil, errors.New(errors.ErrPacketParse, "空数据包")
	}

	if strings.HasPrefix(s, "@") {
		id, err := strconv.Atoi(s[1:])
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrPacketParse, "ack包ID无效")
		}
		return NewAck(id), nil
	}

	parts := strings.SplitN(s, FieldSeparator, 3)
	if len(parts) != 3 {
		return nil, errors.Newf(errors.ErrPacketParse, "字段数量错误: %q", s)
	}

	clientID, err := parseOptionalInt(parts[1])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrPacketParse, "客户端ID无效")
	}

	if strings.HasPrefix(s, "~") {
		return &Packet{ClientID: clientID, Payload: parts[2]}, nil
	}

	id, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrPacketParse, "数据包ID无效")
	}
	return &Packet{ID: &id, ClientID: clientID, Payload: parts[2]}, nil
}

// SplitPayload 把一个帧的解压载荷切分成若干数据包文本
func SplitPayload(raw string) []string {
	var out []string
	for _, datum := range strings.Split(raw, PacketTerminator) {
		if datum != "" {
			out = append(out, datum)
		}
	}
	return out
}

// optionalIntString 可缺省整数编码，缺省时为空串
func optionalIntString(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

// parseOptionalInt 可缺省整数解析
func parseOptionalInt(s string) (*int, error) {
	if s == "" || s == "None" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
