package protocol

import (
	"testing"

	"github.com/wfunc/castle-shooter/internal/errors"
	"go.uber.org/zap"
)

func TestReassembler_SplitPacketRecovered(t *testing.T) {
	r := NewReassembler(zap.NewNop())

	var handled []string
	handle := func(datum string) error {
		if _, err := Parse(datum); err != nil {
			return err
		}
		handled = append(handled, datum)
		return nil
	}

	// 一个数据包被拆成两段交付
	full := "5||42||command|{}"
	r.Handle(full[:8], handle)
	r.Handle(full[8:], handle)

	if len(handled) != 1 || handled[0] != full {
		t.Errorf("拼接恢复失败: %v", handled)
	}
}

func TestReassembler_SecondFailureDropsBuffer(t *testing.T) {
	r := NewReassembler(zap.NewNop())

	fail := func(datum string) error {
		return errors.New(errors.ErrPacketParse, datum)
	}

	r.Handle("garbage1", fail)
	r.Handle("garbage2", fail)

	// 缓冲已清空：新的完整数据包不受旧垃圾影响
	var handled []string
	ok := func(datum string) error {
		handled = append(handled, datum)
		return nil
	}
	r.Handle("@1", ok)

	if len(handled) != 1 || handled[0] != "@1" {
		t.Errorf("丢弃缓存后应正常处理新数据包: %v", handled)
	}
}

func TestReassembler_SuccessClearsBuffer(t *testing.T) {
	r := NewReassembler(zap.NewNop())

	calls := 0
	handle := func(datum string) error {
		calls++
		if calls == 1 {
			return errors.New(errors.ErrPacketParse, "首段失败")
		}
		return nil
	}

	r.Handle("partial", handle)
	// 独立成功的数据包会清掉缓存
	r.Handle("@1", handle)

	if len(r.pending) != 0 {
		t.Errorf("成功处理后缓存应清空, 剩余 %d", len(r.pending))
	}
}
