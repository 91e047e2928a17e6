package protocol

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"strconv"

	"github.com/wfunc/castle-shooter/internal/errors"
)

// 帧格式: "[[[[" + 8位十进制长度 + zlib压缩载荷 + "]]]]"
// 长度字段是压缩后载荷的字节数，左侧补零到8位
const (
	frameOpenMarker  = "[[[["
	frameCloseMarker = "]]]]"
	frameLengthWidth = 8

	// DefaultChunkSize 单次读取上限，限制单帧读取的尾延迟
	DefaultChunkSize = 256
)

// Frame 把原始载荷压缩并封装成一个完整帧
func Frame(payload []byte) ([]byte, error) {
	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	if _, err := w.Write(payload); err != nil {
		return nil, errors.Wrap(err, errors.ErrFrameDecode, "压缩载荷失败")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrFrameDecode, "压缩载荷失败")
	}

	var frame bytes.Buffer
	frame.Grow(len(frameOpenMarker) + frameLengthWidth + compressed.Len() + len(frameCloseMarker))
	frame.WriteString(frameOpenMarker)
	frame.WriteString(fmt.Sprintf("%08d", compressed.Len()))
	frame.Write(compressed.Bytes())
	frame.WriteString(frameCloseMarker)
	return frame.Bytes(), nil
}

// WriteFrame 把载荷封帧后完整写入流
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := Frame(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return errors.Wrap(err, errors.ErrFrameDecode, "写入帧失败")
	}
	return nil
}

// ReadFrame 阻塞读取一个完整帧并返回解压后的文本
// 前缀不匹配或解压失败返回空串而不报错，容忍流失步后重新同步
// 只有底层流错误（连接中断等）才返回error
func ReadFrame(r io.Reader, chunkSize int) (string, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	// 逐字节确认开头标记，失步时消耗一个字节后放弃本次读取
	first := make([]byte, 1)
	if _, err := io.ReadFull(r, first); err != nil {
		return "", err
	}
	if first[0] != '[' {
		return "", nil
	}

	preamble := make([]byte, len(frameOpenMarker)-1+frameLengthWidth)
	if _, err := io.ReadFull(r, preamble); err != nil {
		return "", err
	}
	if string(preamble[:3]) != "[[[" {
		return "", nil
	}

	length, err := strconv.Atoi(string(preamble[3:]))
	if err != nil || length < 0 {
		return "", nil
	}

	// 分块读满压缩载荷，单次读取不超过chunkSize
	compressed := make([]byte, 0, length)
	buf := make([]byte, chunkSize)
	for len(compressed) < length {
		next := length - len(compressed)
		if next > chunkSize {
			next = chunkSize
		}
		if _, err := io.ReadFull(r, buf[:next]); err != nil {
			return "", err
		}
		compressed = append(compressed, buf[:next]...)
	}

	// 读掉结尾标记
	closer := make([]byte, len(frameCloseMarker))
	if _, err := io.ReadFull(r, closer); err != nil {
		return "", err
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", nil
	}
	defer zr.Close()
	decompressed, err := io.ReadAll(zr)
	if err != nil {
		return "", nil
	}
	return string(decompressed), nil
}
