package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType 帧类型
type FrameType uint8

const (
	FrameTypeData    FrameType = 0x00 // 数据帧
	FrameTypeOpen    FrameType = 0x01 // 通道打开帧
	FrameTypeClose   FrameType = 0x02 // 通道关闭帧
	FrameTypePing    FrameType = 0x03 // Ping帧
	FrameTypePong    FrameType = 0x04 // Pong帧
	FrameTypeAuth    FrameType = 0x05 // 认证请求帧
	FrameTypeAuthOK  FrameType = 0x06 // 认证通过帧
	FrameTypeAuthErr FrameType = 0x07 // 认证拒绝帧
)

// String 返回帧类型名称
func (ft FrameType) String() string {
	switch ft {
	case FrameTypeData:
		return "DATA"
	case FrameTypeOpen:
		return "OPEN"
	case FrameTypeClose:
		return "CLOSE"
	case FrameTypePing:
		return "PING"
	case FrameTypePong:
		return "PONG"
	case FrameTypeAuth:
		return "AUTH"
	case FrameTypeAuthOK:
		return "AUTH_OK"
	case FrameTypeAuthErr:
		return "AUTH_ERR"
	default:
		return fmt.Sprintf("UNKNOWN_%d", uint8(ft))
	}
}

// ChannelID 通道ID类型
type ChannelID uint16

// 帧头长度 (版本1 + 类型1 + 通道ID2 + 长度4 = 8字节)
const FrameHeaderLength = 8

// 协议版本
const ProtocolVersion = 1

// 最大帧负载长度 (64KB)
const MaxFrameLength = 64 * 1024

// Frame 帧结构
type Frame struct {
	Version   uint8     // 协议版本 (1 byte)
	Type      FrameType // 帧类型 (1 byte)
	ChannelID ChannelID // 通道ID (2 bytes)
	Length    uint32    // 负载长度 (4 bytes)
	Payload   []byte    // 负载数据
}

// NewFrame 创建新帧
func NewFrame(frameType FrameType, channelID ChannelID, payload []byte) *Frame {
	f := &Frame{
		Version:   ProtocolVersion,
		Type:      frameType,
		ChannelID: channelID,
		Payload:   payload,
	}
	if payload != nil {
		f.Length = uint32(len(payload))
	}
	return f
}

// WriteTo 将帧写入到Writer
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	header := make([]byte, FrameHeaderLength)
	header[0] = f.Version
	header[1] = uint8(f.Type)
	binary.BigEndian.PutUint16(header[2:4], uint16(f.ChannelID))
	binary.BigEndian.PutUint32(header[4:8], f.Length)

	n, err := w.Write(header)
	if err != nil {
		return int64(n), err
	}
	written := int64(n)

	if f.Length > 0 && f.Payload != nil {
		n, err = w.Write(f.Payload)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// ReadFrom 从Reader读取帧
func (f *Frame) ReadFrom(r io.Reader) (int64, error) {
	header := make([]byte, FrameHeaderLength)
	n, err := io.ReadFull(r, header)
	if err != nil {
		return int64(n), err
	}
	read := int64(n)

	f.Version = header[0]
	f.Type = FrameType(header[1])
	f.ChannelID = ChannelID(binary.BigEndian.Uint16(header[2:4]))
	f.Length = binary.BigEndian.Uint32(header[4:8])

	if f.Version != ProtocolVersion {
		return read, fmt.Errorf("malformed frame: 不支持的协议版本 %d", f.Version)
	}
	if f.Length > MaxFrameLength {
		return read, fmt.Errorf("frame too large: %d > %d", f.Length, MaxFrameLength)
	}

	if f.Length > 0 {
		f.Payload = make([]byte, f.Length)
		n, err = io.ReadFull(r, f.Payload)
		read += int64(n)
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

// Validate 验证帧的有效性
func (f *Frame) Validate() error {
	if f.Version != ProtocolVersion {
		return fmt.Errorf("malformed frame: 不支持的协议版本 %d", f.Version)
	}
	if f.Length != uint32(len(f.Payload)) {
		return fmt.Errorf("malformed frame: 负载长度不匹配: 声明%d，实际%d", f.Length, len(f.Payload))
	}
	switch f.Type {
	case FrameTypePing, FrameTypePong, FrameTypeAuth, FrameTypeAuthOK, FrameTypeAuthErr:
		if f.ChannelID != 0 {
			return fmt.Errorf("malformed frame: %s帧的通道ID必须为0", f.Type)
		}
	case FrameTypeData, FrameTypeOpen, FrameTypeClose:
		if f.ChannelID == 0 {
			return fmt.Errorf("malformed frame: %s帧的通道ID不能为0", f.Type)
		}
	default:
		return fmt.Errorf("unknown frame type: %d", uint8(f.Type))
	}
	return nil
}

// String 返回帧的字符串表示
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type:%s, ChannelID:%d, Length:%d}", f.Type, f.ChannelID, f.Length)
}
