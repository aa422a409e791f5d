// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import "encoding/binary"

// AppendData serializa um frame Data ao final de dst e retorna o slice.
func AppendData(dst []byte, m Data) []byte {
	var flags byte
	if m.Reset {
		flags |= flagReset
	}
	dst = append(dst, TagData, m.Repeat, flags)
	dst = binary.LittleEndian.AppendUint16(dst, m.Begin)
	dst = binary.LittleEndian.AppendUint16(dst, m.Delta)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(m.Payload)))
	return append(dst, m.Payload...)
}

// AppendInit serializa um frame Init ao final de dst e retorna o slice.
func AppendInit(dst []byte, m Init) []byte {
	dst = append(dst, TagInit)
	dst = binary.LittleEndian.AppendUint32(dst, m.ReqID)
	dst = append(dst, m.Repeat)
	return appendParams(dst, m.Params)
}

// AppendInitAck serializa um frame InitAck ao final de dst e retorna o slice.
func AppendInitAck(dst []byte, m InitAck) []byte {
	dst = append(dst, TagInitAck)
	dst = binary.LittleEndian.AppendUint32(dst, m.ReqID)
	return appendParams(dst, m.Params)
}

// AppendAck serializa um frame Ack ao final de dst e retorna o slice.
func AppendAck(dst []byte, m Ack) []byte {
	dst = append(dst, TagAck)
	return binary.LittleEndian.AppendUint16(dst, m.Offset)
}

// AppendRepeatRequest serializa um frame RepeatRequest ao final de dst.
func AppendRepeatRequest(dst []byte, m RepeatRequest) []byte {
	dst = append(dst, TagRepeatRequest)
	return binary.LittleEndian.AppendUint16(dst, m.Offset)
}

// Encode serializa qualquer mensagem do safe stream num datagrama novo.
func Encode(m Message) []byte {
	switch v := m.(type) {
	case Data:
		return AppendData(nil, v)
	case Init:
		return AppendInit(nil, v)
	case InitAck:
		return AppendInitAck(nil, v)
	case Ack:
		return AppendAck(nil, v)
	case RepeatRequest:
		return AppendRepeatRequest(nil, v)
	default:
		return nil
	}
}

func appendParams(dst []byte, p StreamParams) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, p.Offset)
	dst = binary.LittleEndian.AppendUint16(dst, p.WindowSize)
	return binary.LittleEndian.AppendUint16(dst, p.MaxPayload)
}
