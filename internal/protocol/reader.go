// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
)

// decoder é um cursor de leitura sobre um datagrama.
type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) remaining() int { return len(d.data) - d.pos }

func (d *decoder) byte() (byte, error) {
	if d.remaining() < 1 {
		return 0, ErrTruncatedFrame
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) uint16() (uint16, error) {
	if d.remaining() < 2 {
		return 0, ErrTruncatedFrame
	}
	v := binary.LittleEndian.Uint16(d.data[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *decoder) uint32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, ErrTruncatedFrame
	}
	v := binary.LittleEndian.Uint32(d.data[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, ErrTruncatedFrame
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// Decode decodifica a primeira mensagem de data e retorna quantos bytes
// foram consumidos.
func Decode(data []byte) (Message, int, error) {
	d := &decoder{data: data}
	m, err := readMessage(d)
	if err != nil {
		return nil, 0, err
	}
	return m, d.pos, nil
}

// DecodeAll decodifica todas as mensagens de um datagrama. Um datagrama pode
// carregar mais de um frame (ex: Init cumulativo seguido do primeiro Data).
func DecodeAll(data []byte) ([]Message, error) {
	d := &decoder{data: data}
	var msgs []Message
	for d.remaining() > 0 {
		m, err := readMessage(d)
		if err != nil {
			return nil, fmt.Errorf("decoding frame %d: %w", len(msgs), err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func readMessage(d *decoder) (Message, error) {
	tag, err := d.byte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagData:
		return readData(d)
	case TagInit:
		return readInit(d)
	case TagInitAck:
		return readInitAck(d)
	case TagAck:
		offset, err := d.uint16()
		if err != nil {
			return nil, fmt.Errorf("reading ack offset: %w", err)
		}
		return Ack{Offset: offset}, nil
	case TagRepeatRequest:
		offset, err := d.uint16()
		if err != nil {
			return nil, fmt.Errorf("reading repeat request offset: %w", err)
		}
		return RepeatRequest{Offset: offset}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, tag)
	}
}

func readData(d *decoder) (Message, error) {
	repeat, err := d.byte()
	if err != nil {
		return nil, fmt.Errorf("reading data repeat: %w", err)
	}
	flags, err := d.byte()
	if err != nil {
		return nil, fmt.Errorf("reading data flags: %w", err)
	}
	if flags&^flagReset != 0 {
		return nil, ErrReservedFlags
	}
	begin, err := d.uint16()
	if err != nil {
		return nil, fmt.Errorf("reading data begin: %w", err)
	}
	delta, err := d.uint16()
	if err != nil {
		return nil, fmt.Errorf("reading data delta: %w", err)
	}
	length, err := d.uint16()
	if err != nil {
		return nil, fmt.Errorf("reading data length: %w", err)
	}
	payload, err := d.bytes(int(length))
	if err != nil {
		return nil, fmt.Errorf("reading data payload: %w", err)
	}
	return Data{
		Repeat:  repeat,
		Reset:   flags&flagReset != 0,
		Begin:   begin,
		Delta:   delta,
		Payload: payload,
	}, nil
}

func readInit(d *decoder) (Message, error) {
	reqID, err := d.uint32()
	if err != nil {
		return nil, fmt.Errorf("reading init req id: %w", err)
	}
	repeat, err := d.byte()
	if err != nil {
		return nil, fmt.Errorf("reading init repeat: %w", err)
	}
	params, err := readParams(d)
	if err != nil {
		return nil, fmt.Errorf("reading init params: %w", err)
	}
	return Init{ReqID: reqID, Repeat: repeat, Params: params}, nil
}

func readInitAck(d *decoder) (Message, error) {
	reqID, err := d.uint32()
	if err != nil {
		return nil, fmt.Errorf("reading init ack req id: %w", err)
	}
	params, err := readParams(d)
	if err != nil {
		return nil, fmt.Errorf("reading init ack params: %w", err)
	}
	return InitAck{ReqID: reqID, Params: params}, nil
}

func readParams(d *decoder) (StreamParams, error) {
	offset, err := d.uint16()
	if err != nil {
		return StreamParams{}, err
	}
	window, err := d.uint16()
	if err != nil {
		return StreamParams{}, err
	}
	maxPayload, err := d.uint16()
	if err != nil {
		return StreamParams{}, err
	}
	return StreamParams{Offset: offset, WindowSize: window, MaxPayload: maxPayload}, nil
}
