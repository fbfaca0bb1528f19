package rc

import (
	"encoding/binary"
	"fmt"
)

// amShortHdrSize is the user header carried in front of short payloads.
const amShortHdrSize = 8

// AMShort sends an inline active message. The receiver's handler gets the
// 8-byte header followed by payload; SplitAMShort separates them.
func (ep *Endpoint) AMShort(id uint8, header uint64, payload []byte) error {
	i := ep.iface

	if err := i.checkUsable(); err != nil {
		return err
	}

	if int(id) >= AMIDMax {
		return fmt.Errorf("%w: am id %d out of range", ErrInvalidArgument, id)
	}

	if amShortHdrSize+len(payload) > i.attr.AM.MaxShort {
		return fmt.Errorf("%w: %d bytes exceed am short limit %d",
			ErrInvalidArgument, amShortHdrSize+len(payload), i.attr.AM.MaxShort)
	}

	if err := ep.checkResources(); err != nil {
		return err
	}

	i.amShortHdr[0] = id
	binary.LittleEndian.PutUint64(i.amShortHdr[rcHdrSize:], header)
	i.inlAMSGE[0].Buf = i.amShortHdr[:]
	i.inlAMSGE[1].Buf = payload

	wr := i.inlAMWR
	err := ep.postSend(&wr, nil, "am_short")
	i.inlAMSGE[1].Buf = nil

	return err
}

// SplitAMShort separates the header and payload of a short active message.
func SplitAMShort(data []byte) (uint64, []byte, error) {
	if len(data) < amShortHdrSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrShortReceive, len(data))
	}

	return binary.LittleEndian.Uint64(data), data[amShortHdrSize:], nil
}

// PutShort writes payload inline to remoteAddr.
func (ep *Endpoint) PutShort(payload []byte, remoteAddr uint64, rkey uint32) error {
	i := ep.iface

	if err := i.checkUsable(); err != nil {
		return err
	}

	if len(payload) > i.attr.Put.MaxShort {
		return fmt.Errorf("%w: %d bytes exceed put short limit %d",
			ErrInvalidArgument, len(payload), i.attr.Put.MaxShort)
	}

	if err := ep.checkResources(); err != nil {
		return err
	}

	i.inlRWriteSGE[0].Buf = payload

	wr := i.inlRWriteWR
	wr.RemoteAddr = remoteAddr
	wr.RKey = rkey

	err := ep.postSend(&wr, nil, "put_short")
	i.inlRWriteSGE[0].Buf = nil

	return err
}
