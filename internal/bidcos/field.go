package bidcos

import (
	"math"

	"github.com/stapelberg/hmcentral/internal/logging"
)

// Field addressing follows the device description convention: the
// integer part of index selects a byte, the first decimal selects the
// starting bit within it (9.4 is bit 4 of byte 9). Sizes below 1 are
// bit counts (0.3 is three bits), sizes with a fractional part carry
// that many extra high bits in the first byte (1.4 is twelve bits).
//
// Indexes 0 through 8 address the header positionally: message
// counter, flags, command, three source address bytes and three
// destination address bytes. Index 9 is the first payload byte.

// NoMask disables the additional per-byte mask of Field.
const NoMask int32 = -1

func splitTenths(f float64) (whole, tenths int) {
	whole = int(math.Floor(f))
	tenths = int(math.Round((f - float64(whole)) * 10))
	if tenths >= 10 {
		whole++
		tenths = 0
	}
	return whole, tenths
}

func (p *Packet) header() [headerLen]byte {
	src := p.Source.Bytes()
	dst := p.Dest.Bytes()
	return [headerLen]byte{
		p.Msgcnt, p.Flags, p.Cmd,
		src[0], src[1], src[2],
		dst[0], dst[1], dst[2],
	}
}

func (p *Packet) byteAt(i int) (byte, bool) {
	if i < 0 {
		return 0, false
	}
	if i < headerLen {
		return p.header()[i], true
	}
	if i-headerLen >= len(p.Payload) {
		return 0, false
	}
	return p.Payload[i-headerLen], true
}

func (p *Packet) setByte(i int, b byte) {
	switch {
	case i < 0:
		return
	case i == 0:
		p.Msgcnt = b
	case i == 1:
		p.Flags = b
	case i == 2:
		p.Cmd = b
	case i < 6:
		shift := uint(8 * (5 - i))
		p.Source = (p.Source &^ (0xff << shift)) | Address(b)<<shift
	case i < headerLen:
		shift := uint(8 * (8 - i))
		p.Dest = (p.Dest &^ (0xff << shift)) | Address(b)<<shift
	default:
		idx := i - headerLen
		for len(p.Payload) <= idx {
			p.Payload = append(p.Payload, 0)
		}
		p.Payload[idx] = b
	}
}

// Field returns size bytes (or bits) starting at index, see above.
// Unless mask is NoMask, each result byte is masked with the byte of
// mask at the same position counted from the least significant end.
// Out of range access yields a single zero byte.
func (p *Packet) Field(index, size float64, mask int32) []byte {
	if index < 0 || size < 0 {
		logging.L().Errorf("invalid field index %v / size %v", index, size)
		return []byte{0}
	}
	byteIdx, bit := splitTenths(index)
	nbytes, nbits := splitTenths(size)

	first, ok := p.byteAt(byteIdx)
	if !ok {
		logging.L().Debugf("field index %v out of range (payload %d bytes)", index, len(p.Payload))
		return []byte{0}
	}

	if bit > 0 || nbytes == 0 {
		width := 8*nbytes + nbits
		if width == 0 {
			logging.L().Errorf("zero width field at index %v", index)
			return []byte{0}
		}
		if bit+width > 8 {
			logging.L().Debugf("bit field %v/%v crosses byte boundary, truncating", index, size)
			width = 8 - bit
		}
		v := (first >> uint(bit)) & byte(1<<uint(width)-1)
		if mask != NoMask {
			v &= byte(mask)
		}
		return []byte{v}
	}

	n := nbytes
	if nbits > 0 {
		n++
	}
	result := make([]byte, n)
	for i := range result {
		b, _ := p.byteAt(byteIdx + i)
		result[i] = b
	}
	if nbits > 0 {
		result[0] &= byte(1<<uint(nbits) - 1)
	}
	if mask != NoMask {
		for i := range result {
			shift := uint(8 * (len(result) - 1 - i))
			if shift >= 32 {
				result[i] = 0
				continue
			}
			result[i] &= byte(uint32(mask) >> shift)
		}
	}
	return result
}

// SetField is the inverse of Field. value is right aligned, i.e. its
// last byte ends up in the last addressed byte. Writing beyond the
// payload grows it with zero bytes.
func (p *Packet) SetField(index, size float64, value []byte) {
	if index < 0 || size < 0 {
		logging.L().Errorf("invalid field index %v / size %v", index, size)
		return
	}
	byteIdx, bit := splitTenths(index)
	nbytes, nbits := splitTenths(size)

	if bit > 0 || nbytes == 0 {
		width := 8*nbytes + nbits
		if width == 0 {
			return
		}
		if bit+width > 8 {
			width = 8 - bit
		}
		var v byte
		if len(value) > 0 {
			v = value[len(value)-1]
		}
		m := byte(1<<uint(width) - 1)
		cur, _ := p.byteAt(byteIdx)
		p.setByte(byteIdx, cur&^(m<<uint(bit))|(v&m)<<uint(bit))
		return
	}

	n := nbytes
	if nbits > 0 {
		n++
	}
	buf := make([]byte, n)
	if len(value) >= n {
		copy(buf, value[len(value)-n:])
	} else {
		copy(buf[n-len(value):], value)
	}
	if nbits > 0 {
		m := byte(1<<uint(nbits) - 1)
		cur, _ := p.byteAt(byteIdx)
		buf[0] = cur&^m | buf[0]&m
	}
	for i, b := range buf {
		p.setByte(byteIdx+i, b)
	}
}
