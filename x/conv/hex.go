package conv

const hexd = "0123456789abcdef"

// AppendHexByte appends the two lowercase hex digits of b.
func AppendHexByte(dst []byte, b byte) []byte {
	return append(dst, hexd[b>>4], hexd[b&0xF])
}

// AppendHex appends src as space separated hex pairs ("07 15 00").
func AppendHex(dst, src []byte) []byte {
	for i, b := range src {
		if i > 0 {
			dst = append(dst, ' ')
		}
		dst = AppendHexByte(dst, b)
	}
	return dst
}

// U8Hex writes "0x" followed by two hex digits into buf.
func U8Hex(buf []byte, n uint8) []byte {
	if len(buf) < 4 {
		return buf[:0]
	}
	buf[0], buf[1] = '0', 'x'
	buf[2], buf[3] = hexd[n>>4], hexd[n&0xF]
	return buf[:4]
}
