// Package conv formats integers into caller-supplied buffers without fmt,
// for console output on the device. Each function writes right-aligned
// into buf and returns the used tail; buf of 24 bytes fits any int64.
package conv

// Utoa writes n in base 10.
func Utoa(buf []byte, n uint64) []byte {
	i := len(buf)
	if i == 0 {
		return buf
	}
	if n == 0 {
		i--
		buf[i] = '0'
		return buf[i:]
	}
	for n > 0 && i > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return buf[i:]
}

// Itoa writes n in base 10 with a leading '-' when negative.
func Itoa(buf []byte, n int64) []byte {
	if n >= 0 {
		return Utoa(buf, uint64(n))
	}
	d := Utoa(buf, uint64(-n))
	i := len(buf) - len(d)
	if i == 0 {
		return d
	}
	buf[i-1] = '-'
	return buf[i-1:]
}

// Fixed writes v scaled by 10^-decimals, e.g. Fixed(buf, -3701, 3) is "-3.701".
func Fixed(buf []byte, v int64, decimals int) []byte {
	if decimals <= 0 {
		return Itoa(buf, v)
	}
	if len(buf) < decimals+3 {
		return buf[:0]
	}
	neg := v < 0
	u := uint64(v)
	if neg {
		u = uint64(-v)
	}
	i := len(buf)
	for j := 0; j < decimals; j++ {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	i--
	buf[i] = '.'
	head := Utoa(buf[:i], u)
	i -= len(head)
	if neg && i > 0 {
		i--
		buf[i] = '-'
	}
	return buf[i:]
}

// U32Hex writes n as 8 upper-case hex digits.
func U32Hex(buf []byte, n uint32) []byte {
	if len(buf) < 8 {
		return buf[:0]
	}
	const digits = "0123456789ABCDEF"
	i := len(buf)
	for j := 0; j < 8; j++ {
		i--
		buf[i] = digits[n&0xF]
		n >>= 4
	}
	return buf[i:]
}
