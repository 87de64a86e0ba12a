package core

// Number formatting without fmt or strconv, which are too heavy for the
// firmware image. The append forms let status reports build into one buffer.

// appendUint appends the decimal form of n to buf.
func appendUint(buf []byte, n uint32) []byte {
	var tmp [10]byte
	i := len(tmp)
	for {
		i--
		tmp[i] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			break
		}
	}
	return append(buf, tmp[i:]...)
}

// appendInt appends the decimal form of a signed value.
func appendInt(buf []byte, n int32) []byte {
	if n < 0 {
		buf = append(buf, '-')
		return appendUint(buf, uint32(-int64(n)))
	}
	return appendUint(buf, uint32(n))
}

// appendFixed appends v with the given number of decimals, rounding half up.
func appendFixed(buf []byte, v float32, decimals int) []byte {
	if v < 0 {
		buf = append(buf, '-')
		v = -v
	}
	scale := uint32(1)
	for i := 0; i < decimals; i++ {
		scale *= 10
	}
	scaled := uint64(float64(v)*float64(scale) + 0.5)
	whole := uint32(scaled / uint64(scale))
	frac := uint32(scaled % uint64(scale))
	buf = appendUint(buf, whole)
	if decimals == 0 {
		return buf
	}
	buf = append(buf, '.')
	for div := scale / 10; div > 0; div /= 10 {
		buf = append(buf, byte('0'+(frac/div)%10))
	}
	return buf
}

func itoa(n int) string {
	return string(appendInt(nil, int32(n)))
}

func utoa(n uint32) string {
	return string(appendUint(nil, n))
}

// valueToString converts a dictionary constant to its string form
func valueToString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return itoa(val)
	case int32:
		return itoa(int(val))
	case uint8:
		return utoa(uint32(val))
	case uint16:
		return utoa(uint32(val))
	case uint32:
		return utoa(val)
	case float32:
		return string(appendFixed(nil, val, 3))
	default:
		return ""
	}
}
