package optimize

import "math"

// stdLuminance is the example luminance quantisation table of ITU T.81
// Annex K. Encoders derive their tables from it by scaling with quality.
var stdLuminance = [64]int{
	16, 11, 10, 16, 24, 40, 51, 61,
	12, 12, 14, 19, 26, 58, 60, 55,
	14, 13, 16, 24, 40, 57, 69, 56,
	14, 17, 22, 29, 51, 87, 80, 62,
	18, 22, 37, 56, 68, 109, 103, 77,
	24, 35, 55, 64, 81, 104, 113, 92,
	49, 64, 78, 87, 103, 121, 120, 101,
	72, 92, 95, 98, 112, 100, 103, 99,
}

var stdLuminanceSum = func() int {
	s := 0
	for _, v := range stdLuminance {
		s += v
	}
	return s
}()

// EstimateJPEGQuality infers the IJG quality setting from the first
// quantisation table of a JPEG stream. It returns 0 when the stream carries
// no usable table.
func EstimateJPEGQuality(data []byte) int {
	table, ok := firstQuantTable(data)
	if !ok {
		return 0
	}
	sum := 0
	for _, v := range table {
		sum += v
	}
	scale := 100 * float64(sum) / float64(stdLuminanceSum)
	var q float64
	if scale <= 100 {
		q = (200 - scale) / 2
	} else {
		q = 5000 / scale
	}
	quality := int(math.Round(q))
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	return quality
}

// firstQuantTable walks JPEG markers up to the first DQT segment and returns
// table 0. Order within the table does not matter to the caller.
func firstQuantTable(data []byte) ([64]int, bool) {
	var table [64]int
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return table, false
	}
	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return table, false
		}
		marker := data[i+1]
		if marker == 0xFF {
			i++
			continue
		}
		if marker == 0xD9 || marker == 0xDA {
			return table, false
		}
		length := int(data[i+2])<<8 | int(data[i+3])
		if length < 2 || i+2+length > len(data) {
			return table, false
		}
		seg := data[i+4 : i+2+length]
		if marker == 0xDB {
			for len(seg) > 0 {
				precision, id := seg[0]>>4, seg[0]&0x0F
				size := 64
				if precision == 1 {
					size = 128
				}
				if len(seg) < 1+size {
					return table, false
				}
				if id == 0 {
					for k := 0; k < 64; k++ {
						if precision == 1 {
							table[k] = int(seg[1+2*k])<<8 | int(seg[2+2*k])
						} else {
							table[k] = int(seg[1+k])
						}
					}
					return table, true
				}
				seg = seg[1+size:]
			}
		}
		i += 2 + length
	}
	return table, false
}
