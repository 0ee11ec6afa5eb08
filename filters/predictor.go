package filters

import (
	"errors"

	"github.com/wudi/pdfbudget/ir/raw"
)

func paramInt(params raw.Dictionary, key string) (int64, bool) {
	if params == nil {
		return 0, false
	}
	v, ok := params.Get(raw.NameLiteral(key))
	if !ok {
		return 0, false
	}
	return raw.IntValue(v)
}

// applyPredictor reverses the TIFF (2) or PNG (10-15) predictors described by
// DecodeParms.
func applyPredictor(data []byte, params raw.Dictionary) ([]byte, error) {
	predictor, _ := paramInt(params, "Predictor")
	if predictor <= 1 {
		return data, nil
	}
	colors := int64(1)
	if v, ok := paramInt(params, "Colors"); ok && v > 0 {
		colors = v
	}
	bpc := int64(8)
	if v, ok := paramInt(params, "BitsPerComponent"); ok && v > 0 {
		bpc = v
	}
	columns := int64(1)
	if v, ok := paramInt(params, "Columns"); ok && v > 0 {
		columns = v
	}
	if colors > 32 || bpc > 16 || columns > 1<<20 {
		return nil, errors.New("predictor parameters out of range")
	}
	bpp := int((colors*bpc + 7) / 8)
	rowLen := int((colors*bpc*columns + 7) / 8)
	if predictor == 2 {
		return tiffPredictor(data, rowLen, bpp, bpc), nil
	}
	if predictor >= 10 {
		return pngPredictor(data, rowLen, bpp)
	}
	return nil, errors.New("unsupported predictor")
}

func tiffPredictor(data []byte, rowLen, bpp int, bpc int64) []byte {
	if bpc != 8 {
		return data
	}
	out := append([]byte(nil), data...)
	for row := 0; row+rowLen <= len(out); row += rowLen {
		for i := bpp; i < rowLen; i++ {
			out[row+i] += out[row+i-bpp]
		}
	}
	return out
}

func pngPredictor(data []byte, rowLen, bpp int) ([]byte, error) {
	stride := rowLen + 1
	rows := len(data) / stride
	out := make([]byte, 0, rows*rowLen)
	prev := make([]byte, rowLen)
	cur := make([]byte, rowLen)
	for r := 0; r < rows; r++ {
		line := data[r*stride : (r+1)*stride]
		ft := line[0]
		copy(cur, line[1:])
		for i := 0; i < rowLen; i++ {
			var left, up, upLeft byte
			if i >= bpp {
				left = cur[i-bpp]
				upLeft = prev[i-bpp]
			}
			up = prev[i]
			switch ft {
			case 0:
			case 1:
				cur[i] += left
			case 2:
				cur[i] += up
			case 3:
				cur[i] += byte((int(left) + int(up)) / 2)
			case 4:
				cur[i] += paeth(left, up, upLeft)
			default:
				return nil, errors.New("invalid png predictor filter type")
			}
		}
		out = append(out, cur...)
		prev, cur = cur, prev
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa := abs(p - int(a))
	pb := abs(p - int(b))
	pc := abs(p - int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
