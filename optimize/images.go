package optimize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/wudi/pdfbudget/filters"
	"github.com/wudi/pdfbudget/ir/raw"
)

// errNotEligible marks images the recompressor leaves alone without
// reporting a problem: masks, indexed or special colour spaces, codecs the
// standard library cannot decode, colour-key masked images.
var errNotEligible = errors.New("image not eligible")

// sourceImage is a decoded image XObject.
type sourceImage struct {
	img        image.Image
	width      int
	height     int
	components int
	bpc        int
	dct        bool
	// quality is the estimated JPEG quality of a DCT source, 0 otherwise.
	quality int
	// invert is set when /Decode maps samples in reverse.
	invert bool
}

// imageInfo reads the image dictionary entries the recompressor needs.
type imageInfo struct {
	width, height int
	bpc           int
	components    int
	imageMask     bool
	decode        *raw.ArrayObj
}

func readImageInfo(doc *raw.Document, st *raw.StreamObj) (imageInfo, error) {
	var info imageInfo
	d := st.Dict
	if raw.DictName(d, "Subtype") != "Image" {
		return info, errNotEligible
	}
	w, _ := raw.IntValue(doc.Resolve(lookup(d, "Width")))
	h, _ := raw.IntValue(doc.Resolve(lookup(d, "Height")))
	info.width, info.height = int(w), int(h)
	if err := filters.ValidateImageBounds(info.width, info.height); err != nil {
		return info, err
	}
	if b, ok := doc.Resolve(lookup(d, "ImageMask")).(raw.BoolObj); ok && b.V {
		info.imageMask = true
		return info, errNotEligible
	}
	// A colour-key /Mask matches exact sample values, which neither lossy
	// coding nor a change of colour space preserves.
	if _, ok := doc.Resolve(lookup(d, "Mask")).(*raw.ArrayObj); ok {
		return info, errNotEligible
	}
	bpc, ok := raw.IntValue(doc.Resolve(lookup(d, "BitsPerComponent")))
	if !ok {
		bpc = 8
	}
	info.bpc = int(bpc)
	info.components = colorComponents(doc, doc.Resolve(lookup(d, "ColorSpace")))
	if info.components == 0 {
		return info, errNotEligible
	}
	info.decode, _ = doc.Resolve(lookup(d, "Decode")).(*raw.ArrayObj)
	return info, nil
}

// colorComponents returns the number of components of a device-like colour
// space, or 0 for spaces that are not plain sample spaces.
func colorComponents(doc *raw.Document, cs raw.Object) int {
	switch v := cs.(type) {
	case raw.NameObj:
		switch v.Val {
		case "DeviceGray", "CalGray", "G":
			return 1
		case "DeviceRGB", "CalRGB", "RGB":
			return 3
		case "DeviceCMYK", "CMYK":
			return 4
		}
	case *raw.ArrayObj:
		if v.Len() == 0 {
			return 0
		}
		family, _ := raw.NameValue(v.Items[0])
		switch family {
		case "CalGray":
			return 1
		case "CalRGB":
			return 3
		case "ICCBased":
			if v.Len() < 2 {
				return 0
			}
			st, ok := doc.Resolve(v.Items[1]).(*raw.StreamObj)
			if !ok {
				return 0
			}
			n, _ := raw.IntValue(doc.Resolve(lookup(st.Dict, "N")))
			switch n {
			case 1, 3, 4:
				return int(n)
			}
		}
	}
	return 0
}

// decodeImage turns an image XObject into pixels. Only 8 bit samples and
// baseline JPEG payloads are decoded.
func decodeImage(ctx context.Context, pipe *filters.Pipeline, doc *raw.Document, st *raw.StreamObj) (*sourceImage, error) {
	info, err := readImageInfo(doc, st)
	if err != nil {
		return nil, err
	}
	names, params := filters.ExtractFilters(st.Dict)
	data, codec, _, err := pipe.DecodeToImage(ctx, st.Data, names, params)
	if err != nil {
		var unsupported filters.UnsupportedError
		if errors.As(err, &unsupported) {
			return nil, errNotEligible
		}
		return nil, fmt.Errorf("decode filters: %w", err)
	}

	src := &sourceImage{
		width:      info.width,
		height:     info.height,
		components: info.components,
		bpc:        info.bpc,
	}
	if info.decode != nil {
		inv, ok := decodeInverts(info.decode, info.components)
		if !ok {
			return nil, errNotEligible
		}
		src.invert = inv
	}

	switch codec {
	case "":
		if info.bpc != 8 {
			return nil, errNotEligible
		}
		src.img, err = samplesToImage(data, info.width, info.height, info.components)
		if err != nil {
			return nil, err
		}
	case "DCTDecode":
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode jpeg: %w", err)
		}
		b := img.Bounds()
		if b.Dx() != info.width || b.Dy() != info.height {
			return nil, fmt.Errorf("jpeg is %dx%d, dictionary says %dx%d", b.Dx(), b.Dy(), info.width, info.height)
		}
		if jpegComponents(img) != info.components {
			return nil, errNotEligible
		}
		src.img = img
		src.dct = true
		src.quality = EstimateJPEGQuality(data)
	default:
		return nil, errNotEligible
	}
	return src, nil
}

// decodeInverts reports whether a /Decode array is the identity (false) or
// the inversion (true) of every component. Other mappings are not handled.
func decodeInverts(decode *raw.ArrayObj, components int) (bool, bool) {
	if decode.Len() != 2*components {
		return false, false
	}
	identity, inverted := true, true
	for i := 0; i < components; i++ {
		lo, _ := decode.Items[2*i].(raw.NumberObj)
		hi, _ := decode.Items[2*i+1].(raw.NumberObj)
		if lo.Float() != 0 || hi.Float() != 1 {
			identity = false
		}
		if lo.Float() != 1 || hi.Float() != 0 {
			inverted = false
		}
	}
	switch {
	case identity:
		return false, true
	case inverted:
		return true, true
	}
	return false, false
}

func jpegComponents(img image.Image) int {
	switch img.(type) {
	case *image.Gray:
		return 1
	case *image.YCbCr:
		return 3
	case *image.CMYK:
		return 4
	}
	return 0
}

func samplesToImage(data []byte, width, height, components int) (image.Image, error) {
	need := width * height * components
	if len(data) < need {
		return nil, fmt.Errorf("image data has %d bytes, need %d", len(data), need)
	}
	rect := image.Rect(0, 0, width, height)
	switch components {
	case 1:
		return &image.Gray{Pix: data[:need], Stride: width, Rect: rect}, nil
	case 3:
		img := image.NewNRGBA(rect)
		for i, o := 0, 0; i < need; i, o = i+3, o+4 {
			img.Pix[o] = data[i]
			img.Pix[o+1] = data[i+1]
			img.Pix[o+2] = data[i+2]
			img.Pix[o+3] = 255
		}
		return img, nil
	case 4:
		img := image.NewCMYK(rect)
		copy(img.Pix, data[:need])
		return img, nil
	}
	return nil, errNotEligible
}

func lookup(d *raw.DictObj, key string) raw.Object {
	if d == nil {
		return raw.NullObj{}
	}
	if v, ok := d.Lookup(key); ok {
		return v
	}
	return raw.NullObj{}
}
