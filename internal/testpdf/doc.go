package testpdf

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand"
	"strings"
)

// Doc builds a catalog with a flat page tree. Object 1 is the catalog and
// object 2 the page tree root.
type Doc struct {
	file  *File
	next  int
	pages []int
	seed  int64
}

func NewDoc() *Doc {
	return &Doc{file: New(), next: 3, seed: 1}
}

func (d *Doc) alloc() int {
	n := d.next
	d.next++
	return n
}

// AddObject stores an arbitrary direct object and returns its number.
func (d *Doc) AddObject(body string) int {
	n := d.alloc()
	d.file.Add(n, body)
	return n
}

// AddStream stores a stream and returns its number.
func (d *Doc) AddStream(dict string, data []byte) int {
	n := d.alloc()
	d.file.AddStream(n, dict, data)
	return n
}

// AddBlob stores an opaque DCT-labelled image whose payload is exactly size
// random bytes. It is never decodable and exists to occupy space.
func (d *Doc) AddBlob(size int) int {
	data := make([]byte, size)
	rand.New(rand.NewSource(d.nextSeed())).Read(data)
	return d.AddStream("/Type /XObject /Subtype /Image /Width 100 /Height 100 /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode", data)
}

// AddJPEG stores a real baseline JPEG of a noisy gradient.
func (d *Doc) AddJPEG(w, h, quality int, gray bool) int {
	data := JPEG(w, h, quality, gray, d.nextSeed())
	cs := "/DeviceRGB"
	if gray {
		cs = "/DeviceGray"
	}
	return d.AddStream(fmt.Sprintf("/Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace %s /BitsPerComponent 8 /Filter /DCTDecode", w, h, cs), data)
}

// AddFlateImage stores an 8 bpc RGB image as Flate-compressed samples.
func (d *Doc) AddFlateImage(w, h int) int {
	img := Noise(w, h, false, d.nextSeed()).(*image.RGBA)
	samples := make([]byte, 0, w*h*3)
	for i := 0; i < len(img.Pix); i += 4 {
		samples = append(samples, img.Pix[i], img.Pix[i+1], img.Pix[i+2])
	}
	return d.AddStream(fmt.Sprintf("/Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /FlateDecode", w, h), Deflate(samples))
}

// AddPage creates a page drawing each image in order and returns the page
// object number.
func (d *Doc) AddPage(images ...int) int {
	var content, xobjs strings.Builder
	content.WriteString("0.5 g 72 72 468 648 re f\n")
	for i, img := range images {
		fmt.Fprintf(&content, "q 200 0 0 200 72 %d cm /Im%d Do Q\n", 72+i*10, i)
		fmt.Fprintf(&xobjs, "/Im%d %d 0 R ", i, img)
	}
	contentNum := d.AddStream("", []byte(content.String()))
	res := "/ProcSet [/PDF /Text /ImageC]"
	if xobjs.Len() > 0 {
		res += " /XObject << " + xobjs.String() + ">>"
	}
	n := d.alloc()
	d.file.Add(n, fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << %s >> /Contents %d 0 R >>", res, contentNum))
	d.pages = append(d.pages, n)
	return n
}

// File finalises the catalog and page tree.
func (d *Doc) File() *File {
	kids := make([]string, len(d.pages))
	for i, p := range d.pages {
		kids[i] = fmt.Sprintf("%d 0 R", p)
	}
	f := &File{Version: d.file.Version, Trailer: "/Root 1 0 R"}
	f.Add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	f.Add(2, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(d.pages)))
	f.Objects = append(f.Objects, d.file.Objects...)
	return f
}

// Bytes serializes with a classic xref table.
func (d *Doc) Bytes() []byte { return d.File().Classic() }

func (d *Doc) nextSeed() int64 {
	d.seed++
	return d.seed
}

// Noise renders a gradient with per-pixel noise so that JPEG has real work
// to do at every quality.
func Noise(w, h int, gray bool, seed int64) image.Image {
	rng := rand.New(rand.NewSource(seed))
	if gray {
		img := image.NewGray(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := (x*255)/max(w, 1) + rng.Intn(64) - 32
				img.SetGray(x, y, color.Gray{Y: clamp(v)})
			}
		}
		return img
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: clamp((x*255)/max(w, 1) + rng.Intn(64) - 32),
				G: clamp((y*255)/max(h, 1) + rng.Intn(64) - 32),
				B: clamp(128 + rng.Intn(64) - 32),
				A: 255,
			})
		}
	}
	return img
}

// JPEG encodes Noise at the given quality.
func JPEG(w, h, quality int, gray bool, seed int64) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Noise(w, h, gray, seed), &jpeg.Options{Quality: quality}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func clamp(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
