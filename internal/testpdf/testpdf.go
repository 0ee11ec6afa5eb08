// Package testpdf assembles small PDF files byte by byte for tests. Offsets
// in the cross-reference sections are computed from the emitted layout, so
// the files are valid unless a test corrupts them on purpose.
package testpdf

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"sort"
	"strings"
)

// Object is one indirect object. Body is everything between "obj" and
// "endobj".
type Object struct {
	Num  int
	Gen  int
	Body []byte
}

// File is an ordered list of objects plus trailer entries.
type File struct {
	Version string
	Objects []Object
	// Trailer holds extra trailer entries, e.g. "/Root 1 0 R".
	Trailer string
}

func New() *File { return &File{Version: "1.7"} }

// Add appends an object whose body is a direct object such as a dictionary.
func (f *File) Add(num int, body string) *File {
	f.Objects = append(f.Objects, Object{Num: num, Body: []byte(body)})
	return f
}

// AddStream appends a stream object. dict is the dictionary body without the
// enclosing brackets; /Length is appended.
func (f *File) AddStream(num int, dict string, data []byte) *File {
	var body bytes.Buffer
	fmt.Fprintf(&body, "<< %s /Length %d >>\nstream\n", strings.TrimSpace(dict), len(data))
	body.Write(data)
	body.WriteString("\nendstream")
	f.Objects = append(f.Objects, Object{Num: num, Body: body.Bytes()})
	return f
}

func (f *File) header(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "%%PDF-%s\n%%\xe2\xe3\xcf\xd3\n", f.Version)
}

func writeObject(buf *bytes.Buffer, o Object) {
	fmt.Fprintf(buf, "%d %d obj\n", o.Num, o.Gen)
	buf.Write(o.Body)
	buf.WriteString("\nendobj\n")
}

func (f *File) size() int {
	max := 0
	for _, o := range f.Objects {
		if o.Num > max {
			max = o.Num
		}
	}
	return max + 1
}

// Classic serializes the file with a classic xref table.
func (f *File) Classic() []byte {
	var buf bytes.Buffer
	f.header(&buf)
	offsets := make(map[int]int)
	gens := make(map[int]int)
	for _, o := range f.Objects {
		offsets[o.Num] = buf.Len()
		gens[o.Num] = o.Gen
		writeObject(&buf, o)
	}
	xrefOff := buf.Len()
	size := f.size()
	fmt.Fprintf(&buf, "xref\n0 %d\n", size)
	buf.WriteString("0000000000 65535 f \n")
	for i := 1; i < size; i++ {
		if off, ok := offsets[i]; ok {
			fmt.Fprintf(&buf, "%010d %05d n \n", off, gens[i])
		} else {
			buf.WriteString("0000000000 65535 f \n")
		}
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d %s >>\nstartxref\n%d\n%%%%EOF\n", size, f.Trailer, xrefOff)
	return buf.Bytes()
}

// XRefStream serializes the file with a Flate-compressed cross-reference
// stream. Objects listed in packed are stored in one object stream instead
// of at top level; stream objects cannot be packed.
func (f *File) XRefStream(packed ...int) []byte {
	inStm := make(map[int]bool, len(packed))
	for _, n := range packed {
		inStm[n] = true
	}
	var buf bytes.Buffer
	f.header(&buf)

	size := f.size()
	stmNum := size
	xrefNum := size + 1
	size += 2

	type loc struct{ typ, f2, f3 int }
	locs := make(map[int]loc)

	var members []Object
	for _, o := range f.Objects {
		if inStm[o.Num] {
			members = append(members, o)
			continue
		}
		locs[o.Num] = loc{1, buf.Len(), o.Gen}
		writeObject(&buf, o)
	}
	if len(members) > 0 {
		var head, body bytes.Buffer
		for i, m := range members {
			fmt.Fprintf(&head, "%d %d ", m.Num, body.Len())
			body.Write(m.Body)
			body.WriteByte('\n')
			locs[m.Num] = loc{2, stmNum, i}
		}
		payload := append(head.Bytes(), body.Bytes()...)
		locs[stmNum] = loc{1, buf.Len(), 0}
		dict := fmt.Sprintf("/Type /ObjStm /N %d /First %d /Filter /FlateDecode", len(members), head.Len())
		var obj File
		obj.AddStream(stmNum, dict, Deflate(payload))
		writeObject(&buf, obj.Objects[0])
	}

	xrefOff := buf.Len()
	locs[xrefNum] = loc{1, xrefOff, 0}
	rows := make([]byte, 0, size*6)
	for i := 0; i < size; i++ {
		l, ok := locs[i]
		if !ok {
			rows = append(rows, 0, 0, 0, 0, 0, 0xff)
			continue
		}
		rows = append(rows, byte(l.typ), byte(l.f2>>24), byte(l.f2>>16), byte(l.f2>>8), byte(l.f2), byte(l.f3))
	}
	var x File
	x.AddStream(xrefNum, fmt.Sprintf("/Type /XRef /Size %d /W [1 4 1] /Filter /FlateDecode %s", size, f.Trailer), Deflate(rows))
	writeObject(&buf, x.Objects[0])
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", xrefOff)
	return buf.Bytes()
}

// AppendUpdate appends an incremental update with a classic xref section
// chained to the previous one through /Prev.
func AppendUpdate(base []byte, objs []Object, trailer string) []byte {
	prev := lastStartXRef(base)
	buf := bytes.NewBuffer(append([]byte(nil), base...))
	if !bytes.HasSuffix(base, []byte("\n")) {
		buf.WriteByte('\n')
	}
	offsets := make(map[int]int)
	gens := make(map[int]int)
	size := 0
	for _, o := range objs {
		offsets[o.Num] = buf.Len()
		gens[o.Num] = o.Gen
		writeObject(buf, o)
		if o.Num+1 > size {
			size = o.Num + 1
		}
	}
	nums := make([]int, 0, len(offsets))
	for n := range offsets {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	xrefOff := buf.Len()
	buf.WriteString("xref\n0 1\n0000000000 65535 f \n")
	for _, n := range nums {
		fmt.Fprintf(buf, "%d 1\n%010d %05d n \n", n, offsets[n], gens[n])
	}
	if s := sizeFrom(base); s > size {
		size = s
	}
	fmt.Fprintf(buf, "trailer\n<< /Size %d /Prev %d %s >>\nstartxref\n%d\n%%%%EOF\n", size, prev, trailer, xrefOff)
	return buf.Bytes()
}

func lastStartXRef(data []byte) int {
	i := bytes.LastIndex(data, []byte("startxref"))
	if i < 0 {
		return 0
	}
	var off int
	fmt.Sscan(string(data[i+len("startxref"):]), &off)
	return off
}

func sizeFrom(data []byte) int {
	i := bytes.LastIndex(data, []byte("/Size "))
	if i < 0 {
		return 0
	}
	var n int
	fmt.Sscan(string(data[i+len("/Size "):]), &n)
	return n
}

// Deflate zlib-compresses data.
func Deflate(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}
