// Package security reads documents protected by the Standard security
// handler. Only decryption is supported: rewritten outputs are always
// emitted in the clear.
package security

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wudi/pdfbudget/ir/raw"
)

// ErrBadPassword is returned when neither the user nor the owner password
// matches.
var ErrBadPassword = errors.New("security: incorrect password")

type DataClass int

const (
	DataClassString DataClass = iota
	DataClassStream
)

// Handler decrypts strings and streams of an encrypted document.
type Handler interface {
	IsEncrypted() bool
	Authenticate(password string) error
	Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error)
	// DecryptWithFilter uses the named crypt filter from /CF instead of the
	// document default, for streams carrying their own /Crypt filter.
	DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error)
	EncryptMetadata() bool
}

type HandlerBuilder struct {
	encryptDict *raw.DictObj
	fileID      []byte
}

func (b *HandlerBuilder) WithEncryptDict(d *raw.DictObj) *HandlerBuilder { b.encryptDict = d; return b }

// WithTrailer takes the first /ID element of the trailer as the file id.
func (b *HandlerBuilder) WithTrailer(d *raw.DictObj) *HandlerBuilder {
	if len(b.fileID) > 0 || d == nil {
		return b
	}
	if v, ok := d.Lookup("ID"); ok {
		if arr, ok := v.(*raw.ArrayObj); ok && arr.Len() > 0 {
			if s, ok := arr.Items[0].(raw.StringObj); ok {
				b.fileID = s.Bytes
			}
		}
	}
	return b
}

func (b *HandlerBuilder) WithFileID(id []byte) *HandlerBuilder { b.fileID = id; return b }

func (b *HandlerBuilder) Build() (Handler, error) {
	d := b.encryptDict
	if d == nil {
		return noEncryptionHandler{}, nil
	}
	if f := raw.DictName(d, "Filter"); f != "" && f != "Standard" {
		return nil, fmt.Errorf("unsupported security handler %s", f)
	}
	v, _ := raw.DictInt(d, "V")
	if v == 0 {
		v = 1
	}
	if v == 3 || v > 5 {
		return nil, fmt.Errorf("encryption V=%d not supported", v)
	}
	r, ok := raw.DictInt(d, "R")
	if !ok {
		r = 2
	}
	if r < 2 || r > 6 {
		return nil, fmt.Errorf("encryption R=%d not supported", r)
	}
	keyBits := int64(40)
	if n, ok := raw.DictInt(d, "Length"); ok && n > 0 && r >= 3 {
		keyBits = n
	}
	if r >= 5 {
		keyBits = 256
	}
	if keyBits%8 != 0 || keyBits < 40 || keyBits > 256 {
		return nil, fmt.Errorf("invalid key length %d", keyBits)
	}
	p, _ := raw.DictInt(d, "P")
	encryptMeta := true
	if v, ok := d.Lookup("EncryptMetadata"); ok {
		if bv, ok := v.(raw.BoolObj); ok {
			encryptMeta = bv.V
		}
	}

	h := &standardHandler{
		v:           int(v),
		r:           int(r),
		keyLen:      int(keyBits / 8),
		o:           stringBytes(d, "O"),
		u:           stringBytes(d, "U"),
		oe:          stringBytes(d, "OE"),
		ue:          stringBytes(d, "UE"),
		p:           int32(p),
		fileID:      b.fileID,
		encryptMeta: encryptMeta,
	}
	base := algoRC4
	if v >= 4 {
		var err error
		if h.filters, err = parseCryptFilters(d); err != nil {
			return nil, err
		}
		if h.streamAlgo, err = h.resolveFilter(raw.DictName(d, "StmF")); err != nil {
			return nil, err
		}
		if h.stringAlgo, err = h.resolveFilter(raw.DictName(d, "StrF")); err != nil {
			return nil, err
		}
	} else {
		h.streamAlgo, h.stringAlgo = base, base
	}
	if r >= 5 && (len(h.o) < 48 || len(h.u) < 48 || len(h.oe) < 32 || len(h.ue) < 32) {
		return nil, errors.New("AES-256 encryption dictionary is incomplete")
	}
	if r < 5 && (len(h.o) < 32 || len(h.u) < 32) {
		return nil, errors.New("encryption dictionary /O or /U too short")
	}
	return h, nil
}

type cryptAlgo int

const (
	algoNone cryptAlgo = iota
	algoRC4
	algoAESV2
	algoAESV3
)

type standardHandler struct {
	v, r        int
	keyLen      int
	o, u        []byte
	oe, ue      []byte
	p           int32
	fileID      []byte
	encryptMeta bool

	filters    map[string]cryptAlgo
	streamAlgo cryptAlgo
	stringAlgo cryptAlgo

	key []byte
}

func (h *standardHandler) IsEncrypted() bool     { return true }
func (h *standardHandler) EncryptMetadata() bool { return h.encryptMeta }

// Authenticate tries password as the user password, then as the owner
// password, and derives the file key on success.
func (h *standardHandler) Authenticate(password string) error {
	pwd := []byte(password)
	if h.r >= 5 {
		if key, ok := h.aes256User(pwd); ok {
			h.key = key
			return nil
		}
		if key, ok := h.aes256Owner(pwd); ok {
			h.key = key
			return nil
		}
		return ErrBadPassword
	}
	if key, ok := h.checkUser(pwd); ok {
		h.key = key
		return nil
	}
	if key, ok := h.checkUser(h.userFromOwner(pwd)); ok {
		h.key = key
		return nil
	}
	return ErrBadPassword
}

func (h *standardHandler) Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	algo := h.stringAlgo
	if class == DataClassStream {
		algo = h.streamAlgo
	}
	return h.decrypt(algo, objNum, gen, data)
}

func (h *standardHandler) DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	algo, err := h.resolveFilter(cryptFilter)
	if err != nil {
		return nil, err
	}
	return h.decrypt(algo, objNum, gen, data)
}

func (h *standardHandler) decrypt(algo cryptAlgo, objNum, gen int, data []byte) ([]byte, error) {
	if h.key == nil {
		return nil, errors.New("security: handler not authenticated")
	}
	switch algo {
	case algoNone:
		return data, nil
	case algoRC4:
		return rc4Crypt(objectKey(h.key, objNum, gen, false), data)
	case algoAESV2:
		return aesDecrypt(objectKey(h.key, objNum, gen, true), data)
	case algoAESV3:
		return aesDecrypt(h.key, data)
	}
	return nil, fmt.Errorf("unknown crypt method %d", algo)
}

func (h *standardHandler) resolveFilter(name string) (cryptAlgo, error) {
	switch name {
	case "", "Identity":
		return algoNone, nil
	}
	if algo, ok := h.filters[name]; ok {
		return algo, nil
	}
	return algoNone, fmt.Errorf("crypt filter %s not defined", name)
}

// fileKey computes the RC4/AESV2 file key from a padded user password.
func (h *standardHandler) fileKey(pwd []byte) []byte {
	m := md5.New()
	m.Write(padPassword(pwd))
	m.Write(h.o[:32])
	var pBuf [4]byte
	binary.LittleEndian.PutUint32(pBuf[:], uint32(h.p))
	m.Write(pBuf[:])
	m.Write(h.fileID)
	if h.r >= 4 && !h.encryptMeta {
		m.Write([]byte{0xff, 0xff, 0xff, 0xff})
	}
	key := m.Sum(nil)
	n := h.keyLen
	if h.r == 2 {
		n = 5
	}
	if h.r >= 3 {
		for i := 0; i < 50; i++ {
			sum := md5.Sum(key[:n])
			key = sum[:]
		}
	}
	return key[:n]
}

// checkUser validates pwd against /U and returns the file key.
func (h *standardHandler) checkUser(pwd []byte) ([]byte, bool) {
	key := h.fileKey(pwd)
	if h.r == 2 {
		got, _ := rc4Crypt(key, passwordPadding)
		return key, bytes.Equal(got, h.u[:32])
	}
	m := md5.New()
	m.Write(passwordPadding)
	m.Write(h.fileID)
	got := m.Sum(nil)
	for i := 0; i < 20; i++ {
		got, _ = rc4Crypt(xorKey(key, byte(i)), got)
	}
	return key, bytes.Equal(got[:16], h.u[:16])
}

// userFromOwner recovers the padded user password by decrypting /O with a
// key derived from the owner password.
func (h *standardHandler) userFromOwner(owner []byte) []byte {
	sum := md5.Sum(padPassword(owner))
	key := sum[:]
	n := h.keyLen
	if h.r == 2 {
		n = 5
	}
	if h.r >= 3 {
		for i := 0; i < 50; i++ {
			sum = md5.Sum(key)
			key = sum[:]
		}
	}
	key = key[:n]
	user := append([]byte(nil), h.o[:32]...)
	if h.r == 2 {
		user, _ = rc4Crypt(key, user)
		return user
	}
	for i := 19; i >= 0; i-- {
		user, _ = rc4Crypt(xorKey(key, byte(i)), user)
	}
	return user
}

func (h *standardHandler) aes256User(pwd []byte) ([]byte, bool) {
	pwd = truncate127(pwd)
	if !bytes.Equal(h.hash(pwd, h.u[32:40], nil), h.u[:32]) {
		return nil, false
	}
	ik := h.hash(pwd, h.u[40:48], nil)
	key, err := aesCBCNoPad(ik, h.ue[:32])
	return key, err == nil
}

func (h *standardHandler) aes256Owner(pwd []byte) ([]byte, bool) {
	pwd = truncate127(pwd)
	u := h.u[:48]
	if !bytes.Equal(h.hash(pwd, h.o[32:40], u), h.o[:32]) {
		return nil, false
	}
	ik := h.hash(pwd, h.o[40:48], u)
	key, err := aesCBCNoPad(ik, h.oe[:32])
	return key, err == nil
}

func (h *standardHandler) hash(pwd, salt, udata []byte) []byte {
	if h.r == 5 {
		return sha256Sum(pwd, salt, udata)
	}
	return hardenedHash(pwd, salt, udata)
}

type noEncryptionHandler struct{}

func (noEncryptionHandler) IsEncrypted() bool                  { return false }
func (noEncryptionHandler) Authenticate(password string) error { return nil }
func (noEncryptionHandler) Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) EncryptMetadata() bool { return false }

// NoopHandler returns a handler for unencrypted documents.
func NoopHandler() Handler { return noEncryptionHandler{} }

func parseCryptFilters(d *raw.DictObj) (map[string]cryptAlgo, error) {
	out := make(map[string]cryptAlgo)
	cfObj, ok := d.Lookup("CF")
	if !ok {
		return out, nil
	}
	cf, ok := cfObj.(*raw.DictObj)
	if !ok {
		return nil, errors.New("CF must be a dictionary")
	}
	for name, obj := range cf.KV {
		entry, ok := obj.(*raw.DictObj)
		if !ok {
			return nil, errors.New("crypt filter entry must be a dictionary")
		}
		switch cfm := raw.DictName(entry, "CFM"); cfm {
		case "", "None":
			out[name] = algoNone
		case "V2":
			out[name] = algoRC4
		case "AESV2":
			out[name] = algoAESV2
		case "AESV3":
			out[name] = algoAESV3
		default:
			return nil, fmt.Errorf("unsupported crypt filter method %s", cfm)
		}
	}
	return out, nil
}

func stringBytes(d *raw.DictObj, key string) []byte {
	if v, ok := d.Lookup(key); ok {
		if s, ok := v.(raw.StringObj); ok {
			return s.Bytes
		}
	}
	return nil
}
