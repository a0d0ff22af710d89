package reader

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// repairUTF8 passes valid UTF-8 through and decodes every invalid byte as
// Windows-1252, so legacy exports with stray accented bytes stay readable.
type repairUTF8 struct{ transform.NopResetter }

func (repairUTF8) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		r, size := utf8.DecodeRune(src[nSrc:])
		if r == utf8.RuneError && size <= 1 {
			if !atEOF && !utf8.FullRune(src[nSrc:]) {
				return nDst, nSrc, transform.ErrShortSrc
			}
			r = charmap.Windows1252.DecodeByte(src[nSrc])
			if nDst+utf8.RuneLen(r) > len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			nDst += utf8.EncodeRune(dst[nDst:], r)
			nSrc++
			continue
		}
		if nDst+size > len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		nDst += copy(dst[nDst:], src[nSrc:nSrc+size])
		nSrc += size
	}
	return nDst, nSrc, nil
}

// validUTF8 streams path and reports whether every byte sequence is valid
// UTF-8. An incomplete rune at a chunk boundary is carried into the next read.
func validUTF8(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, 64<<10)
	var tail []byte
	for {
		n, err := f.Read(buf)
		data := append(tail, buf[:n]...)
		cut := len(data)
		for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
			if utf8.RuneStart(data[i]) {
				if !utf8.FullRune(data[i:]) {
					cut = i
				}
				break
			}
		}
		if !utf8.Valid(data[:cut]) {
			return false, nil
		}
		tail = append([]byte(nil), data[cut:]...)
		if err == io.EOF {
			return len(tail) == 0, nil
		}
		if err != nil {
			return false, err
		}
	}
}

// writeRepairedCopy writes a UTF-8 clean copy of src into dir and returns its
// path. The copy keeps src's extension.
func writeRepairedCopy(src, dir string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dst := filepath.Join(dir, "chartloom-repaired-"+uuid.NewString()+filepath.Ext(src))
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create repaired copy: %w", err)
	}
	if _, err := io.Copy(out, transform.NewReader(in, repairUTF8{})); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("repair encoding: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("close repaired copy: %w", err)
	}
	return dst, nil
}
