/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package outofline

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"github.com/launix-de/cellvm/asm"
	"github.com/launix-de/cellvm/bootrecord"
	"github.com/launix-de/cellvm/localmem"
)

type symbol struct {
	addr uint32
	name string
}

// Image is the generated runtime: code based at Origin plus the entrypoint
// table that goes into every unit's boot record.
type Image struct {
	ID          uuid.UUID
	Origin      uint32
	Code        []byte
	Entrypoints [bootrecord.NumEntrypoints]uint32
	symbols     *btree.BTreeG[symbol]
}

func (img *Image) addSymbol(name string, addr uint32) {
	if img.symbols == nil {
		img.symbols = btree.NewG[symbol](8, func(a, b symbol) bool {
			if a.addr != b.addr {
				return a.addr < b.addr
			}
			return a.name < b.name
		})
	}
	img.symbols.ReplaceOrInsert(symbol{addr, name})
}

// Symbolize returns the nearest symbol at or below addr.
func (img *Image) Symbolize(addr uint32) (name string, offset uint32, ok bool) {
	if img.symbols == nil {
		return "", 0, false
	}
	img.symbols.DescendLessOrEqual(symbol{addr, "\xff"}, func(s symbol) bool {
		name, offset, ok = s.name, addr-s.addr, true
		return false
	})
	return
}

// End is the first address behind the image.
func (img *Image) End() uint32 {
	return img.Origin + uint32(len(img.Code))
}

// Entry returns the address of entrypoint e.
func (img *Image) Entry(e int) uint32 {
	return img.Entrypoints[e]
}

// Apply copies the entrypoints and the image id into a boot record.
func (img *Image) Apply(r *bootrecord.Record) {
	r.Entrypoints = img.Entrypoints
	r.ImageID = img.ID
}

// Install copies the code into a unit's local store.
func (img *Image) Install(ls *localmem.Store) error {
	dst, err := ls.Slice(img.Origin, uint32(len(img.Code)))
	if err != nil {
		return err
	}
	copy(dst, img.Code)
	return nil
}

// Listing writes a disassembly with symbol labels.
func (img *Image) Listing(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i := 0; i+4 <= len(img.Code); i += 4 {
		pc := img.Origin + uint32(i)
		if name, off, ok := img.Symbolize(pc); ok && off == 0 {
			fmt.Fprintf(bw, "%s:\n", name)
		}
		word := binary.BigEndian.Uint32(img.Code[i:])
		fmt.Fprintf(bw, "  %05x:  %08x  %s\n", pc, word, asm.Disassemble(word, pc))
	}
	return bw.Flush()
}

// Compression of a boot image file.
type Compression uint8

const (
	CompressNone Compression = iota
	CompressLZ4
	CompressXZ
)

// CompressionFor picks the compression by file suffix.
func CompressionFor(path string) Compression {
	switch {
	case strings.HasSuffix(path, ".lz4"):
		return CompressLZ4
	case strings.HasSuffix(path, ".xz"):
		return CompressXZ
	}
	return CompressNone
}

var imageMagic = [4]byte{'C', 'V', 'M', 'I'}

const imageVersion = 1

var ErrBadImage = errors.New("outofline: not a boot image")

/*
boot image file:

	[0..4]  magic "CVMI"
	[4]     version
	[5]     compression
	payload (compressed as announced):
	        uuid[16] origin[4] entrypoint count[4] entrypoints[4*n]
	        symbol count[4] { addr[4] len[2] name }
	        code length[4] code
*/

// WriteImage serializes img with the given compression.
func WriteImage(w io.Writer, img *Image, c Compression) error {
	if _, err := w.Write(append(imageMagic[:], imageVersion, byte(c))); err != nil {
		return err
	}
	var payload bytes.Buffer
	payload.Write(img.ID[:])
	be := binary.BigEndian
	binary.Write(&payload, be, img.Origin)
	binary.Write(&payload, be, uint32(len(img.Entrypoints)))
	binary.Write(&payload, be, img.Entrypoints[:])
	var syms []symbol
	if img.symbols != nil {
		img.symbols.Ascend(func(s symbol) bool {
			syms = append(syms, s)
			return true
		})
	}
	binary.Write(&payload, be, uint32(len(syms)))
	for _, s := range syms {
		binary.Write(&payload, be, s.addr)
		binary.Write(&payload, be, uint16(len(s.name)))
		payload.WriteString(s.name)
	}
	binary.Write(&payload, be, uint32(len(img.Code)))
	payload.Write(img.Code)

	switch c {
	case CompressNone:
		_, err := w.Write(payload.Bytes())
		return err
	case CompressLZ4:
		zw := lz4.NewWriter(w)
		if _, err := zw.Write(payload.Bytes()); err != nil {
			return err
		}
		return zw.Close()
	case CompressXZ:
		zw, err := xz.NewWriter(w)
		if err != nil {
			return err
		}
		if _, err := zw.Write(payload.Bytes()); err != nil {
			return err
		}
		return zw.Close()
	}
	return fmt.Errorf("outofline: unknown compression %d", c)
}

// ReadImage parses a file written by WriteImage.
func ReadImage(r io.Reader) (*Image, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if !bytes.Equal(hdr[:4], imageMagic[:]) || hdr[4] != imageVersion {
		return nil, ErrBadImage
	}
	var src io.Reader
	switch Compression(hdr[5]) {
	case CompressNone:
		src = r
	case CompressLZ4:
		src = lz4.NewReader(r)
	case CompressXZ:
		zr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		src = zr
	default:
		return nil, fmt.Errorf("%w: compression %d", ErrBadImage, hdr[5])
	}
	br := bufio.NewReader(src)
	be := binary.BigEndian
	img := &Image{}
	if _, err := io.ReadFull(br, img.ID[:]); err != nil {
		return nil, err
	}
	var n uint32
	if err := binary.Read(br, be, &img.Origin); err != nil {
		return nil, err
	}
	if err := binary.Read(br, be, &n); err != nil {
		return nil, err
	}
	if n != bootrecord.NumEntrypoints {
		return nil, fmt.Errorf("%w: %d entrypoints", ErrBadImage, n)
	}
	if err := binary.Read(br, be, img.Entrypoints[:]); err != nil {
		return nil, err
	}
	if err := binary.Read(br, be, &n); err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		var addr uint32
		var l uint16
		if err := binary.Read(br, be, &addr); err != nil {
			return nil, err
		}
		if err := binary.Read(br, be, &l); err != nil {
			return nil, err
		}
		name := make([]byte, l)
		if _, err := io.ReadFull(br, name); err != nil {
			return nil, err
		}
		img.addSymbol(string(name), addr)
	}
	if err := binary.Read(br, be, &n); err != nil {
		return nil, err
	}
	if n > localmem.LocalStoreSize {
		return nil, fmt.Errorf("%w: code of %d bytes", ErrBadImage, n)
	}
	img.Code = make([]byte, n)
	if _, err := io.ReadFull(br, img.Code); err != nil {
		return nil, err
	}
	return img, nil
}

// Save writes the image to path, compressed according to the suffix.
func Save(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteImage(f, img, CompressionFor(path)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadImage(f)
}

// Build generates the runtime and stamps it with a fresh id.
func Build(l localmem.Layout) (*Image, error) {
	img, err := Generate(l)
	if err != nil {
		return nil, err
	}
	img.ID = uuid.New()
	return img, nil
}
