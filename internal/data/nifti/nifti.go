// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and .nii.gz).
//
// Only what the atlas pipeline needs is supported: 3D scalar volumes (a 4D
// volume with a single frame is accepted) stored in one of the common integer
// or floating point datatypes. Voxel data is exposed as float64 in NIfTI
// order (x varies fastest).
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	headerSize = 348
	dataOffset = 352 // header + 4 byte extension flag
)

var magicSingle = [4]byte{'n', '+', '1', 0}

// ErrFormat is returned for inputs that are not supported NIfTI-1 volumes.
var ErrFormat = errors.New("nifti: unsupported or malformed file")

// Datatype is the NIfTI-1 datatype code.
type Datatype int16

const (
	Uint8   Datatype = 2
	Int16   Datatype = 4
	Int32   Datatype = 8
	Float32 Datatype = 16
	Float64 Datatype = 64
	Int8    Datatype = 256
	Uint16  Datatype = 512
	Uint32  Datatype = 768
)

// Size returns the number of bytes per voxel, or 0 for unsupported codes.
func (d Datatype) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

func (d Datatype) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int8:
		return "int8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	default:
		return fmt.Sprintf("datatype(%d)", int16(d))
	}
}

// Header mirrors the 348 byte NIfTI-1 header field by field.
type Header struct {
	SizeofHdr     int32
	DataTypeStr   [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      Datatype
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Image is a decoded volume together with its header.
type Image struct {
	Header Header
	Data   []float64
}

// New creates a zero-filled float64 image with an axis-aligned affine:
// voxel (i,j,k) maps to origin + (i,j,k)*voxelSize in millimetres.
func New(nx, ny, nz int, voxelSize float64, origin [3]float64) *Image {
	var h Header
	h.SizeofHdr = headerSize
	h.Dim = [8]int16{3, int16(nx), int16(ny), int16(nz), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, float32(voxelSize), float32(voxelSize), float32(voxelSize), 1, 1, 1, 1}
	h.Datatype = Float64
	h.Bitpix = 64
	h.SclSlope = 1
	h.XYZTUnits = 2 // millimetres
	h.SformCode = 4 // MNI152
	h.SrowX = [4]float32{float32(voxelSize), 0, 0, float32(origin[0])}
	h.SrowY = [4]float32{0, float32(voxelSize), 0, float32(origin[1])}
	h.SrowZ = [4]float32{0, 0, float32(voxelSize), float32(origin[2])}
	h.Magic = magicSingle
	return &Image{Header: h, Data: make([]float64, nx*ny*nz)}
}

// NewLike returns a float64 image with ref's geometry holding data.
// data must have ref.Len() elements.
func NewLike(ref *Image, data []float64) *Image {
	h := ref.Header
	h.Datatype = Float64
	h.Bitpix = 64
	h.SclSlope = 1
	h.SclInter = 0
	h.IntentCode = 0
	lo, hi := 0.0, 0.0
	for i, v := range data {
		if i == 0 || v < lo {
			lo = v
		}
		if i == 0 || v > hi {
			hi = v
		}
	}
	h.CalMin = float32(lo)
	h.CalMax = float32(hi)
	return &Image{Header: h, Data: data}
}

// Dims returns the spatial dimensions (nx, ny, nz).
func (img *Image) Dims() [3]int {
	return [3]int{int(img.Header.Dim[1]), int(img.Header.Dim[2]), int(img.Header.Dim[3])}
}

// Len returns the number of voxels.
func (img *Image) Len() int {
	d := img.Dims()
	return d[0] * d[1] * d[2]
}

// Index returns the offset of voxel (x, y, z) in Data.
func (img *Image) Index(x, y, z int) int {
	d := img.Dims()
	return x + y*d[0] + z*d[0]*d[1]
}

// VoxelSize returns the voxel edge lengths in millimetres.
func (img *Image) VoxelSize() [3]float64 {
	p := img.Header.Pixdim
	return [3]float64{float64(p[1]), float64(p[2]), float64(p[3])}
}

// SameGeometry reports whether two images share dimensions and affine.
func (img *Image) SameGeometry(o *Image) bool {
	return img.Dims() == o.Dims() && img.Affine() == o.Affine()
}

// Affine returns the voxel-to-world transform as a 3x4 matrix. The sform is
// preferred, then the qform; with neither set the voxel sizes are used.
func (img *Image) Affine() [3][4]float64 {
	h := img.Header
	if h.SformCode > 0 {
		var m [3][4]float64
		for j := 0; j < 4; j++ {
			m[0][j] = float64(h.SrowX[j])
			m[1][j] = float64(h.SrowY[j])
			m[2][j] = float64(h.SrowZ[j])
		}
		return m
	}
	dx, dy, dz := float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3])
	if h.QformCode <= 0 {
		return [3][4]float64{{dx, 0, 0, 0}, {0, dy, 0, 0}, {0, 0, dz, 0}}
	}

	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// 180 degree rotation; renormalise b, c, d
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	qfac := float64(h.Pixdim[0])
	if qfac == 0 {
		qfac = 1
	}
	dz *= qfac

	return [3][4]float64{
		{(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QoffsetX)},
		{2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QoffsetY)},
		{2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(h.QoffsetZ)},
	}
}

// Description returns the header's descrip field as a string.
func (img *Image) Description() string {
	return strings.TrimRight(string(img.Header.Descrip[:]), "\x00")
}

// SetDescription stores s (truncated to 79 bytes) in the descrip field.
func (img *Image) SetDescription(s string) {
	img.Header.Descrip = [80]byte{}
	copy(img.Header.Descrip[:79], s)
}

// ReadFile reads a .nii or .nii.gz file.
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return img, nil
}

// Read decodes a NIfTI-1 volume. Gzip input is detected from its magic bytes.
func Read(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		br = bufio.NewReader(zr)
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrFormat, err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if binary.LittleEndian.Uint32(raw[:4]) != headerSize {
		if binary.BigEndian.Uint32(raw[:4]) != headerSize {
			return nil, fmt.Errorf("%w: bad sizeof_hdr", ErrFormat)
		}
		order = binary.BigEndian
	}

	var h Header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if h.Magic != magicSingle {
		return nil, fmt.Errorf("%w: not a single-file NIfTI-1 image (magic %q)", ErrFormat, h.Magic[:3])
	}
	if h.Dim[0] < 3 || h.Dim[0] > 7 {
		return nil, fmt.Errorf("%w: %d dimensions", ErrFormat, h.Dim[0])
	}
	for i := 4; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] > 1 {
			return nil, fmt.Errorf("%w: only single-frame volumes are supported (dim[%d]=%d)", ErrFormat, i, h.Dim[i])
		}
	}
	for i := 1; i <= 3; i++ {
		if h.Dim[i] <= 0 {
			return nil, fmt.Errorf("%w: dim[%d]=%d", ErrFormat, i, h.Dim[i])
		}
	}
	size := h.Datatype.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: unsupported datatype %s", ErrFormat, h.Datatype)
	}

	offset := int64(h.VoxOffset)
	if offset < headerSize {
		offset = dataOffset
	}
	if _, err := io.CopyN(io.Discard, br, offset-headerSize); err != nil {
		return nil, fmt.Errorf("%w: truncated before voxel data", ErrFormat)
	}

	img := &Image{Header: h}
	n := img.Len()
	buf := make([]byte, n*size)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, fmt.Errorf("%w: truncated voxel data: %v", ErrFormat, err)
	}
	img.Data = decode(buf, n, h.Datatype, order)

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && (slope != 1 || inter != 0) {
		for i, v := range img.Data {
			img.Data[i] = v*slope + inter
		}
	}
	return img, nil
}

func decode(buf []byte, n int, dt Datatype, order binary.ByteOrder) []float64 {
	out := make([]float64, n)
	switch dt {
	case Uint8:
		for i := range out {
			out[i] = float64(buf[i])
		}
	case Int8:
		for i := range out {
			out[i] = float64(int8(buf[i]))
		}
	case Int16:
		for i := range out {
			out[i] = float64(int16(order.Uint16(buf[i*2:])))
		}
	case Uint16:
		for i := range out {
			out[i] = float64(order.Uint16(buf[i*2:]))
		}
	case Int32:
		for i := range out {
			out[i] = float64(int32(order.Uint32(buf[i*4:])))
		}
	case Uint32:
		for i := range out {
			out[i] = float64(order.Uint32(buf[i*4:]))
		}
	case Float32:
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(buf[i*4:])))
		}
	case Float64:
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(buf[i*8:]))
		}
	}
	return out
}

// Write encodes img in little-endian order using the datatype in its header.
// Values are converted to the target type without scaling.
func Write(w io.Writer, img *Image) error {
	h := img.Header
	size := h.Datatype.Size()
	if size == 0 {
		return fmt.Errorf("%w: cannot write datatype %s", ErrFormat, h.Datatype)
	}
	if len(img.Data) != img.Len() {
		return fmt.Errorf("nifti: data has %d voxels, header declares %d", len(img.Data), img.Len())
	}
	h.SizeofHdr = headerSize
	h.Bitpix = int16(size * 8)
	h.VoxOffset = dataOffset
	h.Magic = magicSingle
	if h.SclSlope == 0 {
		h.SclSlope = 1
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return err
	}
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	le := binary.LittleEndian
	b := make([]byte, size)
	for _, v := range img.Data {
		switch h.Datatype {
		case Uint8:
			b[0] = uint8(v)
		case Int8:
			b[0] = uint8(int8(v))
		case Int16:
			le.PutUint16(b, uint16(int16(v)))
		case Uint16:
			le.PutUint16(b, uint16(v))
		case Int32:
			le.PutUint32(b, uint32(int32(v)))
		case Uint32:
			le.PutUint32(b, uint32(v))
		case Float32:
			le.PutUint32(b, math.Float32bits(float32(v)))
		case Float64:
			le.PutUint64(b, math.Float64bits(v))
		}
		if _, err := bw.Write(b); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteGzip writes img gzip-compressed.
func WriteGzip(w io.Writer, img *Image) error {
	zw := gzip.NewWriter(w)
	if err := Write(zw, img); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// Encode writes img to w, compressing when path ends in ".gz".
func Encode(w io.Writer, path string, img *Image) error {
	if strings.HasSuffix(path, ".gz") {
		return WriteGzip(w, img)
	}
	return Write(w, img)
}
