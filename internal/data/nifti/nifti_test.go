package nifti

import (
	"bytes"
	"errors"
	"io"
	"math"
	"path/filepath"
	"testing"

	"github.com/neurofusion/server/internal/fsutil"
)

func labelImage() *Image {
	img := New(4, 3, 2, 2.0, [3]float64{-4, -2, -2})
	for i := range img.Data {
		img.Data[i] = float64(i % 3)
	}
	img.Header.Datatype = Int16
	return img
}

func TestWriteRead_GzipFile(t *testing.T) {
	img := labelImage()
	img.SetDescription("tiny label volume")
	path := filepath.Join(t.TempDir(), "tiny_2mm.nii.gz")

	err := fsutil.WriteAtomic(path, func(w io.Writer) error { return Encode(w, path, img) })
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if got.Dims() != [3]int{4, 3, 2} {
		t.Fatalf("unexpected dims: %v", got.Dims())
	}
	if got.Header.Datatype != Int16 {
		t.Errorf("expected int16 datatype, got %s", got.Header.Datatype)
	}
	if got.Description() != "tiny label volume" {
		t.Errorf("unexpected description %q", got.Description())
	}
	if !got.SameGeometry(img) {
		t.Errorf("geometry changed: %v vs %v", got.Affine(), img.Affine())
	}
	for i := range img.Data {
		if got.Data[i] != img.Data[i] {
			t.Fatalf("voxel %d: expected %v, got %v", i, img.Data[i], got.Data[i])
		}
	}
}

func TestRead_AppliesScaling(t *testing.T) {
	img := New(2, 1, 1, 1, [3]float64{})
	img.Data = []float64{1, 2}
	img.Header.Datatype = Uint8
	img.Header.SclSlope = 0.5
	img.Header.SclInter = 10

	var buf bytes.Buffer
	if err := Write(&buf, img); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.Data[0] != 10.5 || got.Data[1] != 11 {
		t.Fatalf("expected scaled values [10.5 11], got %v", got.Data)
	}
}

func TestRead_RejectsGarbage(t *testing.T) {
	_, err := Read(bytes.NewReader(make([]byte, 400)))
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}
}

func TestNewLike_KeepsGeometry(t *testing.T) {
	ref := labelImage()
	data := make([]float64, ref.Len())
	data[5] = -1.5
	data[7] = 3

	out := NewLike(ref, data)
	if out.Header.Datatype != Float64 {
		t.Fatalf("expected float64 output, got %s", out.Header.Datatype)
	}
	if !out.SameGeometry(ref) {
		t.Fatal("expected identical geometry")
	}
	if out.Header.CalMin != -1.5 || out.Header.CalMax != 3 {
		t.Errorf("unexpected cal range [%v, %v]", out.Header.CalMin, out.Header.CalMax)
	}
}

func TestAffine_Qform(t *testing.T) {
	img := New(2, 2, 2, 2, [3]float64{})
	img.Header.SformCode = 0
	img.Header.QformCode = 1
	img.Header.Pixdim[0] = 1
	img.Header.QoffsetX = -90
	img.Header.QoffsetY = -126
	img.Header.QoffsetZ = -72

	m := img.Affine()
	want := [3][4]float64{{2, 0, 0, -90}, {0, 2, 0, -126}, {0, 0, 2, -72}}
	for i := range want {
		for j := range want[i] {
			if math.Abs(m[i][j]-want[i][j]) > 1e-9 {
				t.Fatalf("affine[%d][%d]: expected %v, got %v", i, j, want[i][j], m[i][j])
			}
		}
	}
}
