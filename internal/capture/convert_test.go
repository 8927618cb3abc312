package capture

import (
	"bytes"
	"errors"
	"testing"

	"github.com/smazurov/glowgrab/internal/drm"
)

func TestXRGBConversion(t *testing.T) {
	// Memory order per pixel is B, G, R, X.
	src := []byte{
		3, 2, 1, 0, 6, 5, 4, 0,
		9, 8, 7, 0, 12, 11, 10, 0,
	}
	want := []byte{
		1, 2, 3, 4, 5, 6,
		7, 8, 9, 10, 11, 12,
	}

	for _, format := range []uint32{drm.FormatXRGB8888, drm.FormatARGB8888} {
		dst := make([]byte, len(want))
		if err := convertFrame(format, 2, 2, [][]byte{src}, dst); err != nil {
			t.Fatalf("%s: %v", drm.FormatName(format), err)
		}
		if !bytes.Equal(dst, want) {
			t.Errorf("%s: rgb = %v, want %v", drm.FormatName(format), dst, want)
		}
	}
}

func TestRGB888SwapsToRGB(t *testing.T) {
	// Memory order is B, G, R.
	src := []byte{3, 2, 1, 6, 5, 4}
	want := []byte{1, 2, 3, 4, 5, 6}

	dst := make([]byte, len(want))
	if err := convertFrame(drm.FormatRGB888, 2, 1, [][]byte{src}, dst); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst, want) {
		t.Errorf("rgb = %v, want %v", dst, want)
	}
}

func TestBGR888IsPassthrough(t *testing.T) {
	// Memory order is already R, G, B.
	src := []byte{1, 2, 3, 4, 5, 6}

	dst := make([]byte, len(src))
	if err := convertFrame(drm.FormatBGR888, 2, 1, [][]byte{src}, dst); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst, src) {
		t.Errorf("rgb = %v, want %v", dst, src)
	}
}

func TestNV12KnownColors(t *testing.T) {
	cases := []struct {
		name    string
		y, u, v byte
		want    [3]byte
	}{
		{"black", 16, 128, 128, [3]byte{0, 0, 0}},
		{"white", 235, 128, 128, [3]byte{255, 255, 255}},
		{"red", 81, 90, 240, [3]byte{255, 0, 0}},
		{"green", 145, 54, 34, [3]byte{0, 255, 1}},
		{"blue", 41, 240, 110, [3]byte{0, 0, 255}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			yPlane := []byte{tc.y, tc.y, tc.y, tc.y}
			uvPlane := []byte{tc.u, tc.v}

			dst := make([]byte, 12)
			if err := convertFrame(drm.FormatNV12, 2, 2, [][]byte{yPlane, uvPlane}, dst); err != nil {
				t.Fatal(err)
			}
			for px := 0; px < 4; px++ {
				got := [3]byte{dst[px*3], dst[px*3+1], dst[px*3+2]}
				if got != tc.want {
					t.Errorf("pixel %d = %v, want %v", px, got, tc.want)
				}
			}
		})
	}
}

func TestNV12OddDimensions(t *testing.T) {
	// 3x3 means a 2x2 chroma plane.
	yPlane := bytes.Repeat([]byte{128}, 9)
	uvPlane := bytes.Repeat([]byte{128}, 8)

	dst := make([]byte, 27)
	if err := convertFrame(drm.FormatNV12, 3, 3, [][]byte{yPlane, uvPlane}, dst); err != nil {
		t.Fatal(err)
	}
	// Y=128 U=V=128 is mid gray: (298*112+128)>>8 = 130.
	for i, b := range dst {
		if b != 130 {
			t.Fatalf("byte %d = %d, want 130", i, b)
		}
	}
}

func TestNV12SubsampledChromaSharing(t *testing.T) {
	// One chroma pair covers a 2x2 block: all four pixels of a 2x2
	// frame must read the same U/V.
	yPlane := []byte{81, 81, 81, 81}
	uvPlane := []byte{90, 240}

	dst := make([]byte, 12)
	if err := convertFrame(drm.FormatNV12, 2, 2, [][]byte{yPlane, uvPlane}, dst); err != nil {
		t.Fatal(err)
	}
	for px := 1; px < 4; px++ {
		if dst[px*3] != dst[0] || dst[px*3+1] != dst[1] || dst[px*3+2] != dst[2] {
			t.Errorf("pixel %d differs from pixel 0: %v vs %v", px, dst[px*3:px*3+3], dst[0:3])
		}
	}
}

func TestConvertFrameUnsupportedFormat(t *testing.T) {
	dst := make([]byte, 12)
	err := convertFrame(0x56595559, 2, 2, [][]byte{make([]byte, 16)}, dst) // YUYV
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestConvertFrameShortBuffer(t *testing.T) {
	dst := make([]byte, 5)
	err := convertFrame(drm.FormatXRGB8888, 2, 2, [][]byte{make([]byte, 16)}, dst)
	if err == nil {
		t.Fatal("expected error for undersized rgb buffer")
	}
}

func TestPlaneGeometry(t *testing.T) {
	cases := []struct {
		name     string
		format   uint32
		plane    int
		w, h     int
		rowBytes int
		rows     int
		wantErr  bool
	}{
		{"xrgb", drm.FormatXRGB8888, 0, 1920, 1080, 7680, 1080, false},
		{"rgb24", drm.FormatRGB888, 0, 100, 50, 300, 50, false},
		{"nv12 luma", drm.FormatNV12, 0, 1920, 1080, 1920, 1080, false},
		{"nv12 chroma", drm.FormatNV12, 1, 1920, 1080, 1920, 540, false},
		{"nv12 chroma odd", drm.FormatNV12, 1, 3, 3, 4, 2, false},
		{"xrgb extra plane", drm.FormatXRGB8888, 1, 10, 10, 0, 0, true},
		{"nv12 extra plane", drm.FormatNV12, 2, 10, 10, 0, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rowBytes, rows, err := planeGeometry(tc.format, tc.plane, tc.w, tc.h)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if rowBytes != tc.rowBytes || rows != tc.rows {
				t.Errorf("geometry = %dx%d, want %dx%d", rowBytes, rows, tc.rowBytes, tc.rows)
			}
		})
	}
}
