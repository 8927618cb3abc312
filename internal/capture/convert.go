package capture

import (
	"errors"
	"fmt"

	"github.com/smazurov/glowgrab/internal/drm"
)

// ErrUnsupportedFormat marks a framebuffer fourcc the converter cannot
// turn into RGB.
var ErrUnsupportedFormat = errors.New("unsupported pixel format")

// convertFrame turns tightly packed source planes into packed RGB.
// dst must hold 3*width*height bytes. Plane layouts follow the DRM
// fourcc definitions on a little-endian machine.
func convertFrame(format uint32, width, height int, planes [][]byte, dst []byte) error {
	if len(dst) < 3*width*height {
		return fmt.Errorf("rgb buffer %d too small for %dx%d", len(dst), width, height)
	}
	switch format {
	case drm.FormatXRGB8888, drm.FormatARGB8888:
		return xrgb32ToRGB(planes[0], width, height, dst)
	case drm.FormatRGB888:
		return rgb24ToRGB(planes[0], width, height, dst)
	case drm.FormatBGR888:
		return bgr24ToRGB(planes[0], width, height, dst)
	case drm.FormatNV12:
		if len(planes) < 2 {
			return fmt.Errorf("nv12 needs 2 planes, got %d", len(planes))
		}
		return nv12ToRGB(planes[0], planes[1], width, height, dst)
	default:
		return fmt.Errorf("%s: %w", drm.FormatName(format), ErrUnsupportedFormat)
	}
}

// xrgb32ToRGB converts 32bpp [X|A]RGB. Little-endian memory order is
// B, G, R, X per pixel; the filler byte is dropped.
func xrgb32ToRGB(src []byte, width, height int, dst []byte) error {
	n := width * height
	if len(src) < 4*n {
		return fmt.Errorf("xrgb plane %d short of %d", len(src), 4*n)
	}
	for i := 0; i < n; i++ {
		si, di := i*4, i*3
		dst[di+0] = src[si+2]
		dst[di+1] = src[si+1]
		dst[di+2] = src[si+0]
	}
	return nil
}

// rgb24ToRGB converts DRM RGB888, stored B, G, R in memory.
func rgb24ToRGB(src []byte, width, height int, dst []byte) error {
	n := width * height
	if len(src) < 3*n {
		return fmt.Errorf("rgb plane %d short of %d", len(src), 3*n)
	}
	for i := 0; i < n; i++ {
		si, di := i*3, i*3
		dst[di+0] = src[si+2]
		dst[di+1] = src[si+1]
		dst[di+2] = src[si+0]
	}
	return nil
}

// bgr24ToRGB converts DRM BGR888, stored R, G, B in memory, so this is
// a straight copy.
func bgr24ToRGB(src []byte, width, height int, dst []byte) error {
	n := 3 * width * height
	if len(src) < n {
		return fmt.Errorf("bgr plane %d short of %d", len(src), n)
	}
	copy(dst[:n], src)
	return nil
}

// nv12ToRGB converts the two-plane 4:2:0 layout the video decoder
// scans out: full-res Y plane, half-res interleaved UV plane. BT.601
// limited range, integer approximation.
func nv12ToRGB(yPlane, uvPlane []byte, width, height int, dst []byte) error {
	cw := (width + 1) / 2
	ch := (height + 1) / 2
	if len(yPlane) < width*height {
		return fmt.Errorf("nv12 y plane %d short of %d", len(yPlane), width*height)
	}
	if len(uvPlane) < 2*cw*ch {
		return fmt.Errorf("nv12 uv plane %d short of %d", len(uvPlane), 2*cw*ch)
	}

	for y := 0; y < height; y++ {
		yRow := yPlane[y*width:]
		uvRow := uvPlane[(y/2)*cw*2:]
		di := y * width * 3
		for x := 0; x < width; x++ {
			c := int(yRow[x]) - 16
			d := int(uvRow[(x/2)*2]) - 128
			e := int(uvRow[(x/2)*2+1]) - 128

			r := (298*c + 409*e + 128) >> 8
			g := (298*c - 100*d - 208*e + 128) >> 8
			b := (298*c + 516*d + 128) >> 8

			dst[di+0] = clamp8(r)
			dst[di+1] = clamp8(g)
			dst[di+2] = clamp8(b)
			di += 3
		}
	}
	return nil
}

func clamp8(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// planeGeometry returns the packed row size and row count for one
// plane of a format. Single-plane formats only have plane 0.
func planeGeometry(format uint32, plane, width, height int) (rowBytes, rows int, err error) {
	switch format {
	case drm.FormatXRGB8888, drm.FormatARGB8888:
		if plane != 0 {
			return 0, 0, fmt.Errorf("plane %d out of range for %s", plane, drm.FormatName(format))
		}
		return 4 * width, height, nil
	case drm.FormatRGB888, drm.FormatBGR888:
		if plane != 0 {
			return 0, 0, fmt.Errorf("plane %d out of range for %s", plane, drm.FormatName(format))
		}
		return 3 * width, height, nil
	case drm.FormatNV12:
		switch plane {
		case 0:
			return width, height, nil
		case 1:
			return 2 * ((width + 1) / 2), (height + 1) / 2, nil
		default:
			return 0, 0, fmt.Errorf("plane %d out of range for nv12", plane)
		}
	default:
		return 0, 0, fmt.Errorf("%s: %w", drm.FormatName(format), ErrUnsupportedFormat)
	}
}

// planeCount returns how many memory planes a format occupies.
func planeCount(format uint32) (int, error) {
	switch format {
	case drm.FormatXRGB8888, drm.FormatARGB8888, drm.FormatRGB888, drm.FormatBGR888:
		return 1, nil
	case drm.FormatNV12:
		return 2, nil
	default:
		return 0, fmt.Errorf("%s: %w", drm.FormatName(format), ErrUnsupportedFormat)
	}
}
