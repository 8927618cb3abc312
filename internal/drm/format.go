package drm

// fourcc builds a little-endian DRM format code.
func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Pixel formats the converter understands. Everything else is reported
// by name and skipped.
var (
	FormatXRGB8888 = fourcc('X', 'R', '2', '4')
	FormatARGB8888 = fourcc('A', 'R', '2', '4')
	FormatRGB888   = fourcc('R', 'G', '2', '4')
	FormatBGR888   = fourcc('B', 'G', '2', '4')
	FormatNV12     = fourcc('N', 'V', '1', '2')
)

// FormatName renders a format code as its fourcc string for logs.
func FormatName(code uint32) string {
	b := [4]byte{
		byte(code),
		byte(code >> 8),
		byte(code >> 16),
		byte(code >> 24),
	}
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			b[i] = '?'
		}
	}
	return string(b[:])
}
