// Package drm talks to the kernel display pipeline through the DRM/KMS
// character devices. It carries just enough of the uapi surface for
// read-only capture: capability queries, mode/plane enumeration,
// framebuffer lookup, prime export and GEM handle release.
//
// Struct layouts match the 64-bit Linux uapi (the target SoCs are
// arm64); pointer-carrying fields are declared as uint64 so the ioctl
// request sizes come out right.
package drm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl direction and encoding bits, Linux generic layout.
const (
	iocWrite = 1
	iocRead  = 2

	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	// DRM ioctl type byte ('d').
	drmIoctlBase = 0x64
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | drmIoctlBase<<iocTypeShift | nr<<iocNrShift
}

func drmIO(nr uintptr) uintptr         { return ioc(0, nr, 0) }
func drmIOW(nr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }
func drmIOWR(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

// Request codes used by the capture path.
var (
	reqVersion          = drmIOWR(0x00, unsafe.Sizeof(drmVersion{}))
	reqGemClose         = drmIOW(0x09, unsafe.Sizeof(gemCloseReq{}))
	reqGetCap           = drmIOWR(0x0c, unsafe.Sizeof(capReq{}))
	reqSetClientCap     = drmIOW(0x0d, unsafe.Sizeof(capReq{}))
	reqSetMaster        = drmIO(0x1e)
	reqDropMaster       = drmIO(0x1f)
	reqPrimeHandleToFD  = drmIOWR(0x2d, unsafe.Sizeof(primeHandleReq{}))
	reqModeGetResources = drmIOWR(0xa0, unsafe.Sizeof(modeCardRes{}))
	reqModeGetCrtc      = drmIOWR(0xa1, unsafe.Sizeof(modeCrtc{}))
	reqModeGetEncoder   = drmIOWR(0xa6, unsafe.Sizeof(modeGetEncoder{}))
	reqModeGetConnector = drmIOWR(0xa7, unsafe.Sizeof(modeGetConnector{}))
	reqModeGetPlaneRes  = drmIOWR(0xb5, unsafe.Sizeof(modeGetPlaneRes{}))
	reqModeGetPlane     = drmIOWR(0xb6, unsafe.Sizeof(modeGetPlane{}))
	reqModeGetFB2       = drmIOWR(0xce, unsafe.Sizeof(modeFBCmd2{}))
)

// Device capabilities (DRM_CAP_*).
const (
	capDumbBuffer uint64 = 0x1
	capPrime      uint64 = 0x5

	primeCapImport uint64 = 0x1
	primeCapExport uint64 = 0x2
)

// Client capabilities (DRM_CLIENT_CAP_*).
const (
	clientCapUniversalPlanes uint64 = 2
)

// Connector connection status.
const (
	connectionConnected    = 1
	connectionDisconnected = 2
	connectionUnknown      = 3
)

// Prime export flag, mirrors O_CLOEXEC.
const primeCloexec = 0x80000

// drm_version. The name/date/desc buffers use the two-call pattern:
// first call reports lengths, second fills caller buffers.
type drmVersion struct {
	major   int32
	minor   int32
	patch   int32
	_       uint32
	nameLen uint64
	name    uint64
	dateLen uint64
	date    uint64
	descLen uint64
	desc    uint64
}

// drm_gem_close
type gemCloseReq struct {
	handle uint32
	pad    uint32
}

// drm_get_cap / drm_set_client_cap share one layout.
type capReq struct {
	capability uint64
	value      uint64
}

// drm_prime_handle
type primeHandleReq struct {
	handle uint32
	flags  uint32
	fd     int32
}

// drm_mode_card_res
type modeCardRes struct {
	fbIDPtr        uint64
	crtcIDPtr      uint64
	connectorIDPtr uint64
	encoderIDPtr   uint64
	countFBs       uint32
	countCrtcs     uint32
	countConns     uint32
	countEncoders  uint32
	minWidth       uint32
	maxWidth       uint32
	minHeight      uint32
	maxHeight      uint32
}

// drm_mode_modeinfo
type modeInfo struct {
	clock      uint32
	hdisplay   uint16
	hsyncStart uint16
	hsyncEnd   uint16
	htotal     uint16
	hskew      uint16
	vdisplay   uint16
	vsyncStart uint16
	vsyncEnd   uint16
	vtotal     uint16
	vscan      uint16
	vrefresh   uint32
	flags      uint32
	typ        uint32
	name       [32]byte
}

// drm_mode_crtc
type modeCrtc struct {
	setConnectorsPtr uint64
	countConnectors  uint32
	crtcID           uint32
	fbID             uint32
	x                uint32
	y                uint32
	gammaSize        uint32
	modeValid        uint32
	mode             modeInfo
}

// drm_mode_get_encoder
type modeGetEncoder struct {
	encoderID      uint32
	encoderType    uint32
	crtcID         uint32
	possibleCrtcs  uint32
	possibleClones uint32
}

// drm_mode_get_connector
type modeGetConnector struct {
	encodersPtr   uint64
	modesPtr      uint64
	propsPtr      uint64
	propValuesPtr uint64
	countModes    uint32
	countProps    uint32
	countEncoders uint32
	encoderID     uint32
	connectorID   uint32
	connectorType uint32
	typeID        uint32
	connection    uint32
	mmWidth       uint32
	mmHeight      uint32
	subpixel      uint32
	pad           uint32
}

// drm_mode_get_plane_res
type modeGetPlaneRes struct {
	planeIDPtr  uint64
	countPlanes uint32
	_           uint32
}

// drm_mode_get_plane
type modeGetPlane struct {
	planeID          uint32
	crtcID           uint32
	fbID             uint32
	possibleCrtcs    uint32
	gammaSize        uint32
	countFormatTypes uint32
	formatTypePtr    uint64
}

// drm_mode_fb_cmd2
type modeFBCmd2 struct {
	fbID        uint32
	width       uint32
	height      uint32
	pixelFormat uint32
	flags       uint32
	handles     [4]uint32
	pitches     [4]uint32
	offsets     [4]uint32
	_           uint32
	modifier    [4]uint64
}

// ioctler is the raw transport for one open DRM node. Split out so the
// selection and capture logic can run against a fake in tests.
type ioctler interface {
	Ioctl(req uintptr, arg unsafe.Pointer) error
	Fd() uintptr
	Close() error
}

// nodeConn is the real ioctler over an open character device.
type nodeConn struct {
	fd   int
	path string
}

// Ioctl issues one request, retrying on EINTR and EAGAIN the way
// libdrm does.
func (c *nodeConn) Ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		return errno
	}
}

func (c *nodeConn) Fd() uintptr {
	return uintptr(c.fd)
}

func (c *nodeConn) Close() error {
	return unix.Close(c.fd)
}
