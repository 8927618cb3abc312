package drm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PlaneDesc is one memory plane of a framebuffer.
type PlaneDesc struct {
	Handle uint32
	Pitch  uint32
	Offset uint32
}

// FB is a framebuffer as reported by the kernel. The plane handles are
// fresh GEM references owned by this file description; each distinct
// handle must be released with CloseHandle exactly once or it leaks
// until the device is closed.
type FB struct {
	ID       uint32
	Width    uint32
	Height   uint32
	Format   uint32
	Modifier uint64
	Planes   []PlaneDesc
}

// ActiveFB returns the framebuffer currently bound to the capture
// pipe. The CRTC is consulted first; when it reports no framebuffer
// (common when the compositor drives a primary plane directly) the
// planes on the CRTC are scanned instead.
func (d *Device) ActiveFB() (*FB, error) {
	crtc, err := d.getCrtc(d.pipe.CRTC)
	if err != nil {
		return nil, fmt.Errorf("get crtc %d: %w", d.pipe.CRTC, err)
	}

	fbID := crtc.fbID
	if fbID == 0 {
		fbID, err = d.planeFB()
		if err != nil {
			return nil, err
		}
	}
	if fbID == 0 {
		return nil, ErrNoFramebuffer
	}

	cmd := modeFBCmd2{fbID: fbID}
	if err := d.conn.Ioctl(reqModeGetFB2, unsafe.Pointer(&cmd)); err != nil {
		return nil, fmt.Errorf("getfb2 %d: %w", fbID, err)
	}

	fb := &FB{
		ID:       cmd.fbID,
		Width:    cmd.width,
		Height:   cmd.height,
		Format:   cmd.pixelFormat,
		Modifier: cmd.modifier[0],
	}
	for i := range 4 {
		if cmd.handles[i] == 0 {
			continue
		}
		fb.Planes = append(fb.Planes, PlaneDesc{
			Handle: cmd.handles[i],
			Pitch:  cmd.pitches[i],
			Offset: cmd.offsets[i],
		})
	}
	if len(fb.Planes) == 0 {
		return nil, fmt.Errorf("framebuffer %d has no plane handles", fbID)
	}
	return fb, nil
}

// planeFB scans planes for one bound to our CRTC with a framebuffer.
func (d *Device) planeFB() (uint32, error) {
	if len(d.planeIDs) == 0 {
		ids, err := d.planeResources()
		if err != nil {
			return 0, fmt.Errorf("enumerate planes: %w", err)
		}
		d.planeIDs = ids
	}

	for _, id := range d.planeIDs {
		plane := modeGetPlane{planeID: id}
		if err := d.conn.Ioctl(reqModeGetPlane, unsafe.Pointer(&plane)); err != nil {
			// Plane set changed; rescan next time.
			d.planeIDs = nil
			return 0, fmt.Errorf("get plane %d: %w", id, err)
		}
		if plane.crtcID == d.pipe.CRTC && plane.fbID != 0 {
			return plane.fbID, nil
		}
	}
	return 0, nil
}

func (d *Device) planeResources() ([]uint32, error) {
	for range 3 {
		var res modeGetPlaneRes
		if err := d.conn.Ioctl(reqModeGetPlaneRes, unsafe.Pointer(&res)); err != nil {
			return nil, err
		}
		if res.countPlanes == 0 {
			return nil, nil
		}

		ids := make([]uint32, res.countPlanes)
		res = modeGetPlaneRes{
			planeIDPtr:  uint64(uintptr(unsafe.Pointer(&ids[0]))),
			countPlanes: uint32(len(ids)),
		}
		if err := d.conn.Ioctl(reqModeGetPlaneRes, unsafe.Pointer(&res)); err != nil {
			return nil, err
		}
		if int(res.countPlanes) <= len(ids) {
			return ids[:res.countPlanes], nil
		}
	}
	return nil, errors.New("plane list kept changing")
}

// ExportHandle turns a GEM handle into a dmabuf fd the CPU can mmap.
// The fd is a second, independent reference; closing it does not
// release the handle and vice versa.
func (d *Device) ExportHandle(handle uint32) (int, error) {
	req := primeHandleReq{handle: handle, flags: primeCloexec}
	if err := d.conn.Ioctl(reqPrimeHandleToFD, unsafe.Pointer(&req)); err != nil {
		return -1, fmt.Errorf("prime export handle %d: %w", handle, err)
	}
	return int(req.fd), nil
}

// CloseHandle releases one GEM handle reference. Closing an already
// released handle reports EINVAL, which is swallowed so a double close
// stays harmless.
func (d *Device) CloseHandle(handle uint32) error {
	req := gemCloseReq{handle: handle}
	err := d.conn.Ioctl(reqGemClose, unsafe.Pointer(&req))
	if err == nil || errors.Is(err, unix.EINVAL) {
		return nil
	}
	return fmt.Errorf("gem close handle %d: %w", handle, err)
}
