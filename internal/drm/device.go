package drm

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/smazurov/glowgrab/internal/logging"
)

// Mode is the active display timing on a pipe.
type Mode struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Refresh int    `json:"refresh"`
	Name    string `json:"name"`
}

// Pipe is the resolved capture target: one CRTC scanning out to one
// connected connector.
type Pipe struct {
	CRTC        uint32 `json:"crtc"`
	ConnectorID uint32 `json:"connector_id"`
	Connector   string `json:"connector"`
	Mode        Mode   `json:"mode"`
}

// Info summarizes an opened device for the status surface.
type Info struct {
	Path   string `json:"path"`
	Driver string `json:"driver"`
	Master bool   `json:"master"`
	Pipe   Pipe   `json:"pipe"`
}

// Device is an open DRM node qualified for capture.
type Device struct {
	conn     ioctler
	path     string
	driver   string
	master   bool
	pipe     Pipe
	planeIDs []uint32
	logger   *slog.Logger
}

// SelectOptions narrows device selection. Empty fields mean auto.
type SelectOptions struct {
	Device    string // explicit node path, skips preference order
	Connector string // connector name, e.g. "HDMI-A-1"
}

// ErrNoFramebuffer is returned when neither the CRTC nor any plane on
// the pipe currently references a framebuffer.
var ErrNoFramebuffer = errors.New("no framebuffer bound to pipe")

// Open opens one DRM node and gates it on the capture capabilities:
// dumb buffers and prime export. Master is attempted but not required;
// when the media player holds it the device stays usable in auxiliary
// mode and we must never steal it.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	d := &Device{
		conn:   &nodeConn{fd: fd, path: path},
		path:   path,
		logger: logging.GetLogger("drm"),
	}

	if err := d.qualify(); err != nil {
		d.conn.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) qualify() error {
	dumb, err := d.getCap(capDumbBuffer)
	if err != nil {
		return fmt.Errorf("%s: query dumb buffer cap: %w", d.path, err)
	}
	if dumb == 0 {
		return fmt.Errorf("%s: no dumb buffer support", d.path)
	}

	prime, err := d.getCap(capPrime)
	if err != nil {
		return fmt.Errorf("%s: query prime cap: %w", d.path, err)
	}
	if prime&primeCapExport == 0 {
		return fmt.Errorf("%s: no prime export support", d.path)
	}

	if err := d.conn.Ioctl(reqSetMaster, nil); err != nil {
		// Somebody (the player) holds master. Auxiliary access still
		// reads framebuffers as long as we run privileged.
		d.master = false
		d.logger.Debug("Master busy, staying auxiliary", "device", d.path, "error", err)
	} else {
		d.master = true
	}

	// Without this cap the kernel hides primary planes from
	// enumeration and the plane fallback scan sees nothing.
	clientCap := capReq{capability: clientCapUniversalPlanes, value: 1}
	if err := d.conn.Ioctl(reqSetClientCap, unsafe.Pointer(&clientCap)); err != nil {
		d.logger.Debug("Universal planes cap rejected", "device", d.path, "error", err)
	}

	d.driver = d.driverName()
	return nil
}

func (d *Device) getCap(cap uint64) (uint64, error) {
	req := capReq{capability: cap}
	if err := d.conn.Ioctl(reqGetCap, unsafe.Pointer(&req)); err != nil {
		return 0, err
	}
	return req.value, nil
}

// driverName fetches the kernel driver identity, best effort.
func (d *Device) driverName() string {
	var v drmVersion
	if err := d.conn.Ioctl(reqVersion, unsafe.Pointer(&v)); err != nil {
		return ""
	}
	if v.nameLen == 0 || v.nameLen > 64 {
		return ""
	}
	buf := make([]byte, v.nameLen)
	v.name = uint64(uintptr(unsafe.Pointer(&buf[0])))
	v.dateLen, v.descLen = 0, 0
	if err := d.conn.Ioctl(reqVersion, unsafe.Pointer(&v)); err != nil {
		return ""
	}
	return string(buf[:v.nameLen])
}

// ResolvePipe finds the connected connector (honoring an override
// name) and its active CRTC. Must run before the first capture.
func (d *Device) ResolvePipe(connector string) error {
	connIDs, err := d.connectorIDs()
	if err != nil {
		return fmt.Errorf("%s: enumerate connectors: %w", d.path, err)
	}

	var candidates []string
	for _, id := range connIDs {
		conn, err := d.getConnector(id)
		if err != nil {
			d.logger.Debug("Connector probe failed", "connector_id", id, "error", err)
			continue
		}
		name := connectorName(conn.connectorType, conn.typeID)
		if conn.connection != connectionConnected {
			continue
		}
		candidates = append(candidates, name)
		if connector != "" && !strings.EqualFold(connector, name) {
			continue
		}

		crtcID, err := d.crtcForConnector(conn)
		if err != nil {
			d.logger.Debug("No CRTC for connector", "connector", name, "error", err)
			continue
		}

		crtc, err := d.getCrtc(crtcID)
		if err != nil {
			continue
		}

		d.pipe = Pipe{
			CRTC:        crtcID,
			ConnectorID: id,
			Connector:   name,
		}
		if crtc.modeValid != 0 {
			d.pipe.Mode = Mode{
				Width:   int(crtc.mode.hdisplay),
				Height:  int(crtc.mode.vdisplay),
				Refresh: int(crtc.mode.vrefresh),
				Name:    cString(crtc.mode.name[:]),
			}
		}
		d.logger.Info("Capture pipe resolved",
			"device", d.path,
			"connector", name,
			"crtc", crtcID,
			"mode", d.pipe.Mode.Name,
			"master", d.master)
		return nil
	}

	if connector != "" {
		return fmt.Errorf("%s: connector %q not connected (connected: %s)",
			d.path, connector, strings.Join(candidates, ","))
	}
	return fmt.Errorf("%s: no connected connector", d.path)
}

// connectorIDs returns the card's connector IDs via the two-call array
// pattern. Hotplug can grow counts between the calls, so retry a few
// times the way libdrm does.
func (d *Device) connectorIDs() ([]uint32, error) {
	for range 3 {
		var res modeCardRes
		if err := d.conn.Ioctl(reqModeGetResources, unsafe.Pointer(&res)); err != nil {
			return nil, err
		}
		if res.countConns == 0 {
			return nil, nil
		}

		ids := make([]uint32, res.countConns)
		res = modeCardRes{
			connectorIDPtr: uint64(uintptr(unsafe.Pointer(&ids[0]))),
			countConns:     uint32(len(ids)),
		}
		if err := d.conn.Ioctl(reqModeGetResources, unsafe.Pointer(&res)); err != nil {
			return nil, err
		}
		if int(res.countConns) <= len(ids) {
			return ids[:res.countConns], nil
		}
	}
	return nil, errors.New("connector list kept changing")
}

func (d *Device) getConnector(id uint32) (*modeGetConnector, error) {
	// Counts only; mode details come from the CRTC.
	conn := modeGetConnector{connectorID: id}
	if err := d.conn.Ioctl(reqModeGetConnector, unsafe.Pointer(&conn)); err != nil {
		return nil, err
	}
	return &conn, nil
}

// crtcForConnector walks connector -> encoder -> CRTC.
func (d *Device) crtcForConnector(conn *modeGetConnector) (uint32, error) {
	if conn.encoderID == 0 {
		return 0, errors.New("connector has no active encoder")
	}
	enc := modeGetEncoder{encoderID: conn.encoderID}
	if err := d.conn.Ioctl(reqModeGetEncoder, unsafe.Pointer(&enc)); err != nil {
		return 0, err
	}
	if enc.crtcID == 0 {
		return 0, errors.New("encoder has no active CRTC")
	}
	return enc.crtcID, nil
}

func (d *Device) getCrtc(id uint32) (*modeCrtc, error) {
	crtc := modeCrtc{crtcID: id}
	if err := d.conn.Ioctl(reqModeGetCrtc, unsafe.Pointer(&crtc)); err != nil {
		return nil, err
	}
	return &crtc, nil
}

// Info reports the device identity for logs and the status API.
func (d *Device) Info() Info {
	return Info{
		Path:   d.path,
		Driver: d.driver,
		Master: d.master,
		Pipe:   d.pipe,
	}
}

// IsMaster reports whether this client holds DRM master.
func (d *Device) IsMaster() bool { return d.master }

// Path returns the node path the device was opened from.
func (d *Device) Path() string { return d.path }

// Pipe returns the resolved capture pipe.
func (d *Device) Pipe() Pipe { return d.pipe }

// Close drops master if held and closes the node.
func (d *Device) Close() error {
	if d.master {
		if err := d.conn.Ioctl(reqDropMaster, nil); err != nil {
			d.logger.Debug("Drop master failed", "device", d.path, "error", err)
		}
		d.master = false
	}
	return d.conn.Close()
}

// Select opens the best capture device. An explicit path wins;
// otherwise candidates are tried in preference order with the
// secondary node first, since that is the display controller driving
// the HDMI pipeline on the target SoCs.
func Select(opts SelectOptions) (*Device, error) {
	var paths []string
	if opts.Device != "" {
		paths = []string{opts.Device}
	} else {
		paths = CandidatePaths()
	}
	if len(paths) == 0 {
		return nil, errors.New("no DRM devices found under /dev/dri")
	}

	var failures []string
	for _, path := range paths {
		dev, err := Open(path)
		if err != nil {
			failures = append(failures, err.Error())
			continue
		}
		if err := dev.ResolvePipe(opts.Connector); err != nil {
			failures = append(failures, err.Error())
			dev.Close()
			continue
		}
		return dev, nil
	}
	return nil, fmt.Errorf("no usable capture device, tried %d: %s",
		len(paths), strings.Join(failures, "; "))
}

// CandidatePaths globs card nodes and sorts card1 ahead of card0, the
// order Select tries them in.
func CandidatePaths() []string {
	matches, err := filepath.Glob("/dev/dri/card[0-9]*")
	if err != nil || len(matches) == 0 {
		return nil
	}
	sort.Slice(matches, func(i, j int) bool {
		return candidateRank(matches[i]) < candidateRank(matches[j])
	})
	return matches
}

func candidateRank(path string) int {
	if strings.HasSuffix(path, "card1") {
		return -1
	}
	return 0
}

// IsGone reports whether err means the node vanished underneath us
// (driver unbind, hotplug). The caller should reselect a device.
func IsGone(err error) bool {
	return errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ENXIO)
}

// connectorName builds the familiar "HDMI-A-1" style name.
func connectorName(connectorType, typeID uint32) string {
	names := map[uint32]string{
		0:  "Unknown",
		1:  "VGA",
		2:  "DVI-I",
		3:  "DVI-D",
		4:  "DVI-A",
		5:  "Composite",
		6:  "SVIDEO",
		7:  "LVDS",
		8:  "Component",
		9:  "DIN",
		10: "DP",
		11: "HDMI-A",
		12: "HDMI-B",
		13: "TV",
		14: "eDP",
		15: "Virtual",
		16: "DSI",
		17: "DPI",
		18: "Writeback",
		19: "SPI",
		20: "USB",
	}
	name, ok := names[connectorType]
	if !ok {
		name = fmt.Sprintf("Connector%d", connectorType)
	}
	return fmt.Sprintf("%s-%d", name, typeID)
}

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
