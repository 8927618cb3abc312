package drm

import (
	"strings"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/smazurov/glowgrab/internal/logging"
)

// fakeConn scripts ioctl responses so selection and capture logic run
// without a real device.
type fakeConn struct {
	handle func(req uintptr, arg unsafe.Pointer) error
	closed bool
}

func (f *fakeConn) Ioctl(req uintptr, arg unsafe.Pointer) error { return f.handle(req, arg) }
func (f *fakeConn) Fd() uintptr                                 { return 99 }
func (f *fakeConn) Close() error                                { f.closed = true; return nil }

func testDevice(handle func(req uintptr, arg unsafe.Pointer) error) *Device {
	return &Device{
		conn:   &fakeConn{handle: handle},
		path:   "/dev/dri/card1",
		logger: logging.GetLogger("drm"),
	}
}

func TestQualifyCapabilityGate(t *testing.T) {
	tests := []struct {
		name    string
		dumb    uint64
		prime   uint64
		wantErr string
	}{
		{"all caps", 1, primeCapExport | primeCapImport, ""},
		{"no dumb buffers", 0, primeCapExport, "no dumb buffer support"},
		{"no prime export", 1, primeCapImport, "no prime export support"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDevice(func(req uintptr, arg unsafe.Pointer) error {
				switch req {
				case reqGetCap:
					c := (*capReq)(arg)
					switch c.capability {
					case capDumbBuffer:
						c.value = tt.dumb
					case capPrime:
						c.value = tt.prime
					}
					return nil
				case reqSetMaster, reqSetClientCap, reqVersion:
					return nil
				}
				t.Fatalf("unexpected ioctl %#x", req)
				return nil
			})

			err := d.qualify()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("qualify() = %v, want nil", err)
				}
				if !d.master {
					t.Error("master should be held when SET_MASTER succeeds")
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("qualify() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestQualifyAuxiliaryWhenMasterBusy(t *testing.T) {
	d := testDevice(func(req uintptr, arg unsafe.Pointer) error {
		switch req {
		case reqGetCap:
			c := (*capReq)(arg)
			c.value = 1
			if c.capability == capPrime {
				c.value = primeCapExport
			}
			return nil
		case reqSetMaster:
			// The player owns the device.
			return unix.EPERM
		case reqSetClientCap, reqVersion:
			return nil
		}
		return nil
	})

	if err := d.qualify(); err != nil {
		t.Fatalf("qualify() = %v, want nil", err)
	}
	if d.master {
		t.Error("device must stay auxiliary when master is refused")
	}
}

// scriptedCard fakes a card with one disconnected DP and one connected
// HDMI connector wired through an encoder to CRTC 40 at 1920x1080.
func scriptedCard(t *testing.T) func(req uintptr, arg unsafe.Pointer) error {
	t.Helper()
	return func(req uintptr, arg unsafe.Pointer) error {
		switch req {
		case reqModeGetResources:
			res := (*modeCardRes)(arg)
			if res.connectorIDPtr == 0 {
				res.countConns = 2
				return nil
			}
			ids := unsafe.Slice((*uint32)(unsafe.Pointer(uintptr(res.connectorIDPtr))), res.countConns)
			ids[0], ids[1] = 30, 31
			res.countConns = 2
			return nil
		case reqModeGetConnector:
			conn := (*modeGetConnector)(arg)
			switch conn.connectorID {
			case 30:
				conn.connectorType = 10 // DP
				conn.typeID = 1
				conn.connection = connectionDisconnected
			case 31:
				conn.connectorType = 11 // HDMI-A
				conn.typeID = 1
				conn.connection = connectionConnected
				conn.encoderID = 35
			}
			return nil
		case reqModeGetEncoder:
			enc := (*modeGetEncoder)(arg)
			enc.crtcID = 40
			return nil
		case reqModeGetCrtc:
			crtc := (*modeCrtc)(arg)
			crtc.fbID = 77
			crtc.modeValid = 1
			crtc.mode.hdisplay = 1920
			crtc.mode.vdisplay = 1080
			crtc.mode.vrefresh = 60
			copy(crtc.mode.name[:], "1920x1080")
			return nil
		}
		t.Fatalf("unexpected ioctl %#x", req)
		return nil
	}
}

func TestResolvePipe(t *testing.T) {
	d := testDevice(scriptedCard(t))

	if err := d.ResolvePipe(""); err != nil {
		t.Fatalf("ResolvePipe() = %v, want nil", err)
	}

	pipe := d.Pipe()
	if pipe.CRTC != 40 {
		t.Errorf("CRTC = %d, want 40", pipe.CRTC)
	}
	if pipe.Connector != "HDMI-A-1" {
		t.Errorf("Connector = %q, want HDMI-A-1", pipe.Connector)
	}
	if pipe.Mode.Width != 1920 || pipe.Mode.Height != 1080 || pipe.Mode.Refresh != 60 {
		t.Errorf("Mode = %+v, want 1920x1080@60", pipe.Mode)
	}
	if pipe.Mode.Name != "1920x1080" {
		t.Errorf("Mode.Name = %q, want 1920x1080", pipe.Mode.Name)
	}
}

func TestResolvePipeConnectorOverride(t *testing.T) {
	tests := []struct {
		name      string
		connector string
		wantErr   bool
	}{
		{"matching override", "HDMI-A-1", false},
		{"case insensitive", "hdmi-a-1", false},
		{"wrong connector", "DP-1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDevice(scriptedCard(t))
			err := d.ResolvePipe(tt.connector)
			if (err != nil) != tt.wantErr {
				t.Errorf("ResolvePipe(%q) = %v, wantErr %v", tt.connector, err, tt.wantErr)
			}
		})
	}
}

func TestCandidateOrderPrefersSecondaryNode(t *testing.T) {
	for _, other := range []string{"/dev/dri/card0", "/dev/dri/card2", "/dev/dri/card10"} {
		if candidateRank("/dev/dri/card1") >= candidateRank(other) {
			t.Errorf("card1 should rank before %s", other)
		}
	}
}

func TestIsGone(t *testing.T) {
	if !IsGone(unix.ENODEV) {
		t.Error("ENODEV should mean the device vanished")
	}
	if IsGone(unix.EINVAL) {
		t.Error("EINVAL is not a vanished device")
	}
}

func TestConnectorName(t *testing.T) {
	tests := []struct {
		typ    uint32
		typeID uint32
		want   string
	}{
		{11, 1, "HDMI-A-1"},
		{10, 2, "DP-2"},
		{42, 1, "Connector42-1"},
	}
	for _, tt := range tests {
		if got := connectorName(tt.typ, tt.typeID); got != tt.want {
			t.Errorf("connectorName(%d, %d) = %q, want %q", tt.typ, tt.typeID, got, tt.want)
		}
	}
}

func TestFormatName(t *testing.T) {
	if got := FormatName(FormatXRGB8888); got != "XR24" {
		t.Errorf("FormatName(XRGB8888) = %q, want XR24", got)
	}
	if got := FormatName(0x00000001); !strings.Contains(got, "?") {
		t.Errorf("FormatName of unprintable code should use placeholders, got %q", got)
	}
}
