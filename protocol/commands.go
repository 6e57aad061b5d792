package protocol

import "errors"

// Sub-commands of TypeCntl.
const (
	CntlResetEC        byte = 0x00
	CntlSelfTest       byte = 0x01
	CntlNoop           byte = 0x02
	CntlGetSpecVersion byte = 0x10
	CntlGetFirmware    byte = 0x15
)

// Sub-commands of TypeSys.
const (
	SysGetStatus            byte = 0x00
	SysConfigEventReporting byte = 0x01
	SysAckStatus            byte = 0x02
	SysConfigWake           byte = 0xfd
)

// Bits of the SYS event reporting mask.
const (
	SysEventLidSwitch   uint32 = 1 << 1
	SysEventPowerButton uint32 = 1 << 15
)

// Sub-commands of TypeSleep.
const (
	SleepGlobalEvents byte = 0x00
	SleepAPPowerDown  byte = 0x01
	SleepAPSuspend    byte = 0x02
)

// NoopRequest is the ping the EC answers with an empty acknowledgement.
func NoopRequest() []byte { return []byte{byte(TypeCntl), CntlNoop} }

// FirmwareVersionRequest asks for the EC firmware revision.
func FirmwareVersionRequest() []byte { return []byte{byte(TypeCntl), CntlGetFirmware} }

// GlobalEventsRequest turns asynchronous event reporting on or off.
func GlobalEventsRequest(enable bool) []byte {
	var v byte
	if enable {
		v = 1
	}
	return []byte{byte(TypeSleep), SleepGlobalEvents, v}
}

// SysEventMaskRequest enables or disables the SYS events in mask. The mask
// travels as bytes 2, 3, 0, 1 of its little-endian form.
func SysEventMaskRequest(enable bool, mask uint32) []byte {
	var v byte
	if enable {
		v = 1
	}
	return []byte{
		byte(TypeSys), SysConfigEventReporting, v,
		byte(mask >> 16), byte(mask >> 24), byte(mask), byte(mask >> 8),
	}
}

// APSuspendRequest tells the EC the application processor is suspending.
func APSuspendRequest() []byte { return []byte{byte(TypeSleep), SleepAPSuspend} }

// APPowerDownRequest asks the EC to cut power.
func APPowerDownRequest() []byte { return []byte{byte(TypeSleep), SleepAPPowerDown} }

// FirmwareVersion is the decoded answer to FirmwareVersionRequest.
type FirmwareVersion struct {
	Major, Minor     uint8
	HWMajor, HWMinor uint8
}

// ErrShortReply reports a reply without the expected fields.
var ErrShortReply = errors.New("short_reply")

// ParseFirmwareVersion decodes [0x07, len, 0x15, status, maj, min, hwmaj, hwmin].
func ParseFirmwareVersion(frame []byte) (FirmwareVersion, error) {
	if len(frame) < 8 || frame[2] != CntlGetFirmware {
		return FirmwareVersion{}, ErrShortReply
	}
	return FirmwareVersion{
		Major:   frame[4],
		Minor:   frame[5],
		HWMajor: frame[6],
		HWMinor: frame[7],
	}, nil
}

// Ack builds a bare response frame [type, 2, subcmd, status].
func Ack(t MsgType, sub, status byte) []byte {
	return []byte{byte(t), 2, sub, status}
}
