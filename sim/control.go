package sim

import (
	"github.com/Alia5/vhcibridge/usb"
)

// controlIn answers a device-to-host request on endpoint zero. ok=false
// stalls it.
func (d *simDevice) controlIn(p usb.SetupPacket) ([]byte, bool) {
	var data []byte
	switch {
	case p.BRequest == usb.ReqGetConfiguration && p.BMRequestType == usb.ReqTypeStandardFromDevice:
		d.mu.Lock()
		data = []byte{d.config}
		d.mu.Unlock()
	case p.BRequest == usb.ReqGetStatus && p.BMRequestType == usb.ReqTypeStandardFromDevice:
		data = []byte{0x00, 0x00}
	case p.BRequest == usb.ReqGetDescriptor && p.BMRequestType == usb.ReqTypeStandardFromDevice:
		desc := d.dev.GetDescriptor()
		index := uint8(p.WValue & 0xff)
		switch uint8(p.WValue >> 8) {
		case usb.DeviceDescType:
			data = desc.Bytes()
		case usb.ConfigDescType:
			data = desc.ConfigurationBytes()
		case usb.StringDescType:
			if index == 0 {
				data = []byte{4, usb.StringDescType, 0x09, 0x04}
			} else if s, ok := desc.Strings[index]; ok {
				data = usb.EncodeStringDescriptor(s)
			}
		}
		if data == nil {
			return nil, false
		}
	case p.BRequest == usb.ReqGetDescriptor && p.BMRequestType == usb.ReqTypeStandardFromInterface:
		desc := d.dev.GetDescriptor()
		iface := int(p.WIndex & 0xff)
		if iface >= len(desc.Interfaces) {
			return nil, false
		}
		switch uint8(p.WValue >> 8) {
		case usb.HIDDescType:
			data = desc.Interfaces[iface].HIDDescriptor
		case usb.ReportDescType:
			data = desc.Interfaces[iface].HIDReport
		}
		if len(data) == 0 {
			return nil, false
		}
	default:
		h, ok := d.dev.(usb.ControlHandler)
		if !ok {
			return nil, false
		}
		if data, ok = h.HandleControl(p, nil); !ok {
			return nil, false
		}
	}
	if int(p.WLength) < len(data) {
		data = data[:p.WLength]
	}
	return data, true
}

// controlOut applies a host-to-device request on endpoint zero.
func (d *simDevice) controlOut(p usb.SetupPacket, out []byte) bool {
	if p.BMRequestType == usb.ReqTypeStandardToDevice {
		switch p.BRequest {
		case usb.ReqSetAddress:
			d.mu.Lock()
			d.setAddress = uint8(p.WValue)
			d.mu.Unlock()
			return true
		case usb.ReqSetConfiguration:
			d.mu.Lock()
			d.config = uint8(p.WValue)
			d.mu.Unlock()
			return true
		case usb.ReqClearFeature, usb.ReqSetFeature:
			return true
		}
	}
	h, ok := d.dev.(usb.ControlHandler)
	if !ok {
		return false
	}
	_, ok = h.HandleControl(p, out)
	return ok
}
