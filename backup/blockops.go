// blockops.go contains low-level QMP operations for block devices and
// the guest run state.

package backup

import (
	"fmt"
	"slices"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/tidwall/gjson"
)

// Device is a block device with a medium inserted, as reported by
// query-block.
type Device struct {
	Name     string
	NodeName string
	File     string
	Format   string
	Size     uint64
	ReadOnly bool
}

// QueryDevices lists the guest's block devices. Devices without a medium,
// such as an empty cdrom, are skipped.
func QueryDevices(monitor qmp.Monitor) ([]Device, error) {
	raw, err := RunQMPAndLog(monitor, BuildQueryBlockJSON())
	if err != nil {
		return nil, err
	}
	var devices []Device
	for _, device := range gjson.GetBytes(raw, "return").Array() {
		inserted := device.Get("inserted")
		if !inserted.Exists() {
			log.Debug("skipping device without medium", "device", device.Get("device").String())
			continue
		}
		devices = append(devices, Device{
			Name:     device.Get("device").String(),
			NodeName: inserted.Get("node-name").String(),
			File:     inserted.Get("file").String(),
			Format:   inserted.Get("image.format").String(),
			Size:     inserted.Get("image.virtual-size").Uint(),
			ReadOnly: inserted.Get("ro").Bool(),
		})
	}
	return devices, nil
}

// SelectDevices picks the named devices, in the order given. An empty
// list selects every writable device.
func SelectDevices(devices []Device, names []string) ([]Device, error) {
	if len(names) == 0 {
		var out []Device
		for _, d := range devices {
			if !d.ReadOnly {
				out = append(out, d)
			}
		}
		return out, nil
	}
	out := make([]Device, 0, len(names))
	for _, name := range names {
		i := slices.IndexFunc(devices, func(d Device) bool { return d.Name == name })
		if i < 0 {
			return nil, fmt.Errorf("device %s not found or has no medium. Is -device parameter set correctly?", name)
		}
		out = append(out, devices[i])
	}
	return out, nil
}

// Pause stops the guest's vCPUs.
func Pause(monitor qmp.Monitor) error {
	_, err := RunQMPAndLog(monitor, BuildStopJSON())
	return err
}

// Resume restarts the guest's vCPUs.
func Resume(monitor qmp.Monitor) error {
	_, err := RunQMPAndLog(monitor, BuildContJSON())
	return err
}

// Status returns the guest run state, e.g. "running" or "paused".
func Status(monitor qmp.Monitor) (string, error) {
	raw, err := RunQMPAndLog(monitor, BuildQueryStatusJSON())
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(raw, "return.status").String(), nil
}
