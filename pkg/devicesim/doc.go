// Package devicesim emulates speaker firmware on the device websocket.
//
// A simulated device decodes session-token frames, drains a virtual playback
// buffer at a fixed byte rate, reports its occupancy and acknowledges end
// markers the way the firmware does.
package devicesim
