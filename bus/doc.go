// Package bus provides raw CAN frame access behind a single capability
// interface.
//
// Adapters register themselves by name and are constructed through Open, so
// callers never branch on which hardware is attached:
//
//	b, err := bus.Open("slcan", bus.Config{Channel: "/dev/ttyACM0", Bitrate: 500000})
//	if err != nil {
//	    return err
//	}
//	defer b.Shutdown()
//
// Available adapters:
//
//   - socketcan: Linux raw CAN socket bound to an interface such as can0
//   - slcan: Lawicel ASCII protocol over a USB serial dongle
//   - virtual: in-process hub, every member sees the frames of the others
//
// Only classical CAN frames (up to 8 data bytes) are supported.
package bus
