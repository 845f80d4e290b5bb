// Package isotp implements the ISO 15765-2 transport protocol on top of a
// bus.Bus.
//
// A Stack turns CAN frames into diagnostic messages of up to 4095 bytes. It
// segments outgoing messages into single, first and consecutive frames
// following the receiver's flow control (block size, separation time, WAIT
// and overflow), and reassembles incoming messages while answering first
// frames with its own flow control.
//
// Basic usage:
//
//	b, _ := bus.Open("socketcan", bus.Config{Channel: "can0"})
//	stack, err := isotp.NewStack(b, isotp.NewNormalFixed29Bit(0xF3, 0xF1), isotp.DefaultParams())
//	if err != nil {
//	    return err
//	}
//	defer stack.Close()
//
//	if err := stack.Send(ctx, []byte{0x10, 0x02}); err != nil {
//	    return err
//	}
//	resp, err := stack.Receive(ctx)
//
// Only classical CAN with 8-byte frames and lengths up to 4095 are supported.
package isotp
