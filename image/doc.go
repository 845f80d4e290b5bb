// Package image turns a raw firmware binary into the list of regions that
// need programming.
//
// The image carries no header: byte N of the file belongs at flash base + N.
// Erased flash reads back as the fill byte (0xFF), so windows consisting only
// of fill bytes are skipped and never sent to the device. Fill detection works
// per window, not per byte: one non-fill byte makes the whole window data.
//
// Basic usage:
//
//	blocks, err := image.Load("firmware.bin", image.DefaultStride)
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("%d blocks, %d bytes\n", len(blocks), image.TotalBytes(blocks))
package image
