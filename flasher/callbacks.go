package flasher

import "time"

// Progress describes where a flash run is. Passed to ProgressCallback on
// every phase entry, chunk attempt, chunk completion and routine poll.
type Progress struct {
	// Phase is the phase being executed
	Phase Phase

	// Block is the 1-based block being transferred, 0 outside per-block phases
	Block int

	// TotalBlocks is the number of blocks in the image
	TotalBlocks int

	// Chunk is the 1-based chunk of the current block, 0 outside the transfer
	Chunk int

	// TotalChunks is the number of chunks of the current block
	TotalChunks int

	// Attempt is the attempt number of the current request (1 for the first)
	Attempt int

	// Poll is the poll number in erase-poll and verify-poll
	Poll int

	// Status is the last routine status byte, valid when Poll > 0 and HasStatus
	Status    byte
	HasStatus bool

	// Percentage is the completion percentage (0.0 to 100.0)
	Percentage float64

	// BytesWritten is the number of bytes accepted by the device so far
	BytesWritten int

	// TotalBytes is the number of bytes to transfer
	TotalBytes int

	// ElapsedTime is the time since Flash started
	ElapsedTime time.Duration
}

// ProgressCallback is called synchronously from Flash and should return
// quickly.
//
// Example:
//
//	f := flasher.New(client,
//	    flasher.WithProgressCallback(func(p flasher.Progress) {
//	        fmt.Printf("[%s] %.1f%% block %d/%d\n",
//	            p.Phase, p.Percentage, p.Block, p.TotalBlocks)
//	    }),
//	)
type ProgressCallback func(Progress)

// Logger is an optional logging interface. This allows integration with any
// logging framework; see the logging package for a zap adapter.
//
// Example with standard log package:
//
//	type StdLogger struct{}
//	func (l *StdLogger) Debug(msg string, kv ...interface{}) { log.Println(msg, kv) }
//	func (l *StdLogger) Info(msg string, kv ...interface{})  { log.Println(msg, kv) }
//	func (l *StdLogger) Error(msg string, kv ...interface{}) { log.Println(msg, kv) }
//
//	f := flasher.New(client, flasher.WithLogger(&StdLogger{}))
type Logger interface {
	// Debug logs a debug message with optional key-value pairs
	Debug(msg string, keysAndValues ...interface{})

	// Info logs an info message with optional key-value pairs
	Info(msg string, keysAndValues ...interface{})

	// Error logs an error message with optional key-value pairs
	Error(msg string, keysAndValues ...interface{})
}
