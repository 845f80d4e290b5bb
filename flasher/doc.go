// Package flasher reprograms a controller's flash over a diagnostic session.
//
// # Overview
//
// A Flasher takes the blocks produced by the image package and drives the
// device through a fixed sequence of phases:
//
//	init -> session-programming -> reset -> erase-start -> erase-poll
//	     -> (download-request -> transfer -> transfer-exit) per block
//	     -> verify-start -> verify-poll -> session-default -> final-reset -> done
//
// Any phase may end the run in failed. The error returned by Flash is always
// a *PhaseError naming that phase.
//
// # Retry Policy
//
// Every request is classified into an Outcome: Success, Timeout, Rejected or
// Failed. A Policy says how many attempts a kind of request gets, how long to
// wait between them and which outcomes are worth another attempt:
//
//	p := flasher.DefaultPolicies()
//	p.Transfer = flasher.Policy{
//	    MaxAttempts: 5,
//	    Delay:       50 * time.Millisecond,
//	    Jitter:      100 * time.Millisecond,
//	    RetryOn:     flasher.RetryOnTimeout,
//	}
//	f := flasher.New(client, flasher.WithPolicies(p))
//
// By default only timeouts are retried, except RequestDownload which also
// retries rejections. A rejected TransferData is never retried: the device
// and the flasher would disagree on the sequence counter.
//
// Routine polls follow their own rule: each poll is preceded by the poll
// interval, and a poll that times out or is rejected only uses up one of the
// PollAttempts.
//
// # Chunking
//
// Each block is cut into chunks of min(device maximum, MaxChunkSize) bytes,
// numbered from 1. The device checks the low 8 bits of the number, so a block
// needing more than 255 chunks is refused before anything is sent; see
// image.Split for cutting large blocks.
//
// # Progress and Logging
//
// WithProgressCallback receives a Progress on every phase entry, chunk
// attempt, accepted chunk and poll. WithLogger takes any Logger; the logging
// package adapts zap.
package flasher
