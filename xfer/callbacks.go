package xfer

import (
	"time"
)

// Callbacks provides hooks for transfer events. This is the UI/progress
// sink every protocol driver reports into. All callbacks are optional -
// nil callbacks use default behavior.
type Callbacks struct {
	// OnFilePrompt is called when a file transfer is about to start.
	// Return true to accept the file, false to refuse it. The Zmodem
	// receiver skips a refused file with ZSKIP and goes on with the
	// batch; the Ymodem and Kermit receivers end the transfer with a
	// KindFileSkipped error.
	// If an error is returned, the transfer is aborted.
	OnFilePrompt func(filename string, size int64, mode uint32) (bool, error)

	// OnProgress is called periodically during file transfer.
	// filename: name of the file being transferred
	// transferred: bytes transferred so far
	// total: total bytes to transfer (-1 if unknown)
	// rate: transfer rate in bytes per second
	OnProgress func(filename string, transferred, total int64, rate float64)

	// OnFileStart is called when a file transfer starts.
	OnFileStart func(filename string, size int64)

	// OnFileComplete is called when a file transfer completes.
	// duration: time taken for the transfer
	OnFileComplete func(filename string, bytesTransferred int64, duration time.Duration)

	// OnStatus is called when the session status string changes.
	OnStatus func(status string)

	// OnMessage is called for every info or error line added to the
	// session log.
	OnMessage func(msg Message)
}

// DefaultCallbacks returns a set of callbacks with default implementations.
func DefaultCallbacks() *Callbacks {
	return &Callbacks{
		OnFilePrompt: func(string, int64, uint32) (bool, error) {
			return true, nil // Accept all files by default
		},
		OnProgress:     func(string, int64, int64, float64) {},
		OnFileStart:    func(string, int64) {},
		OnFileComplete: func(string, int64, time.Duration) {},
		OnStatus:       func(string) {},
		OnMessage:      func(Message) {},
	}
}

// MergeCallbacks merges user callbacks with defaults.
// User callbacks override defaults, nil callbacks use defaults.
func MergeCallbacks(user *Callbacks) *Callbacks {
	if user == nil {
		return DefaultCallbacks()
	}

	result := DefaultCallbacks()
	if user.OnFilePrompt != nil {
		result.OnFilePrompt = user.OnFilePrompt
	}
	if user.OnProgress != nil {
		result.OnProgress = user.OnProgress
	}
	if user.OnFileStart != nil {
		result.OnFileStart = user.OnFileStart
	}
	if user.OnFileComplete != nil {
		result.OnFileComplete = user.OnFileComplete
	}
	if user.OnStatus != nil {
		result.OnStatus = user.OnStatus
	}
	if user.OnMessage != nil {
		result.OnMessage = user.OnMessage
	}
	return result
}
