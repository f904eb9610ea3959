package backup

import (
	"context"

	"github.com/digitalocean/go-qemu/qmp"
)

// Events delivers monitor events to callback until ctx ends or the stream
// closes.
func Events(ctx context.Context, monitor qmp.Monitor, callback func(qmp.Event)) error {
	stream, err := monitor.Events(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			log.Debug("Returning from event loop...")
			return nil
		case e, ok := <-stream:
			if !ok {
				log.Debug("Event loop stream is closed. Exiting...")
				return nil
			}
			callback(e)
		}
	}
}

// Event names the driver reacts to.
const (
	EventShutdown     = "SHUTDOWN"
	EventStop         = "STOP"
	EventResume       = "RESUME"
	EventBlockIOError = "BLOCK_IO_ERROR"
)
