package bridge

import "context"

// Driver moves events between the remote network and the reconciler while
// servicing the command stream. Both implementations share this contract;
// configuration picks one at startup.
//
// Run blocks until ctx is cancelled and returns nil on clean shutdown.
type Driver interface {
	Run(ctx context.Context, commands <-chan Envelope) error
}
