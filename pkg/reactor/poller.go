package reactor

// poller reports one-shot read readiness for registered descriptors.
type poller interface {
	// add registers fd without arming it.
	add(fd int) error
	// arm requests a single readiness notification for fd.
	arm(fd int) error
	// remove unregisters fd. It must be called before fd is closed.
	remove(fd int) error
	// wait blocks until at least one event or a wake-up and calls ready for
	// each readable descriptor.
	wait(ready func(fd int)) error
	// wake interrupts a blocked wait.
	wake() error
	// close releases the poller. wait must not be running.
	close() error
}
