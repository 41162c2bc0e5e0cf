package ll

import (
	ble "github.com/rigado/blell"
	"github.com/rigado/blell/ll/sched"
)

// schedExec runs scheduler items inside the controller's critical section.
type schedExec struct {
	ll *LinkLayer
}

func (e schedExec) RunAdv(h sched.Handle, it *sched.Item) sched.Result {
	e.ll.irq.Enter()
	defer e.ll.irq.Exit()
	return e.ll.advRun(it)
}

func (e schedExec) RunScan(h sched.Handle, it *sched.Item) sched.Result {
	e.ll.irq.Enter()
	defer e.ll.irq.Exit()
	return e.ll.scanRun(it)
}

func (e schedExec) RunConn(h sched.Handle, it *sched.Item) sched.Result {
	e.ll.irq.Enter()
	defer e.ll.irq.Exit()
	return e.ll.connRun(it)
}

// schedStatus is the HCI status for a command whose first schedule item
// could not be placed.
func schedStatus(err error) error {
	if err == sched.ErrPoolEmpty {
		return ble.ErrMemCapacity
	}
	return ble.ErrUnspecified
}
