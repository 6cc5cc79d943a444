package broker

// Hooks receives upcalls as a Client processes broker traffic. Implementations
// embed DefaultHooks and override only the methods they care about.
type Hooks interface {
	// OnTaskConfirmed fires when the broker accepts or rejects a submitted
	// request. accepted is false on rejection, in which case task.ID() is
	// TaskIDNone.
	OnTaskConfirmed(task *Task, accepted bool)

	// OnTaskAssigned fires when the broker assigns a confirmed task to a
	// named worker.
	OnTaskAssigned(task *Task, worker string)

	// OnTaskCompleted fires when the broker reports a task's response. The
	// return value tells the Client whether to accept the response; false
	// demotes the task back to Unconfirmed and puts it back in the
	// unconfirmed list, where the broker's next matching confirmation picks
	// it up. No new request line is sent.
	OnTaskCompleted(task *Task) bool

	// OnIdleWorker fires on a "notify <worker> state idle" event.
	OnIdleWorker(worker string)

	// OnBusyWorker fires on a "notify <worker> state busy" event.
	OnBusyWorker(worker string)

	// OnCapacityChanged fires on a "notify capacity <n> <details>" event.
	OnCapacityChanged(capacity uint64, details string)
}

// DefaultHooks implements Hooks with no-op behavior, except OnTaskCompleted
// which accepts every response. Embed it in a concrete hook type and
// override only the callbacks that matter.
type DefaultHooks struct{}

func (DefaultHooks) OnTaskConfirmed(task *Task, accepted bool)         {}
func (DefaultHooks) OnTaskAssigned(task *Task, worker string)          {}
func (DefaultHooks) OnTaskCompleted(task *Task) bool                   { return true }
func (DefaultHooks) OnIdleWorker(worker string)                        {}
func (DefaultHooks) OnBusyWorker(worker string)                        {}
func (DefaultHooks) OnCapacityChanged(capacity uint64, details string) {}
