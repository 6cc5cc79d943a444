// Package broker implements the client-side broker adapter: a relay session
// that layers a task request/response/notification protocol on top of the
// chat relay's directed-message transport.
package broker

import (
	"fmt"
	"strings"
	"sync"
)

// State is a task's position in its monotone lifecycle. Values compare in
// ascending order, which WaitUntil relies on.
type State int

const (
	Unconfirmed State = iota
	Confirmed
	Assigned
	Completed
	Terminated
)

func (s State) String() string {
	switch s {
	case Unconfirmed:
		return "unconfirmed"
	case Confirmed:
		return "confirmed"
	case Assigned:
		return "assigned"
	case Completed:
		return "completed"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// TaskIDNone is the sentinel id of a task that was confirmed with a
// rejection, or has not yet been assigned one.
const TaskIDNone uint64 = ^uint64(0)

// Task is one outstanding request tracked by a Client. Callers receive a
// shared pointer from Request/Terminate and observe its fields change as the
// adapter processes broker traffic; all reads of mutable fields should go
// through the accessor methods, which take the task's own lock.
type Task struct {
	mu sync.Mutex

	id      uint64
	state   State
	command string
	code    int
	output  string
}

func newTask(command string) *Task {
	return &Task{id: TaskIDNone, state: Unconfirmed, command: command, code: -1}
}

// ID returns the broker-assigned identifier, or TaskIDNone before
// confirmation (or after a rejected confirmation).
func (t *Task) ID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Command returns the command string the task was submitted with.
func (t *Task) Command() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.command
}

// Code returns the integer result code reported by the broker's response, or
// -1 before completion (or when the task terminated instead).
func (t *Task) Code() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.code
}

// Output returns the task's output field. While Assigned it holds the
// assigned worker's name; while Completed it holds the response payload;
// while Terminated it holds the response's non-numeric code text (the
// payload is not kept). When decode is true, the wire escapes \\n, \\t, \\\\ are
// unescaped to their literal characters.
func (t *Task) Output(decode bool) string {
	t.mu.Lock()
	raw := t.output
	t.mu.Unlock()
	if !decode {
		return raw
	}
	return decodeOutput(raw)
}

// String renders the task in the source project's compact inspection format,
// varying by state.
func (t *Task) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case Unconfirmed:
		return fmt.Sprintf("? {%s}", t.command)
	case Confirmed:
		if t.id == TaskIDNone {
			return fmt.Sprintf("X {%s}", t.command)
		}
		return fmt.Sprintf("%d {%s}", t.id, t.command)
	case Assigned:
		return fmt.Sprintf("%d {%s} at %s", t.id, t.command, t.output)
	case Completed, Terminated:
		return fmt.Sprintf("%d {%s} %d {%s}", t.id, t.command, t.code, t.output)
	default:
		return fmt.Sprintf("%d:%d {%s} %d {%s}", t.id, t.state, t.command, t.code, t.output)
	}
}

// decodeOutput reverses the wire escaping applied to response/assign payloads:
// backslash-n, backslash-t and doubled backslashes become their literal
// characters. It makes a single left-to-right pass, so an escaped backslash
// followed by "n" (encoded as `\\n`) decodes to a backslash and an "n", not
// to a newline. Any other backslash is kept as is.
func decodeOutput(encoded string) string {
	var b strings.Builder
	for i := 0; i < len(encoded); i++ {
		if encoded[i] == '\\' && i+1 < len(encoded) {
			switch encoded[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case 't':
				b.WriteByte('\t')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(encoded[i])
	}
	return b.String()
}
