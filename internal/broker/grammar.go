package broker

import "regexp"

// Overlay protocol grammar: the chat-frame payloads a Client exchanges with
// the broker, layered on top of the relay's plain directed-message and
// system-reply framing.
var (
	reMessageFrom    = regexp.MustCompile(`^(\S+) >> (.+)$`)
	reConfirmRequest = regexp.MustCompile(`^(accept|reject) request ([0-9]+ )?\{(.+)\}$`)
	reResponse       = regexp.MustCompile(`^response ([0-9]+) (.+) \{(.*)\}$`)
	reNotifyAssign   = regexp.MustCompile(`^notify assign request ([0-9]+) to (\S+)$`)
	reNotifyState    = regexp.MustCompile(`^notify (\S+) state (idle|busy)$`)
	reNotifyCapacity = regexp.MustCompile(`^notify capacity ([0-9]+) ?(.*)$`)
	reConfirmProto   = regexp.MustCompile(`^(accept|reject) protocol (.+)$`)
)

// stringifyRequest builds the "request {cmd}[ with options]" payload sent to
// the broker for a new task.
func stringifyRequest(command, options string) string {
	out := "request {" + command + "}"
	if options != "" {
		out += " with " + options
	}
	return out
}
