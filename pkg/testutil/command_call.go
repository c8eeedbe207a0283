package testutil

import "time"

// CommandCall records an item command received by the mock server.
type CommandCall struct {
	Timestamp time.Time
	Item      string
	Command   string
}

// FilterCommands returns the commands sent to item.
func FilterCommands(calls []CommandCall, item string) []CommandCall {
	var filtered []CommandCall
	for _, call := range calls {
		if call.Item == item {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// LastCommand returns the most recent command sent to item, or nil.
func LastCommand(calls []CommandCall, item string) *CommandCall {
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Item == item {
			call := calls[i]
			return &call
		}
	}
	return nil
}
