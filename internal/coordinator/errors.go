package coordinator

import (
	"fmt"
	"strings"
)

// DeviceError is one member's failure inside a fan-out.
type DeviceError struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	Detail string `json:"detail"`
}

func (e DeviceError) String() string {
	name := e.Name
	if name == "" {
		name = e.Host
	}
	return name + ": " + e.Detail
}

// CommandError reports a partially or fully failed group command. Every
// failing member is listed; successful members are not rolled back.
type CommandError struct {
	Command  string        `json:"command"`
	Total    int           `json:"total"`
	Failures []DeviceError `json:"failures"`
}

func (e *CommandError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	return fmt.Sprintf("%s failed on %d/%d devices: %s",
		e.Command, len(e.Failures), e.Total, strings.Join(parts, "; "))
}

// Aggregate folds fan-out outcomes into either nil (full success) or a
// *CommandError naming each failing device.
func Aggregate(command string, outcomes []Outcome) error {
	var failures []DeviceError
	for _, o := range outcomes {
		if o.Err == nil {
			continue
		}
		failures = append(failures, DeviceError{
			Name:   o.Device.Name,
			Host:   o.Device.Host,
			Detail: o.Err.Error(),
		})
	}
	if len(failures) == 0 {
		return nil
	}
	return &CommandError{Command: command, Total: len(outcomes), Failures: failures}
}
