package logging

import (
	"github.com/google/uuid"
)

// Log is one application event record. Device and Toffset are stamped by the
// channel at enqueue time when the producer left them unset.
type Log struct {
	ID         uuid.UUID         `json:"id" msgpack:"id"`
	Type       string            `json:"type" msgpack:"type"`
	Toffset    int64             `json:"toffset" msgpack:"toffset"`
	Device     *Device           `json:"device,omitempty" msgpack:"device,omitempty"`
	Message    string            `json:"message,omitempty" msgpack:"message,omitempty"`
	Properties map[string]string `json:"properties,omitempty" msgpack:"properties,omitempty"`
}

// Device is the host/context snapshot attached to every log.
type Device struct {
	SDKName        string `json:"sdkName" msgpack:"sdk_name"`
	SDKVersion     string `json:"sdkVersion" msgpack:"sdk_version"`
	OSName         string `json:"osName" msgpack:"os_name"`
	OSArch         string `json:"osArch" msgpack:"os_arch"`
	OSVersion      string `json:"osVersion,omitempty" msgpack:"os_version,omitempty"`
	Hostname       string `json:"hostname" msgpack:"hostname"`
	Locale         string `json:"locale,omitempty" msgpack:"locale,omitempty"`
	TimeZoneOffset int    `json:"timeZoneOffset" msgpack:"tz_offset"`
	AppVersion     string `json:"appVersion,omitempty" msgpack:"app_version,omitempty"`
}

// LogContainer is the outbound request body for one batch.
type LogContainer struct {
	Logs []*Log `json:"logs"`
}

// Callback receives the single completion of a SendAsync call: nil on
// success, the failure otherwise.
type Callback func(err error)

// Sender ships log containers to the ingestion endpoint.
//
// SendAsync must not block on network I/O and must invoke cb exactly once.
type Sender interface {
	SendAsync(appID, batchID uuid.UUID, container *LogContainer, cb Callback)
	// Reopen makes a closed sender usable again.
	Reopen()
	Close() error
}

// GroupListener observes delivery results for the logs of one group.
type GroupListener interface {
	OnSuccess(log *Log)
	OnFailure(log *Log, err error)
}

// Listener is notified of every log enqueued into any group, before it is
// persisted, and may decorate it.
type Listener interface {
	OnEnqueuingLog(log *Log, group string)
}

// DeviceProvider returns the current device snapshot or an error when the
// platform metadata cannot be read.
type DeviceProvider interface {
	Device() (*Device, error)
}

// Clone returns a copy of the log that shares no mutable state with l.
func (l *Log) Clone() *Log {
	if l == nil {
		return nil
	}
	out := *l
	if l.Device != nil {
		d := *l.Device
		out.Device = &d
	}
	if l.Properties != nil {
		out.Properties = make(map[string]string, len(l.Properties))
		for k, v := range l.Properties {
			out.Properties[k] = v
		}
	}
	return &out
}
