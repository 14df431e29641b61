package engine

import (
	"fmt"
	"strconv"
)

// SourceKind distinguishes the two kinds of capturable source.
type SourceKind int

const (
	// SourceBrowserView is a browser view's tab audio, handed over by the
	// view host process.
	SourceBrowserView SourceKind = iota

	// SourceExternalDevice is an OS-level audio input (microphone, virtual
	// cable).
	SourceExternalDevice
)

// String returns the control-surface name of the kind.
func (k SourceKind) String() string {
	switch k {
	case SourceBrowserView:
		return "browserView"
	case SourceExternalDevice:
		return "externalDevice"
	default:
		return "unknown"
	}
}

// SourceKey identifies one source in the registry. View ids and device ids
// live in separate keyspaces: view 5 and a device named "5" are different
// sources. Construct keys with [BrowserViewKey] or [ExternalDeviceKey].
type SourceKey struct {
	Kind SourceKind

	// ViewID identifies a browser view; meaningful when Kind is
	// [SourceBrowserView].
	ViewID int

	// DeviceID is the OS device name; meaningful when Kind is
	// [SourceExternalDevice].
	DeviceID string
}

// BrowserViewKey returns the registry key for a browser view source.
func BrowserViewKey(viewID int) SourceKey {
	return SourceKey{Kind: SourceBrowserView, ViewID: viewID}
}

// ExternalDeviceKey returns the registry key for an external device source.
func ExternalDeviceKey(deviceID string) SourceKey {
	return SourceKey{Kind: SourceExternalDevice, DeviceID: deviceID}
}

// String returns a log-friendly form like "view:5" or "device:mic-1".
func (k SourceKey) String() string {
	switch k.Kind {
	case SourceBrowserView:
		return "view:" + strconv.Itoa(k.ViewID)
	case SourceExternalDevice:
		return "device:" + k.DeviceID
	default:
		return fmt.Sprintf("unknown:%d:%s", k.ViewID, k.DeviceID)
	}
}

// EventKind classifies diagnostic events surfaced by the pipeline.
type EventKind int

const (
	// EventCaptureFailed is emitted when a capture acquisition is rejected.
	// The source never became active.
	EventCaptureFailed EventKind = iota

	// EventTransportClosed is emitted once per transport connection when the
	// connection is observed closed.
	EventTransportClosed
)

// String returns the human-readable event name.
func (k EventKind) String() string {
	switch k {
	case EventCaptureFailed:
		return "captureFailed"
	case EventTransportClosed:
		return "transportClosed"
	default:
		return "unknown"
	}
}

// Event is a diagnostic notification delivered to the handler registered
// with [WithEventHandler]. Events are observability, not control flow: the
// pipeline has already degraded gracefully by the time one fires.
type Event struct {
	Kind EventKind

	// Source identifies the failed source for [EventCaptureFailed].
	Source SourceKey

	// Err is the acquisition failure cause for [EventCaptureFailed].
	Err error

	// Code and Reason carry the close status for [EventTransportClosed].
	Code   int
	Reason string
}
