// Package model holds the plain data types that flow through the
// ingestion-and-enrichment pipeline: the wire-level report a browser
// submits, the signals the server attaches, and the enriched record that
// is ultimately persisted.
package model

import "time"

// Size bounds enforced at parse time (never truncated, rejected outright).
const (
	MaxMouseSamples  = 100
	MaxScrollSamples = 50
	MaxClickSamples  = 20
)

// SessionReport is the transport-level payload submitted by a browser.
type SessionReport struct {
	SessionID  string         `json:"sessionId"`
	Timestamp  time.Time      `json:"timestamp"`
	Nonce      string         `json:"nonce"`
	Network    NetworkReport  `json:"network"`
	Browser    BrowserReport  `json:"browser"`
	Behavioral BehavioralData `json:"behavioral"`
}

// NetworkReport is client-collected network-adjacent signal.
type NetworkReport struct {
	ConnectionType string `json:"connectionType,omitempty"`
	Downlink       float64 `json:"downlink,omitempty"`
}

// BrowserReport is client-collected device/browser fingerprinting input.
type BrowserReport struct {
	CanvasHash           string `json:"canvasHash,omitempty"`
	WebGLHash            string `json:"webglHash,omitempty"`
	AudioHash             string `json:"audioHash,omitempty"`
	FontListHash          string `json:"fontListHash,omitempty"`
	Platform              string `json:"platform,omitempty"`
	HardwareConcurrency    int    `json:"hardwareConcurrency,omitempty"`
	DeviceMemory           float64 `json:"deviceMemory,omitempty"`
	MaxTouchPoints         int    `json:"maxTouchPoints,omitempty"`
	UserAgent              string `json:"userAgent,omitempty"`
	Webdriver              bool   `json:"webdriver,omitempty"`
}

// BehavioralData is client-collected interaction telemetry, bounded in
// size per MaxMouseSamples/MaxScrollSamples/MaxClickSamples.
type BehavioralData struct {
	MouseSamples  []MousePoint  `json:"mouseSamples,omitempty"`
	ScrollSamples []ScrollPoint `json:"scrollSamples,omitempty"`
	ClickSamples  []ClickPoint  `json:"clickSamples,omitempty"`
	TimeOnPageMS  int64         `json:"timeOnPageMs,omitempty"`
	FocusChanges  int           `json:"focusChanges,omitempty"`
}

// MousePoint is a single mouse-movement sample.
type MousePoint struct {
	X, Y      float64
	TimestampMS int64
}

// ScrollPoint is a single scroll sample.
type ScrollPoint struct {
	DeltaY      float64
	TimestampMS int64
}

// ClickPoint is a single click sample.
type ClickPoint struct {
	X, Y        float64
	TimestampMS int64
}

// Within reports whether all bounded sub-collections are within their caps.
func (b BehavioralData) Within() bool {
	return len(b.MouseSamples) <= MaxMouseSamples &&
		len(b.ScrollSamples) <= MaxScrollSamples &&
		len(b.ClickSamples) <= MaxClickSamples
}

// ServerSignals is constructed server-side on receipt of a report.
type ServerSignals struct {
	HashedIP    string
	JA3         string // empty string means "None": no TLS metadata surfaced
	Headers     map[string]string
}

// Session combines a report with the server-side signals attached to it.
// It is ephemeral, owned by the orchestrator until persisted.
type Session struct {
	Report    SessionReport
	Signals   ServerSignals
	ReceivedAt time.Time
}
