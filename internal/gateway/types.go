// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package gateway ingests live connection snapshots from Clash/Surge-style
// proxy backends over WebSocket and converts their cumulative per-connection
// counters into additive traffic deltas.
package gateway

import "encoding/json"

// RawMetadata is the connection metadata block as Clash-family backends emit
// it. Backends differ in which fields they populate; defaults are applied at
// the ingestion boundary, not downstream.
type RawMetadata struct {
	Network         string `json:"network"`
	Type            string `json:"type"`
	SourceIP        string `json:"sourceIP"`
	DestinationIP   string `json:"destinationIP"`
	SourcePort      string `json:"sourcePort"`
	DestinationPort string `json:"destinationPort"`
	Host            string `json:"host"`
	SniffHost       string `json:"sniffHost"`
	ProcessPath     string `json:"processPath"`
}

// RawConnection is one entry of a /connections snapshot. Upload and Download
// are cumulative byte counters for the connection's lifetime.
type RawConnection struct {
	ID          string      `json:"id"`
	Metadata    RawMetadata `json:"metadata"`
	Upload      int64       `json:"upload"`
	Download    int64       `json:"download"`
	Start       string      `json:"start"`
	Chains      []string    `json:"chains"`
	Rule        string      `json:"rule"`
	RulePayload string      `json:"rulePayload"`
}

// Domain returns the best destination name for the connection: the sniffed
// host when present, else the dialed host, else empty.
func (c RawConnection) Domain() string {
	if c.Metadata.SniffHost != "" {
		return c.Metadata.SniffHost
	}
	return c.Metadata.Host
}

// Snapshot is one full /connections frame.
type Snapshot struct {
	DownloadTotal int64           `json:"downloadTotal"`
	UploadTotal   int64           `json:"uploadTotal"`
	Connections   []RawConnection `json:"connections"`
}

// rawFrame lets the collector distinguish a frame without a connections
// field (keepalive, ignored) from one whose connections field has an
// unexpected shape (warned about).
type rawFrame struct {
	DownloadTotal int64           `json:"downloadTotal"`
	UploadTotal   int64           `json:"uploadTotal"`
	Connections   json.RawMessage `json:"connections"`
}
