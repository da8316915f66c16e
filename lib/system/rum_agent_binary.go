package system

import _ "embed"

// RumAgentBinary contains the embedded in-guest agent binary, cross-
// compiled for the guest's architecture by the build pipeline from
// cmd/rum-agent before this package is compiled.
//
//go:embed rum_agent/rum-agent
var RumAgentBinary []byte
