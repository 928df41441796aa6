// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package models

// ConnectionType is the transport the device is currently using.
type ConnectionType string

const (
	ConnectionWiFi          ConnectionType = "wifi"
	ConnectionCellular      ConnectionType = "cellular"
	ConnectionWiredEthernet ConnectionType = "wiredEthernet"
	ConnectionLoopback      ConnectionType = "loopback"
	ConnectionOther         ConnectionType = "other"
	ConnectionUnknown       ConnectionType = "unknown"
)

// NetworkStatus is a snapshot of the device connectivity.
type NetworkStatus struct {
	IsConnected    bool           `json:"isConnected"`
	ConnectionType ConnectionType `json:"connectionType"`
	IsExpensive    bool           `json:"isExpensive"`
	IsConstrained  bool           `json:"isConstrained"`
}

// Disconnected is the status reported before any signal was received.
var Disconnected = NetworkStatus{ConnectionType: ConnectionUnknown}

// ShouldAllowSync reports whether a sync run may start on this connection.
func (s NetworkStatus) ShouldAllowSync(allowCellular bool) bool {
	if !s.IsConnected {
		return false
	}

	return s.ConnectionType != ConnectionCellular || allowCellular
}

// Description renders the status for the offline banner and logs.
func (s NetworkStatus) Description() string {
	if !s.IsConnected {
		return "Offline"
	}

	var name string

	switch s.ConnectionType {
	case ConnectionWiFi:
		name = "Wi-Fi"
	case ConnectionCellular:
		name = "Cellular"
	case ConnectionWiredEthernet:
		name = "Ethernet"
	case ConnectionLoopback:
		name = "Loopback"
	case ConnectionOther:
		name = "Other network"
	default:
		name = "Connected"
	}

	if s.IsConstrained {
		name += " (low data)"
	} else if s.IsExpensive {
		name += " (metered)"
	}

	return name
}
