// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package serial

import (
	"fmt"
	"sort"

	bugst "go.bug.st/serial"
)

// ListPorts returns the names of the serial ports present on this host.
func ListPorts() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("could not list serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}
