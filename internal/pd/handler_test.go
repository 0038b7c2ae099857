// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package pd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/osdp-gateway/internal/pd/model"
	"github.com/ffutop/osdp-gateway/osdp"
	"github.com/ffutop/osdp-gateway/osdp/payload"
)

func TestBasicHandler(t *testing.T) {
	h := NewBasicHandler(model.NewStore(testConfig()), 3)

	tests := []struct {
		name string
		cmd  payload.Command
		want payload.Reply
		nak  osdp.ErrorCode
	}{
		{"identification", payload.IDRequest{}, testConfig().Identification(), 0},
		{"led", payload.LEDControls{}, payload.Ack{}, 0},
		{"output on", payload.OutputControls{Controls: []payload.OutputControl{{Output: 2, Control: 2}}},
			payload.OutputStatus{Outputs: []byte{0, 0, 1}}, 0},
		{"temporary on", payload.OutputControls{Controls: []payload.OutputControl{{Output: 0, Control: 5, Timer: 10}}},
			payload.OutputStatus{Outputs: []byte{1, 0, 1}}, 0},
		{"output off", payload.OutputControls{Controls: []payload.OutputControl{{Output: 2, Control: 1}}},
			payload.OutputStatus{Outputs: []byte{1, 0, 0}}, 0},
		{"no such output", payload.OutputControls{Controls: []payload.OutputControl{{Output: 3, Control: 2}}},
			nil, osdp.ErrorUnableToProcessCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := h.Handle(tt.cmd)
			if tt.nak != 0 {
				var nak *osdp.NakError
				require.ErrorAs(t, err, &nak)
				assert.Equal(t, tt.nak, nak.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, r)
		})
	}

	h.SetTamper(true)
	r, err := h.Handle(payload.LocalStatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, payload.LocalStatus{Tamper: true}, r)

	_, err = h.Handle(payload.InputStatusRequest{})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestCapabilitiesReceiveBuffer(t *testing.T) {
	h := NewBasicHandler(model.NewStore(testConfig()), 2)
	r, err := h.Handle(payload.CapabilitiesRequest{})
	require.NoError(t, err)
	caps, ok := r.(payload.DeviceCapabilities)
	require.True(t, ok)

	c, ok := caps.Find(payload.CapabilityReceiveBufferSize)
	require.True(t, ok)
	assert.Equal(t, maxCommandSize, int(c.Compliance)|int(c.Number)<<8, "size is sent LSB first")
}
