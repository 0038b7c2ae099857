// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package acu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ffutop/osdp-gateway/osdp"
	"github.com/ffutop/osdp-gateway/osdp/payload"
)

// Discovered is a device that answered a discovery probe.
type Discovered struct {
	Address        byte
	Identification payload.DeviceIdentification
}

// Discover probes the addresses from..to with osdp_ID using temporary
// sessions and returns the devices that answered. Addresses that already
// have a session are skipped. Cancelling ctx stops the scan after the
// probe in flight.
func (cp *ControlPanel) Discover(ctx context.Context, id uuid.UUID, from, to byte, useCRC bool) ([]Discovered, error) {
	b, err := cp.Bus(id)
	if err != nil {
		return nil, err
	}
	if to > osdp.MaxAddress {
		to = osdp.MaxAddress
	}
	// Long enough for the probe and its retry.
	probeTimeout := time.Duration(RetryBudget+1) * (b.cfg.ReplyTimeout + b.cfg.PollInterval)

	var found []Discovered
	for addr := int(from); addr <= int(to); addr++ {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		address := byte(addr)
		if _, busy := b.Session(address); busy {
			continue
		}
		s, err := NewDeviceSession(DeviceOptions{Address: address, UseCRC: useCRC}, cp.secureOpts...)
		if err != nil {
			return found, err
		}
		s.probe = true
		b.AddDevice(s)

		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		ident, err := cp.IDReport(pctx, id, address)
		cancel()
		b.RemoveDevice(address)

		switch {
		case err == nil:
			cp.logger.Info("device discovered", zap.String("connection", id.String()), zap.Uint8("address", address))
			found = append(found, Discovered{Address: address, Identification: ident})
		case errors.Is(err, ErrCommandDropped), errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		default:
			var nak *osdp.NakError
			if errors.As(err, &nak) {
				// Something is there, it just refuses osdp_ID.
				found = append(found, Discovered{Address: address})
				continue
			}
			if ctx.Err() != nil {
				return found, ctx.Err()
			}
			return found, fmt.Errorf("acu: discovery at %d: %w", address, err)
		}
	}
	return found, nil
}
