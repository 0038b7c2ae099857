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

	"github.com/ffutop/osdp-gateway/osdp/payload"
)

// ErrFileTransferAborted is returned when the device reports a negative
// file transfer status.
var ErrFileTransferAborted = errors.New("acu: file transfer aborted by device")

const defaultFragmentSize = 128

// FileTransferProgress is called after every acknowledged fragment.
type FileTransferProgress func(sent, total int, status payload.FileTransferStatus)

// FileTransfer sends data to a device as a sequence of osdp_FILETRANSFER
// commands. Each fragment is queued only after the previous one was
// answered, so the bus keeps polling other devices in between. The device
// may shrink the fragment size and ask for a delay; once every byte is sent
// the transfer idles until the device stops reporting that it is finishing.
func (cp *ControlPanel) FileTransfer(ctx context.Context, id uuid.UUID, address byte, fileType byte, data []byte,
	fragmentSize int, progress FileTransferProgress) (payload.FileTransferStatus, error) {
	if fragmentSize <= 0 {
		fragmentSize = defaultFragmentSize
	}
	total := len(data)
	logger := cp.logger.With(zap.String("connection", id.String()), zap.Uint8("address", address))
	logger.Info("file transfer started", zap.Int("size", total), zap.Uint8("type", fileType))

	var st payload.FileTransferStatus
	offset := 0
	for offset < total {
		end := offset + fragmentSize
		if end > total {
			end = total
		}
		cmd := payload.FileTransfer{Type: fileType, Total: uint32(total), Offset: uint32(offset), Data: data[offset:end]}
		var err error
		if st, err = cp.fileTransferStep(ctx, id, address, cmd); err != nil {
			logger.Warn("file transfer failed", zap.Int("offset", offset), zap.Error(err))
			return st, err
		}
		offset = end
		if progress != nil {
			progress(offset, total, st)
		}
		if st.UpdateMsgMax > 0 && int(st.UpdateMsgMax) < fragmentSize {
			fragmentSize = int(st.UpdateMsgMax)
		}
		if err := wait(ctx, st.Delay); err != nil {
			return st, err
		}
	}

	for st.Status == payload.FileTransferFinishing {
		idle := payload.FileTransfer{Type: fileType, Total: uint32(total), Offset: uint32(total)}
		var err error
		if st, err = cp.fileTransferStep(ctx, id, address, idle); err != nil {
			return st, err
		}
		if err := wait(ctx, st.Delay); err != nil {
			return st, err
		}
	}
	logger.Info("file transfer finished", zap.Int16("status", st.Status))
	return st, nil
}

func (cp *ControlPanel) fileTransferStep(ctx context.Context, id uuid.UUID, address byte, cmd payload.FileTransfer) (payload.FileTransferStatus, error) {
	st, err := sendAs[payload.FileTransferStatus](ctx, cp, id, address, cmd)
	if err != nil {
		return st, err
	}
	if st.Status < 0 {
		return st, fmt.Errorf("%w: status %d", ErrFileTransferAborted, st.Status)
	}
	return st, nil
}

func wait(ctx context.Context, ms uint16) error {
	if ms == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
