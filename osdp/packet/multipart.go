// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package packet

import (
	"errors"
	"fmt"
	"sync"
)

// ErrFragmentOrder is returned for a fragment whose offset does not continue
// the data received so far.
var ErrFragmentOrder = errors.New("osdp: multi-part fragment out of order")

// Fragment is one piece of a multi-part message.
type Fragment struct {
	Whole  int
	Offset int
	Data   []byte
}

// Last reports whether f completes the message.
func (f Fragment) Last() bool {
	return f.Offset+len(f.Data) == f.Whole
}

// Split cuts payload into fragments of at most size bytes.
func Split(payload []byte, size int) []Fragment {
	if size <= 0 {
		size = len(payload)
	}
	if len(payload) == 0 {
		return []Fragment{{}}
	}
	var frags []Fragment
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		frags = append(frags, Fragment{
			Whole:  len(payload),
			Offset: off,
			Data:   payload[off:end],
		})
	}
	return frags
}

type assembly struct {
	whole int
	data  []byte
}

// Reassembler collects fragments per address until a message completes.
type Reassembler struct {
	mu      sync.Mutex
	pending map[byte]*assembly
}

func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[byte]*assembly)}
}

// Add records f for address. It returns the whole message once the last
// fragment arrives. A first fragment while a message is still pending is
// an overlap; call Reset to start over.
func (r *Reassembler) Add(address byte, f Fragment) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f.Whole < 0 || f.Offset < 0 || f.Offset+len(f.Data) > f.Whole {
		delete(r.pending, address)
		return nil, false, fmt.Errorf("%w: offset %d length %d exceeds whole %d", ErrFragmentOrder, f.Offset, len(f.Data), f.Whole)
	}

	a := r.pending[address]
	if f.Offset == 0 {
		if a != nil {
			delete(r.pending, address)
			return nil, false, fmt.Errorf("%w: offset 0 overlaps %d pending bytes", ErrFragmentOrder, len(a.data))
		}
		a = &assembly{whole: f.Whole, data: make([]byte, 0, f.Whole)}
		r.pending[address] = a
	}
	if a == nil {
		return nil, false, fmt.Errorf("%w: offset %d without a first fragment", ErrFragmentOrder, f.Offset)
	}
	if f.Whole != a.whole || f.Offset != len(a.data) {
		delete(r.pending, address)
		return nil, false, fmt.Errorf("%w: offset %d, expected %d", ErrFragmentOrder, f.Offset, len(a.data))
	}

	a.data = append(a.data, f.Data...)
	if len(a.data) < a.whole {
		return nil, false, nil
	}
	delete(r.pending, address)
	return a.data, true, nil
}

// Reset discards any partial message for address.
func (r *Reassembler) Reset(address byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, address)
}

// Pending reports whether a partial message exists for address.
func (r *Reassembler) Pending(address byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[address]
	return ok
}
