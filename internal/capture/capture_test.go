// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package capture

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMarshal(t *testing.T) {
	id := uuid.MustParse("6f1c2d4e-8a9b-4c3d-9e0f-1a2b3c4d5e6f")
	rec := Record{
		ConnectionID: id,
		Direction:    Output,
		Time:         time.Unix(1700000000, 1234),
		Data:         []byte{0x53, 0x00, 0x08, 0x00, 0x04, 0x60, 0xEB, 0xAA},
	}
	b, err := rec.Marshal("osdpgw")
	require.NoError(t, err)

	var fields map[string]string
	require.NoError(t, json.Unmarshal(b, &fields))
	assert.Equal(t, map[string]string{
		"timeSec":      "1700000000",
		"timeNano":     "000001234",
		"io":           "output",
		"data":         "530008000460ebaa",
		"traceVersion": "1",
		"source":       "osdpgw",
		"connection":   id.String(),
	}, fields)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, rec.ConnectionID, got.ConnectionID)
	assert.Equal(t, rec.Direction, got.Direction)
	assert.True(t, rec.Time.Equal(got.Time))
	assert.Equal(t, rec.Data, got.Data)
}

func TestUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    []byte
		dir     Direction
		wantErr bool
	}{
		{
			name: "dashed data and upper case direction",
			line: `{"timeSec":"1","timeNano":"0","io":"INPUT","data":"53-00-08","traceVersion":"1","source":"x"}`,
			want: []byte{0x53, 0x00, 0x08},
			dir:  Input,
		},
		{
			name: "trace without connection",
			line: `{"timeSec":"1","timeNano":"5","io":"trace","data":"","traceVersion":"1","source":"x"}`,
			want: []byte{},
			dir:  Trace,
		},
		{name: "not json", line: `timeSec=1`, wantErr: true},
		{name: "bad seconds", line: `{"timeSec":"x","timeNano":"0","data":""}`, wantErr: true},
		{name: "bad hex", line: `{"timeSec":"1","timeNano":"0","data":"zz"}`, wantErr: true},
		{name: "bad connection", line: `{"timeSec":"1","timeNano":"0","data":"","connection":"nope"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Unmarshal([]byte(tt.line))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Data)
			assert.Equal(t, tt.dir, rec.Direction)
			assert.Equal(t, uuid.Nil, rec.ConnectionID)
		})
	}
}

func TestSinks(t *testing.T) {
	var buf bytes.Buffer
	var seen []Record
	sink := MultiSink{
		NewWriterSink(&buf, "test", nil),
		FuncSink(func(r Record) { seen = append(seen, r) }),
	}
	sink.Capture(Record{Direction: Input, Time: time.Unix(2, 0), Data: []byte{1, 2}})
	sink.Capture(Record{Direction: Output, Time: time.Unix(3, 0), Data: []byte{3}})

	assert.Len(t, seen, 2)
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	rec, err := Unmarshal(lines[1])
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, rec.Data)
	assert.Equal(t, Output, rec.Direction)
}
