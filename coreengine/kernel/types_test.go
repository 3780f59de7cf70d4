package kernel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueType_String(t *testing.T) {
	assert.Equal(t, "RR", QueueRoundRobin.String())
	assert.Equal(t, "LCFS", QueueLCFS.String())
	assert.Equal(t, "BJF", QueueBJF.String())
	assert.Equal(t, "-", QueueUnassigned.String())
	assert.Equal(t, "-", QueueType(9).String())
}

func TestParseQueueType(t *testing.T) {
	tests := []struct {
		in      string
		want    QueueType
		wantErr bool
	}{
		{"rr", QueueRoundRobin, false},
		{"RR", QueueRoundRobin, false},
		{" round_robin ", QueueRoundRobin, false},
		{"1", QueueRoundRobin, false},
		{"lcfs", QueueLCFS, false},
		{"2", QueueLCFS, false},
		{"BJF", QueueBJF, false},
		{"3", QueueBJF, false},
		{"0", QueueUnassigned, true},
		{"fifo", QueueUnassigned, true},
		{"", QueueUnassigned, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseQueueType(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidQueue)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueueType_Valid(t *testing.T) {
	assert.False(t, QueueUnassigned.Valid())
	assert.True(t, QueueRoundRobin.Valid())
	assert.True(t, QueueLCFS.Valid())
	assert.True(t, QueueBJF.Valid())
	assert.False(t, QueueType(4).Valid())
}

func TestProcState_IsLive(t *testing.T) {
	for _, s := range AllStates {
		assert.Equal(t, s != StateUnused, s.IsLive(), string(s))
	}
}

func TestRef(t *testing.T) {
	assert.False(t, NoRef.Valid())

	p := &PCB{slot: 3, pid: 9}
	r := p.ref()
	assert.True(t, r.Valid())
	assert.True(t, r.is(p))
	assert.False(t, r.is(&PCB{slot: 3, pid: 10}), "slot reused by another pid")
	assert.False(t, r.is(nil))
	assert.False(t, NoRef.is(&PCB{slot: -1}))
}

func TestProcessInfo_JSON(t *testing.T) {
	info := ProcessInfo{PID: 3, Name: "sh", State: StateRunnable, Queue: QueueLCFS}

	data, err := json.Marshal(info)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "runnable", decoded["state"])
	assert.Equal(t, float64(2), decoded["queue"])
	assert.Contains(t, decoded, "rank_value")
}
