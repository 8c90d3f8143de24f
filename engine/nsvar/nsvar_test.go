package nsvar

import (
	"expvar"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/netsync/engine/replication"
)

func TestBool(t *testing.T) {
	b := NewBool("TestBool")
	assert.Equal(t, false, b.Value())
	b.Set(true)
	assert.Equal(t, true, b.Value())
	b.Set(false)
	assert.Equal(t, false, b.Value())
}

func TestRecordTick(t *testing.T) {
	count, deltas := TickCount("count"), TickCount("deltas")
	RecordTick(replication.TickStats{Deltas: 3, Spawns: 1})
	RecordTick(replication.TickStats{Deltas: 2})
	assert.Equal(t, count+2, TickCount("count"))
	assert.Equal(t, deltas+5, TickCount("deltas"))
	assert.Equal(t, int64(0), TickCount("nothing"))
}

func TestPublishProcess(t *testing.T) {
	assert.Equal(t, nil, PublishProcess())
	assert.Equal(t, nil, PublishProcess())
	v := expvar.Get("Process")
	assert.NotEqual(t, nil, v)
	assert.T(t, strings.Contains(v.String(), strconv.Itoa(os.Getpid())), v.String())
}
