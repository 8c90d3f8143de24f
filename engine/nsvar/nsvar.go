// Package nsvar publishes process counters through expvar, served at /debug/vars.
package nsvar

import (
	"expvar"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/process"
	"github.com/xiaonanln/netsync/engine/nslog"
	"github.com/xiaonanln/netsync/engine/replication"
)

// Bool is a boolean expvar
type Bool struct {
	val *expvar.Int
}

// NewBool publishes a Bool
func NewBool(name string) *Bool {
	return &Bool{
		val: expvar.NewInt(name),
	}
}

// Value returns the value
func (b *Bool) Value() bool {
	return b.val.Value() > 0
}

// Set sets the value
func (b *Bool) Set(v bool) {
	if v {
		b.val.Set(1)
	} else {
		b.val.Set(0)
	}
}

var (
	// AllPeersConnected tells if every configured peer is connected
	AllPeersConnected = NewBool("AllPeersConnected")
	// Entities is the number of entities of the session, replicas included
	Entities = expvar.NewInt("Entities")

	ticks = expvar.NewMap("Ticks")
)

// RecordTick adds the stats of one scheduler tick to the Ticks map
func RecordTick(stats replication.TickStats) {
	ticks.Add("count", 1)
	ticks.Add("inbound", int64(stats.Inbound))
	ticks.Add("deferred", int64(stats.Deferred))
	ticks.Add("spawns", int64(stats.Spawns))
	ticks.Add("despawns", int64(stats.Despawns))
	ticks.Add("deltas", int64(stats.Deltas))
}

// TickCount returns one counter of the Ticks map
func TickCount(key string) int64 {
	if v, ok := ticks.Get(key).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

var publishProcessOnce sync.Once

// PublishProcess publishes the cpu and memory usage of this process as Process.
// The usage is collected when /debug/vars is read.
func PublishProcess() (err error) {
	publishProcessOnce.Do(func() {
		var p *process.Process
		p, err = process.NewProcess(int32(os.Getpid()))
		if err != nil {
			err = errors.Wrap(err, "find own process")
			return
		}
		expvar.Publish("Process", expvar.Func(func() interface{} {
			return processStats(p)
		}))
	})
	return
}

func processStats(p *process.Process) map[string]interface{} {
	stats := map[string]interface{}{"pid": p.Pid}
	if pcnt, err := p.CPUPercent(); err == nil {
		stats["cpu_percent"] = pcnt
	} else {
		nslog.Debugf("nsvar: cpu percent: %v", err)
	}
	if mem, err := p.MemoryInfo(); err == nil {
		stats["rss"] = mem.RSS
		stats["vms"] = mem.VMS
	}
	if n, err := p.NumThreads(); err == nil {
		stats["threads"] = n
	}
	return stats
}
