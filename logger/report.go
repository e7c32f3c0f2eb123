package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/sirupsen/logrus"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages atomic.Int64
	bytes    atomic.Int64
}

type levelStat struct {
	warns  atomic.Int64
	errors atomic.Int64
}

var (
	levels   sync.Map // component -> *levelStat
	channels sync.Map // channel name -> *channelStat
)

func recordLevel(component string, level logrus.Level) {
	v, _ := levels.LoadOrStore(component, &levelStat{})
	ls := v.(*levelStat)
	switch level {
	case logrus.WarnLevel:
		ls.warns.Add(1)
	case logrus.ErrorLevel:
		ls.errors.Add(1)
	}
}

// RecordChannelMessage counts one message of size bytes on the named flow,
// e.g. a websocket stream or a sink.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	cs.messages.Add(1)
	cs.bytes.Add(int64(size))
}

// StartReport logs a runtime report every interval until ctx ends.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

type levelCounts struct {
	Warns  int64 `json:"warns"`
	Errors int64 `json:"errors"`
}

func levelSnapshot() map[string]levelCounts {
	out := map[string]levelCounts{}
	levels.Range(func(k, v any) bool {
		ls := v.(*levelStat)
		out[k.(string)] = levelCounts{Warns: ls.warns.Load(), Errors: ls.errors.Load()}
		return true
	})
	return out
}

func channelSnapshot() map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		out[k.(string)] = map[string]int64{
			"messages": cs.messages.Load(),
			"bytes":    cs.bytes.Load(),
		}
		return true
	})
	return out
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	netStats, _ := gnet.IOCounters(false)

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	var memMB, diskMB float64
	if vm, err := mem.VirtualMemory(); err == nil {
		memMB = float64(vm.Used) / 1024 / 1024
	}
	if du, err := disk.Usage("/"); err == nil {
		diskMB = float64(du.Used) / 1024 / 1024
	}
	var bytesSent, bytesRecv uint64
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	levelData := levelSnapshot()
	channelData := channelSnapshot()

	var warns, errs, frames int64
	for _, lc := range levelData {
		warns += lc.Warns
		errs += lc.Errors
	}
	names := make([]string, 0, len(channelData))
	for name, stats := range channelData {
		names = append(names, name)
		frames += stats["messages"]
	}
	sort.Strings(names)

	log.WithComponent("report").WithFields(Fields{
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memMB),
		"disk_mb":        int64(diskMB),
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
		"levels":         levelData,
		"channels":       channelData,
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
		{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(diskMB)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		{MetricName: aws.String("Warnings"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(warns))},
		{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(errs))},
		{MetricName: aws.String("StreamFrames"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(frames))},
		{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	}
	for _, name := range names {
		stats := channelData[name]
		dims := []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("ChannelMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["messages"]))},
			cwtypes.MetricDatum{MetricName: aws.String("ChannelBytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(stats["bytes"]))},
		)
	}

	publishMetrics(ctx, data)
}
