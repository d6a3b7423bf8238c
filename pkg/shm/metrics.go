/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsCollector exports pool statistics to prometheus.
type StatsCollector struct {
	pool *Pool

	liveObjects *prometheus.Desc
	liveBytes   *prometheus.Desc
	usedBytes   *prometheus.Desc
	allocs      *prometheus.Desc
	frees       *prometheus.Desc
	arenaBytes  *prometheus.Desc
	stolenBytes *prometheus.Desc
	segments    *prometheus.Desc
}

// NewStatsCollector returns a collector reading p's counters on scrape.
func NewStatsCollector(p *Pool) *StatsCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("shmem_"+name, help, labels, nil)
	}
	return &StatsCollector{
		pool:        p,
		liveObjects: desc("live_objects", "Live objects in the pool."),
		liveBytes:   desc("live_bytes", "Bytes requested by live objects."),
		usedBytes:   desc("used_bytes", "Bytes used by live objects including overhead."),
		allocs:      desc("allocs_total", "Allocations since the pool was created."),
		frees:       desc("frees_total", "Frees since the pool was created."),
		arenaBytes:  desc("arena_bytes", "Bytes used per arena.", "arena"),
		stolenBytes: desc("stolen_bytes", "Bytes left unusable at segment ends."),
		segments:    desc("segments", "Attached segments."),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.liveObjects
	ch <- c.liveBytes
	ch <- c.usedBytes
	ch <- c.allocs
	ch <- c.frees
	ch <- c.arenaBytes
	ch <- c.stolenBytes
	ch <- c.segments
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s, err := c.pool.Stats()
	if err != nil {
		internalLogger.debugf("collect stats: %v", err)
		return
	}
	gauge := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	gauge(c.liveObjects, s.LiveObjects)
	gauge(c.liveBytes, s.LiveBytes)
	gauge(c.usedBytes, s.UsedBytes)
	ch <- prometheus.MustNewConstMetric(c.allocs, prometheus.CounterValue, float64(s.TotalAllocs))
	ch <- prometheus.MustNewConstMetric(c.frees, prometheus.CounterValue, float64(s.TotalFrees))
	for i, n := range s.ArenaBytes {
		gauge(c.arenaBytes, n, ArenaID(i).String())
	}
	gauge(c.stolenBytes, s.StolenBytes)
	gauge(c.segments, uint64(s.Segments))
}
