// Copyright 2019-present PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "tikv"
	raftstore = "raftstore"
	raft      = "raft"
)

var (
	RaftBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: raft,
			Name:      "batch_size",
			Buckets:   prometheus.ExponentialBuckets(1, 1.5, 20),
		})
	RaftDBUpdate = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: raft,
			Name:      "raft_db_update",
			Buckets:   prometheus.ExponentialBuckets(0.001, 1.5, 20),
		})
	KVDBUpdate = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: raft,
			Name:      "kv_db_update",
			Buckets:   prometheus.ExponentialBuckets(0.001, 1.5, 20),
		})
	RaftstoreRegionCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: raftstore,
			Name:      "region_count",
			Help:      "Number of regions collected in region_collector",
		}, []string{"type"})
	RaftDroppedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: raftstore,
			Name:      "raft_dropped_message_total",
			Help:      "Total number of raft dropped messages.",
		}, []string{"type"})
	RaftSentMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: raftstore,
			Name:      "raft_sent_message_total",
			Help:      "Total number of raft ready sent messages.",
		}, []string{"type"})
	RaftReadyHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: raftstore,
			Name:      "raft_ready_handled_total",
			Help:      "Total number of raft ready handled.",
		}, []string{"type"})
	ProposalCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: raftstore,
			Name:      "proposal_total",
			Help:      "Total number of proposal made.",
		}, []string{"type"})
	AdminCmdCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: raftstore,
			Name:      "admin_cmd_total",
			Help:      "Total number of admin cmd processed.",
		}, []string{"type", "status"})
	RaftInvalidProposal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: raftstore,
			Name:      "raft_invalid_proposal_total",
			Help:      "Total number of raft invalid proposal.",
		}, []string{"type"})
	RaftEventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: raftstore,
			Name:      "event_duration",
			Help:      "Duration of raft store events.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 1.59, 20),
		}, []string{"type"})
	RequestWaitTimeDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: raftstore,
			Name:      "request_wait_time_duration_secs",
			Help:      "Bucketed histogram of request wait time duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		})
	PeerAppendLogHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: raftstore,
			Name:      "append_log_duration_seconds",
			Help:      "Bucketed histogram of peer appending log duration",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		})
	SnapshotTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: raftstore,
			Name:      "snapshot_total",
			Help:      "Total number of raftstore snapshot processed.",
		}, []string{"type"})
	PeerGCRaftLogCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: raftstore,
			Name:      "gc_raft_log_total",
			Help:      "Total number of GC raft log.",
		})
	MergeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: raftstore,
			Name:      "merge_total",
			Help:      "Total number of region merge events.",
		}, []string{"type"})
	RegionHashCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: raftstore,
			Name:      "hash_total",
			Help:      "Total number of hash has been computed.",
		}, []string{"type", "result"})
	PDHeartbeatCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pd",
			Name:      "heartbeat_message_total",
			Help:      "Total number of PD heartbeat messages.",
		}, []string{"type"})
	WorkerHandledTaskTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "handled_task_total",
			Help:      "Total number of worker handled tasks.",
		}, []string{"name"})
	WorkerPendingTaskTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "pending_task_total",
			Help:      "Current worker pending + running tasks.",
		}, []string{"name"})
	WorkerTaskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Bucketed histogram of worker task duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		}, []string{"name"})
	RaftWorkerMessageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: raftstore,
			Name:      "message_duration_seconds",
			Help:      "Bucketed histogram of raft worker phases.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		}, []string{"type"})
)

// Raft dropped message reasons.
var (
	RaftDroppedMismatchStoreID     = RaftDroppedMessages.WithLabelValues("mismatch_store_id")
	RaftDroppedMismatchRegionEpoch = RaftDroppedMessages.WithLabelValues("mismatch_region_epoch")
	RaftDroppedStaleMsg            = RaftDroppedMessages.WithLabelValues("stale_msg")
	RaftDroppedRegionOverlap       = RaftDroppedMessages.WithLabelValues("region_overlap")
	RaftDroppedRegionNonexistent   = RaftDroppedMessages.WithLabelValues("region_nonexistent")
	RaftDroppedRegionTombstonePeer = RaftDroppedMessages.WithLabelValues("region_tombstone_peer")
	RaftDroppedApplyingSnap        = RaftDroppedMessages.WithLabelValues("applying_snap")
	RaftDroppedRegionNoPeer        = RaftDroppedMessages.WithLabelValues("region_no_peer")
)

// Raft worker phases.
var (
	HandleMsgDurationHistogram       = RaftWorkerMessageDurationSeconds.WithLabelValues("handle_msg")
	ReadyAppendDurationHistogram     = RaftWorkerMessageDurationSeconds.WithLabelValues("ready_append")
	WriteRaftDurationHistogram       = RaftWorkerMessageDurationSeconds.WithLabelValues("write_raft")
	HandleReadyDurationHistogram     = RaftWorkerMessageDurationSeconds.WithLabelValues("handle_ready")
	PDHeartbeatEventDuration         = RaftEventDuration.WithLabelValues("pd_heartbeat")
	RaftLogGCEventDuration           = RaftEventDuration.WithLabelValues("raft_log_gc")
	SplitCheckEventDuration          = RaftEventDuration.WithLabelValues("split_check")
	CheckPeerStaleStateEventDuration = RaftEventDuration.WithLabelValues("peer_stale_state_check")
)

func init() {
	prometheus.MustRegister(RaftBatchSize)
	prometheus.MustRegister(RaftDBUpdate)
	prometheus.MustRegister(KVDBUpdate)
	prometheus.MustRegister(RaftstoreRegionCount)
	prometheus.MustRegister(RaftDroppedMessages)
	prometheus.MustRegister(RaftSentMessages)
	prometheus.MustRegister(RaftReadyHandled)
	prometheus.MustRegister(ProposalCounter)
	prometheus.MustRegister(AdminCmdCounter)
	prometheus.MustRegister(RaftInvalidProposal)
	prometheus.MustRegister(RaftEventDuration)
	prometheus.MustRegister(RequestWaitTimeDurationHistogram)
	prometheus.MustRegister(PeerAppendLogHistogram)
	prometheus.MustRegister(SnapshotTotal)
	prometheus.MustRegister(PeerGCRaftLogCounter)
	prometheus.MustRegister(MergeCounter)
	prometheus.MustRegister(RegionHashCounter)
	prometheus.MustRegister(PDHeartbeatCounter)
	prometheus.MustRegister(WorkerHandledTaskTotal)
	prometheus.MustRegister(WorkerPendingTaskTotal)
	prometheus.MustRegister(WorkerTaskDurationSeconds)
	prometheus.MustRegister(RaftWorkerMessageDurationSeconds)
	http.Handle("/metrics", promhttp.Handler())
}
