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

package raftstore

import (
	"bytes"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash"
	"github.com/ngaut/raftpeer/metrics"
	"github.com/pingcap/badger"
	"github.com/pingcap/badger/y"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/pdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type taskType int64

const (
	taskTypeStop           taskType = 0
	taskTypeRaftLogGC      taskType = 1
	taskTypeSplitCheck     taskType = 2
	taskTypeComputeHash    taskType = 3
	taskTypeHalfSplitCheck taskType = 4

	taskTypePDAskBatchSplit    taskType = 102
	taskTypePDHeartbeat        taskType = 103
	taskTypePDStoreHeartbeat   taskType = 104
	taskTypePDReportBatchSplit taskType = 105
	taskTypePDValidatePeer     taskType = 106
	taskTypePDDestroyPeer      taskType = 108

	taskTypeRegionGen   taskType = 401
	taskTypeRegionApply taskType = 402
	/// Destroy data between [start_key, end_key).
	///
	/// The deletion may and may not succeed.
	taskTypeRegionDestroy taskType = 403
)

type task struct {
	tp   taskType
	data interface{}
}

type regionTask struct {
	regionID uint64
	notifier chan<- *eraftpb.Snapshot
	status   *JobStatus
	snapData *rspb.RaftSnapshotData
	startKey []byte
	endKey   []byte
}

type raftLogGCTask struct {
	raftEngine *badger.DB
	regionID   uint64
	startIdx   uint64
	endIdx     uint64
}

type splitCheckTask struct {
	region *metapb.Region
}

type computeHashTask struct {
	index  uint64
	region *metapb.Region
	snap   RegionSnapshot
}

type pdAskBatchSplitTask struct {
	region    *metapb.Region
	splitKeys [][]byte
	peer      *metapb.Peer
	// If true, right Region derives origin region_id.
	rightDerive bool
	callback    *Callback
}

type pdRegionHeartbeatTask struct {
	region          *metapb.Region
	peer            *metapb.Peer
	downPeers       []*pdpb.PeerStats
	pendingPeers    []*metapb.Peer
	writtenBytes    uint64
	writtenKeys     uint64
	approximateSize *uint64
	approximateKeys *uint64
}

type pdStoreHeartbeatTask struct {
	stats    *pdpb.StoreStats
	capacity uint64
}

type pdReportBatchSplitTask struct {
	regions []*metapb.Region
}

type pdValidatePeerTask struct {
	region      *metapb.Region
	peer        *metapb.Peer
	mergeSource *uint64
}

type pdDestroyPeerTask struct {
	regionID uint64
}

type worker struct {
	name     string
	sender   chan<- task
	receiver <-chan task
	wg       *sync.WaitGroup
}

type taskHandler interface {
	handle(t task)
}

type starter interface {
	start()
}

func (w *worker) start(handler taskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(starter); ok {
			s.start()
		}
		for {
			task := <-w.receiver
			if task.tp == taskTypeStop {
				return
			}
			begin := time.Now()
			handler.handle(task)
			metrics.WorkerHandledTaskTotal.WithLabelValues(w.name).Inc()
			metrics.WorkerTaskDurationSeconds.WithLabelValues(w.name).Observe(time.Since(begin).Seconds())
			metrics.WorkerPendingTaskTotal.WithLabelValues(w.name).Set(float64(len(w.receiver)))
		}
	}()
}

func (w *worker) stop() {
	w.sender <- task{tp: taskTypeStop}
}

const defaultWorkerCapacity = 128

func newWorker(name string, wg *sync.WaitGroup) *worker {
	ch := make(chan task, defaultWorkerCapacity)
	return &worker{
		sender:   (chan<- task)(ch),
		receiver: (<-chan task)(ch),
		name:     name,
		wg:       wg,
	}
}

// scheduleTask sends the task without blocking. The task is dropped when the
// worker is saturated, the caller retries on its next tick.
func scheduleTask(sender chan<- task, t task, name string) bool {
	select {
	case sender <- t:
		return true
	default:
		log.Warn("worker is busy, skip the task", zap.String("worker", name), zap.Int64("type", int64(t.tp)))
		return false
	}
}

func safeCopy(b []byte) []byte {
	return append([]byte{}, b...)
}

func exceedEndKey(current, endKey []byte) bool {
	return bytes.Compare(current, endKey) >= 0
}

type splitCheckConfig struct {
	regionMaxSize   uint64
	regionSplitSize uint64
	batchSplitLimit uint64
	rowsPerSample   int
}

func newSplitCheckConfig(cfg *Config) *splitCheckConfig {
	return &splitCheckConfig{
		regionMaxSize:   cfg.RegionMaxSize,
		regionSplitSize: cfg.RegionSplitSize,
		batchSplitLimit: 10,
		rowsPerSample:   1e5,
	}
}

type splitCheckHandler struct {
	engine *badger.DB
	router *router
	config *splitCheckConfig
}

func newSplitCheckRunner(engine *badger.DB, router *router, config *splitCheckConfig) *splitCheckHandler {
	return &splitCheckHandler{
		engine: engine,
		router: router,
		config: config,
	}
}

// handle checks a region with the size checker to produce split keys, and
// reports the approximate size and keys of the region.
func (r *splitCheckHandler) handle(t task) {
	spCheckTask := t.data.(*splitCheckTask)
	region := spCheckTask.region
	regionID := region.Id
	startKey := DataKey(region.StartKey)
	endKey := DataEndKey(region.EndKey)
	log.Debug("executing split check task", zap.Uint64("region id", regionID))

	var (
		keys      [][]byte
		totalSize uint64
		totalKeys uint64
	)
	err := r.engine.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		switch t.tp {
		case taskTypeHalfSplitCheck:
			keys, totalSize, totalKeys = r.halfSplitCheck(startKey, endKey, it)
		default:
			keys, totalSize, totalKeys = r.splitCheck(startKey, endKey, it)
		}
		return nil
	})
	if err != nil {
		log.Error("failed to check split", zap.Uint64("region id", regionID), zap.Error(err))
		return
	}
	r.reportApproximate(regionID, totalSize, totalKeys)
	if len(keys) == 0 {
		log.Debug("no need to send, split key not found", zap.Uint64("region id", regionID))
		return
	}
	for i, k := range keys {
		keys[i] = OriginKey(k)
	}
	msg := Msg{
		Type:     MsgTypeSplitRegion,
		RegionID: regionID,
		Data: &MsgSplitRegion{
			RegionEpoch: region.GetRegionEpoch(),
			SplitKeys:   keys,
			Callback:    NewCallback(),
		},
	}
	if err = r.router.send(regionID, msg); err != nil {
		log.Warn("failed to send check result", zap.Uint64("region id", regionID), zap.Error(err))
	}
}

func (r *splitCheckHandler) reportApproximate(regionID, size, keys uint64) {
	if err := r.router.send(regionID, NewPeerMsg(MsgTypeRegionApproximateSize, regionID, size)); err != nil {
		log.Warn("failed to send approximate region size", zap.Uint64("region id", regionID), zap.Error(err))
		return
	}
	if err := r.router.send(regionID, NewPeerMsg(MsgTypeRegionApproximateKeys, regionID, keys)); err != nil {
		log.Warn("failed to send approximate region keys", zap.Uint64("region id", regionID), zap.Error(err))
	}
}

// splitCheck gets the split keys by scanning the range.
func (r *splitCheckHandler) splitCheck(startKey, endKey []byte, it *badger.Iterator) ([][]byte, uint64, uint64) {
	checker := newSizeSplitChecker(r.config.regionMaxSize, r.config.regionSplitSize, r.config.batchSplitLimit)
	var totalSize, totalKeys uint64
	for it.Seek(startKey); it.Valid(); it.Next() {
		item := it.Item()
		key := item.Key()
		if exceedEndKey(key, endKey) {
			break
		}
		size := uint64(len(key)) + uint64(item.ValueSize())
		totalSize += size
		totalKeys++
		checker.onKv(key, size)
	}
	return checker.getSplitKeys(), totalSize, totalKeys
}

func (r *splitCheckHandler) halfSplitCheck(startKey, endKey []byte, it *badger.Iterator) ([][]byte, uint64, uint64) {
	var sampleKeys [][]byte
	var totalSize, totalKeys uint64
	cnt := 0
	for it.Seek(startKey); it.Valid(); it.Next() {
		item := it.Item()
		key := item.Key()
		if exceedEndKey(key, endKey) {
			break
		}
		totalSize += uint64(len(key)) + uint64(item.ValueSize())
		totalKeys++
		if cnt%r.config.rowsPerSample == 0 {
			sampleKeys = append(sampleKeys, safeCopy(key))
		}
		cnt++
	}
	// The first sample is the start key of the region, it can't be a split key.
	if len(sampleKeys) < 2 {
		return nil, totalSize, totalKeys
	}
	return [][]byte{sampleKeys[len(sampleKeys)/2]}, totalSize, totalKeys
}

type sizeSplitChecker struct {
	maxSize         uint64
	splitSize       uint64
	currentSize     uint64
	splitKeys       [][]byte
	batchSplitLimit uint64
}

func newSizeSplitChecker(maxSize, splitSize, batchSplitLimit uint64) *sizeSplitChecker {
	return &sizeSplitChecker{
		maxSize:         maxSize,
		splitSize:       splitSize,
		batchSplitLimit: batchSplitLimit,
	}
}

func (checker *sizeSplitChecker) onKv(key []byte, size uint64) {
	checker.currentSize += size
	if checker.currentSize > checker.splitSize && uint64(len(checker.splitKeys)) < checker.batchSplitLimit {
		checker.splitKeys = append(checker.splitKeys, safeCopy(key))
		// If for previous onKv(), checker.current_size == checker.split_size,
		// the split key would be pushed this time, but the entry size for this time should not be ignored.
		if checker.currentSize-size == checker.splitSize {
			checker.currentSize = size
		} else {
			checker.currentSize = 0
		}
	}
}

func (checker *sizeSplitChecker) getSplitKeys() [][]byte {
	// Make sure not to split when less than maxSize for last part
	if checker.currentSize+checker.splitSize < checker.maxSize {
		splitKeyLen := len(checker.splitKeys)
		if splitKeyLen != 0 {
			checker.splitKeys = checker.splitKeys[:splitKeyLen-1]
		}
	}
	keys := checker.splitKeys
	checker.splitKeys = nil
	return keys
}

var errAbort = errors.New("abort applying snapshot")

func checkAbort(status *JobStatus) error {
	if atomic.LoadUint32(status) == JobStatus_Cancelling {
		return errAbort
	}
	return nil
}

type snapContext struct {
	engines *Engines
	mgr     *SnapManager
}

// handleGen generates the snapshot of the region and sends it to the notifier.
func (snapCtx *snapContext) handleGen(regionID uint64, notifier chan<- *eraftpb.Snapshot) {
	snap, err := snapCtx.generateSnap(regionID)
	if err != nil {
		log.Error("failed to generate snapshot", zap.Uint64("region id", regionID), zap.Error(err))
		// The receiver retries on the next ready.
		notifier <- nil
		return
	}
	metrics.SnapshotTotal.WithLabelValues("generate").Inc()
	notifier <- snap
}

// generateSnap reads the region state, the apply state and the data of the
// region in one transaction.
func (snapCtx *snapContext) generateSnap(regionID uint64) (*eraftpb.Snapshot, error) {
	regionState := new(rspb.RegionLocalState)
	applyState := new(rspb.RaftApplyState)
	data := new(rspb.RaftSnapshotData)
	err := snapCtx.engines.kv.View(func(txn *badger.Txn) error {
		val, err := getValueTxn(txn, RegionStateKey(regionID))
		if err != nil {
			return errors.WithStack(err)
		}
		if err = regionState.Unmarshal(val); err != nil {
			return errors.WithStack(err)
		}
		if regionState.State != rspb.PeerState_Normal {
			return errors.Errorf("snap job for region %d seems stale, skip", regionID)
		}
		if val, err = getValueTxn(txn, ApplyStateKey(regionID)); err != nil {
			return errors.WithStack(err)
		}
		if err = applyState.Unmarshal(val); err != nil {
			return errors.WithStack(err)
		}
		region := regionState.Region
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		endKey := DataEndKey(region.EndKey)
		for it.Seek(DataKey(region.StartKey)); it.Valid(); it.Next() {
			item := it.Item()
			if exceedEndKey(item.Key(), endKey) {
				break
			}
			value, err := item.Value()
			if err != nil {
				return errors.WithStack(err)
			}
			data.Data = append(data.Data, &rspb.KeyValue{Key: safeCopy(item.Key()), Value: safeCopy(value)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	index := applyState.AppliedIndex
	term := applyState.GetTruncatedState().GetTerm()
	if index != applyState.GetTruncatedState().GetIndex() {
		entry, err := getRaftEntry(snapCtx.engines.raft, regionID, index)
		if err != nil {
			return nil, err
		}
		term = entry.Term
	}
	data.Region = regionState.Region
	data.Version = regionState.Region.GetRegionEpoch().GetVersion()
	confState := confStateFromRegion(regionState.Region)
	snap := &eraftpb.Snapshot{
		Metadata: &eraftpb.SnapshotMetadata{
			Index:     index,
			Term:      term,
			ConfState: fromRaftConfState(&confState),
		},
	}
	key := SnapKeyFromRegionSnap(regionID, snap)
	if err = snapCtx.mgr.Save(key, true, data); err != nil {
		return nil, err
	}
	buf, err := data.Marshal()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	snap.Data = buf
	return snap, nil
}

// applySnap replaces the data of the region with the snapshot data.
func (snapCtx *snapContext) applySnap(regionID uint64, status *JobStatus, snapData *rspb.RaftSnapshotData) error {
	log.Info("begin apply snap data", zap.Uint64("region id", regionID))
	if err := checkAbort(status); err != nil {
		return err
	}
	regionState := new(rspb.RegionLocalState)
	if err := getMsg(snapCtx.engines.kv, RegionStateKey(regionID), regionState); err != nil {
		return errors.Errorf("failed to get region state of region %d: %v", regionID, err)
	}
	region := regionState.GetRegion()
	startKey, endKey := DataKey(region.StartKey), DataEndKey(region.EndKey)
	if err := deleteRange(snapCtx.engines.kv, startKey, endKey); err != nil {
		return err
	}
	if err := checkAbort(status); err != nil {
		return err
	}

	t := time.Now()
	wb := new(WriteBatch)
	for _, kv := range snapData.GetData() {
		wb.Set(y.KeyWithTs(kv.Key, KvTS), kv.Value)
	}
	if err := WritePeerState(wb, region, rspb.PeerState_Normal, nil); err != nil {
		return err
	}
	if err := snapCtx.engines.WriteKV(wb); err != nil {
		return err
	}
	metrics.SnapshotTotal.WithLabelValues("apply").Inc()
	log.Info("applying new data", zap.Uint64("region id", regionID), zap.Int("keys", len(snapData.GetData())),
		zap.Duration("takes", time.Since(t)))
	return nil
}

// handleApply tries to apply the snapshot of the specified Region. It calls `applySnap` to do the actual work.
func (snapCtx *snapContext) handleApply(regionID uint64, status *JobStatus, snapData *rspb.RaftSnapshotData) {
	atomic.CompareAndSwapUint32(status, JobStatus_Pending, JobStatus_Running)
	err := snapCtx.applySnap(regionID, status, snapData)
	switch errors.Cause(err) {
	case nil:
		atomic.SwapUint32(status, JobStatus_Finished)
	case errAbort:
		log.Warn("applying snapshot is aborted", zap.Uint64("region id", regionID))
		y.Assert(atomic.SwapUint32(status, JobStatus_Cancelled) == JobStatus_Cancelling)
	default:
		log.Error("failed to apply snap", zap.Uint64("region id", regionID), zap.Error(err))
		atomic.SwapUint32(status, JobStatus_Failed)
	}
}

// cleanUpRange cleans up the data within the range.
func (snapCtx *snapContext) cleanUpRange(regionID uint64, startKey, endKey []byte) {
	if err := deleteRange(snapCtx.engines.kv, startKey, endKey); err != nil {
		log.Error("failed to delete data in range", zap.Uint64("region id", regionID),
			zap.Binary("start key", startKey), zap.Binary("end key", endKey), zap.Error(err))
		return
	}
	log.Info("succeed in deleting data in range", zap.Uint64("region id", regionID),
		zap.Binary("start key", startKey), zap.Binary("end key", endKey))
}

// deleteRange deletes the keys in [startKey, endKey) in batches.
func deleteRange(db *badger.DB, startKey, endKey []byte) error {
	wb := new(WriteBatch)
	var keys [][]byte
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(startKey); it.Valid(); it.Next() {
			key := it.Item().Key()
			if exceedEndKey(key, endKey) {
				break
			}
			keys = append(keys, safeCopy(key))
		}
		return nil
	})
	if err != nil {
		return errors.WithStack(err)
	}
	for _, key := range keys {
		wb.Delete(y.KeyWithTs(key, KvTS))
		if wb.size >= MaxDeleteBatchSize {
			if err = wb.WriteToDB(db, nil); err != nil {
				return err
			}
			wb.Reset()
		}
	}
	return wb.WriteToDB(db, nil)
}

type regionTaskHandler struct {
	ctx *snapContext
}

func newRegionTaskHandler(engines *Engines, mgr *SnapManager) *regionTaskHandler {
	return &regionTaskHandler{
		ctx: &snapContext{
			engines: engines,
			mgr:     mgr,
		},
	}
}

func (r *regionTaskHandler) handle(t task) {
	regionTask := t.data.(*regionTask)
	switch t.tp {
	case taskTypeRegionGen:
		r.ctx.handleGen(regionTask.regionID, regionTask.notifier)
	case taskTypeRegionApply:
		r.ctx.handleApply(regionTask.regionID, regionTask.status, regionTask.snapData)
	case taskTypeRegionDestroy:
		r.ctx.cleanUpRange(regionTask.regionID, regionTask.startKey, regionTask.endKey)
	}
}

type raftLogGcTaskRes uint64

type raftLogGCTaskHandler struct {
	taskResCh chan<- raftLogGcTaskRes
}

// MaxDeleteBatchSize bounds a write batch of deletions to keep latency low.
const MaxDeleteBatchSize int = 32 * 1024

// gcRaftLog does the GC job and returns the count of logs collected.
func (r *raftLogGCTaskHandler) gcRaftLog(raftDb *badger.DB, regionID, startIdx, endIdx uint64) (uint64, error) {
	// Find the raft log idx range needed to be gc.
	firstIdx := startIdx
	if firstIdx == 0 {
		firstIdx = endIdx
		err := raftDb.View(func(txn *badger.Txn) error {
			startKey := RaftLogKey(regionID, 0)
			ite := txn.NewIterator(badger.DefaultIteratorOptions)
			defer ite.Close()
			if ite.Seek(startKey); ite.Valid() {
				if key := ite.Item().Key(); bytes.HasPrefix(key, RaftLogKey(regionID, 0)[:RegionRaftPrefixLen]) {
					firstIdx = RaftLogIndex(key)
				}
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	if firstIdx >= endIdx {
		log.Info("no need to gc", zap.Uint64("region id", regionID))
		return 0, nil
	}

	raftWb := WriteBatch{}
	for idx := firstIdx; idx < endIdx; idx++ {
		raftWb.Delete(y.KeyWithTs(RaftLogKey(regionID, idx), RaftTS))
		if raftWb.size >= MaxDeleteBatchSize {
			// Avoid large write batch to reduce latency.
			if err := raftWb.WriteToDB(raftDb, metrics.RaftDBUpdate); err != nil {
				return 0, err
			}
			raftWb.Reset()
		}
	}
	if raftWb.Len() != 0 {
		if err := raftWb.WriteToDB(raftDb, metrics.RaftDBUpdate); err != nil {
			return 0, err
		}
	}
	return endIdx - firstIdx, nil
}

func (r *raftLogGCTaskHandler) reportCollected(collected uint64) {
	if r.taskResCh == nil {
		return
	}
	r.taskResCh <- raftLogGcTaskRes(collected)
}

func (r *raftLogGCTaskHandler) handle(t task) {
	logGcTask := t.data.(*raftLogGCTask)
	log.Debug("execute gc log", zap.Uint64("region id", logGcTask.regionID), zap.Uint64("end index", logGcTask.endIdx))
	collected, err := r.gcRaftLog(logGcTask.raftEngine, logGcTask.regionID, logGcTask.startIdx, logGcTask.endIdx)
	if err != nil {
		log.Error("failed to gc", zap.Uint64("region id", logGcTask.regionID), zap.Uint64("collected", collected), zap.Error(err))
	} else {
		log.Debug("collected log entries", zap.Uint64("region id", logGcTask.regionID), zap.Uint64("count", collected))
		metrics.PeerGCRaftLogCounter.Add(float64(collected))
	}
	r.reportCollected(collected)
}

type computeHashTaskHandler struct {
	router *router
}

// computeHash digests the region descriptor and every key value pair of the region.
func computeHash(region *metapb.Region, snap RegionSnapshot) ([]byte, error) {
	digest := xxhash.New()
	regionData, err := region.Marshal()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	digest.Write(regionData)
	err = snap.Scan(func(key, value []byte) error {
		digest.Write(key)
		digest.Write(value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sum := digest.Sum64()
	failpoint.Inject("corruptHash", func() {
		sum++
	})
	hash := make([]byte, 8)
	binary.BigEndian.PutUint64(hash, sum)
	return hash, nil
}

func (r *computeHashTaskHandler) handle(t task) {
	hashTask := t.data.(*computeHashTask)
	regionID := hashTask.region.GetId()
	hash, err := computeHash(hashTask.region, hashTask.snap)
	if err != nil {
		log.Error("failed to compute hash", zap.Uint64("region id", regionID), zap.Error(err))
		metrics.RegionHashCounter.WithLabelValues("compute", "failed").Inc()
		return
	}
	metrics.RegionHashCounter.WithLabelValues("compute", "all").Inc()
	msg := NewPeerMsg(MsgTypeComputeResult, regionID, &MsgComputeHashResult{
		Index: hashTask.index,
		Hash:  hash,
	})
	if err = r.router.send(regionID, msg); err != nil {
		log.Warn("failed to send hash compute result", zap.Uint64("region id", regionID), zap.Error(err))
	}
}
