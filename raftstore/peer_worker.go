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
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgryski/go-farm"
	"github.com/ngaut/raftpeer/metrics"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
)

type peerInbox struct {
	peer *peerFsm
	msgs []Msg
	// The msgs are kept for the next loop.
	deferred bool
}

func (pi *peerInbox) reset() {
	for i := range pi.msgs {
		pi.msgs[i] = Msg{}
	}
	pi.msgs = pi.msgs[:0]
}

func (pi *peerInbox) append(msg Msg) {
	pi.msgs = append(pi.msgs, msg)
}

// deferMsgs keeps the msgs for the next loop. The wakeups and ticks are
// dropped since they are sent again.
func (pi *peerInbox) deferMsgs() {
	kept := pi.msgs[:0]
	for _, msg := range pi.msgs {
		if msg.Type != MsgTypeNoop && msg.Type != MsgTypeTick {
			kept = append(kept, msg)
		}
	}
	for i := len(kept); i < len(pi.msgs); i++ {
		pi.msgs[i] = Msg{}
	}
	pi.msgs = kept
	pi.deferred = true
}

func hashRegionID(regionID uint64) uint64 {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, regionID)
	return farm.Fingerprint64(b)
}

// raftWorker drives the peers bound to one channel of the router.
type raftWorker struct {
	pr  *router
	idx int

	inboxes map[uint64]*peerInbox
	ticker  *time.Ticker
	raftCh  chan Msg
	raftCtx *RaftContext

	handleMsgDc   *durationCollector
	readyAppendDc *durationCollector
	writeDc       *durationCollector
	handleReadyDc *durationCollector
}

func newRaftWorker(ctx *GlobalContext, idx int, pm *router) *raftWorker {
	return &raftWorker{
		pr:            pm,
		idx:           idx,
		raftCh:        pm.workerSenders[idx],
		inboxes:       map[uint64]*peerInbox{},
		raftCtx:       newRaftContext(ctx),
		handleMsgDc:   newDurationCollector("raft_handle_msg", metrics.HandleMsgDurationHistogram),
		readyAppendDc: newDurationCollector("raft_ready_append", metrics.ReadyAppendDurationHistogram),
		writeDc:       newDurationCollector("raft_write", metrics.WriteRaftDurationHistogram),
		handleReadyDc: newDurationCollector("raft_handle_ready", metrics.HandleReadyDurationHistogram),
	}
}

// run handles the messages of the peers in batches.
// On each loop, messages are batched by channel buffer, the raft logs of all
// the ready peers are persisted in one write.
func (rw *raftWorker) run(closeCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	rw.ticker = time.NewTicker(rw.raftCtx.cfg.RaftBaseTickInterval)
	defer rw.ticker.Stop()
	for {
		if quit := rw.receiveMsgs(closeCh); quit {
			return
		}
		rw.runOnce()
	}
}

func (rw *raftWorker) runOnce() {
	rw.handleMsgs()
	rw.handleRaftReadyAppend()
	rw.writeRaftWriteBatch()
	rw.handleRaftReady()
	rw.clearQueuedSnapshot()
}

func (rw *raftWorker) receiveMsgs(closeCh <-chan struct{}) (quit bool) {
	for regionID, inbox := range rw.inboxes {
		switch {
		case len(inbox.msgs) == 0:
			delete(rw.inboxes, regionID)
		case inbox.deferred:
			inbox.deferred = false
		default:
			inbox.reset()
		}
	}
	select {
	case <-closeCh:
		return true
	case msg := <-rw.raftCh:
		rw.appendMsg(msg)
	case <-rw.ticker.C:
		rw.pr.peers.Range(func(key, value interface{}) bool {
			regionID := key.(uint64)
			if rw.pr.workerIndex(regionID) == rw.idx {
				rw.appendMsg(NewPeerMsg(MsgTypeTick, regionID, nil))
			}
			return true
		})
	}
	pending := len(rw.raftCh)
	for i := 0; i < pending; i++ {
		rw.appendMsg(<-rw.raftCh)
	}
	metrics.RaftBatchSize.Observe(float64(len(rw.inboxes)))
	return false
}

// appendMsg puts the message into the inbox of its peer. The message is
// dropped if the peer is gone.
func (rw *raftWorker) appendMsg(msg Msg) {
	inbox, ok := rw.inboxes[msg.RegionID]
	if !ok {
		ps := rw.pr.get(msg.RegionID)
		if ps == nil || atomic.LoadUint32(&ps.closed) == 1 {
			dropMsg(msg)
			return
		}
		inbox = &peerInbox{peer: ps.peer}
		rw.inboxes[msg.RegionID] = inbox
	}
	inbox.append(msg)
}

func (rw *raftWorker) handleMsgs() {
	begin := time.Now()
	for _, inbox := range rw.inboxes {
		h := newRaftMsgHandler(inbox.peer, rw.raftCtx)
		if h.peer.PendingMergeApplyResult != nil && !h.resumeHandlePendingApplyResult() {
			// Still waiting for the source region, the messages are handled after
			// the CommitMerge is done.
			inbox.deferMsgs()
			continue
		}
		h.HandleMsgs(inbox.msgs...)
	}
	rw.handleMsgDc.collect(time.Since(begin))
}

func (rw *raftWorker) handleRaftReadyAppend() {
	begin := time.Now()
	for _, inbox := range rw.inboxes {
		h := newRaftMsgHandler(inbox.peer, rw.raftCtx)
		h.HandleRaftReadyAppend()
	}
	rw.readyAppendDc.collect(time.Since(begin))
}

func (rw *raftWorker) writeRaftWriteBatch() {
	ctx := rw.raftCtx
	if ctx.kvWB.Len() == 0 && ctx.raftWB.Len() == 0 {
		return
	}
	begin := time.Now()
	// write kv badger first in case of restart happen between two write
	if err := ctx.engine.WriteKV(ctx.kvWB); err != nil {
		panic(err)
	}
	if err := ctx.engine.WriteRaft(ctx.raftWB); err != nil {
		panic(err)
	}
	ctx.kvWB.Reset()
	ctx.raftWB.Reset()
	rw.writeDc.collect(time.Since(begin))
}

func (rw *raftWorker) handleRaftReady() {
	readyRes := rw.raftCtx.ReadyRes
	if len(readyRes) == 0 {
		return
	}
	rw.raftCtx.ReadyRes = nil
	begin := time.Now()
	for _, pair := range readyRes {
		h := newRaftMsgHandler(rw.inboxes[pair.IC.RegionID].peer, rw.raftCtx)
		h.HandleRaftReady(&pair.Ready, pair.IC)
	}
	rw.handleReadyDc.collect(time.Since(begin))
}

// clearQueuedSnapshot releases the snapshot ranges accepted in this loop.
func (rw *raftWorker) clearQueuedSnapshot() {
	queued := rw.raftCtx.queuedSnapshot
	if len(queued) == 0 {
		return
	}
	meta := rw.raftCtx.storeMeta
	meta.Lock()
	pending := meta.pendingSnapshotRegions[:0]
	for _, region := range meta.pendingSnapshotRegions {
		if _, ok := queued[region.Id]; !ok {
			pending = append(pending, region)
		}
	}
	for i := len(pending); i < len(meta.pendingSnapshotRegions); i++ {
		meta.pendingSnapshotRegions[i] = nil
	}
	meta.pendingSnapshotRegions = pending
	meta.Unlock()
	for id := range queued {
		delete(queued, id)
	}
}

// storeWorker runs store commands.
type storeWorker struct {
	store *storeMsgHandler
}

func newStoreWorker(ctx *GlobalContext, r *router) *storeWorker {
	storeCtx := &StoreContext{GlobalContext: ctx}
	return &storeWorker{
		store: newStoreFsmDelegate(r.storeFsm, storeCtx),
	}
}

func (sw *storeWorker) run(closeCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	timeTicker := time.NewTicker(sw.store.ctx.cfg.RaftBaseTickInterval)
	defer timeTicker.Stop()
	storeTicker := sw.store.ticker
	for {
		select {
		case <-closeCh:
			return
		case <-timeTicker.C:
			storeTicker.tickClock()
			for i := range storeTicker.schedules {
				if storeTicker.isOnStoreTick(StoreTick(i)) {
					sw.store.handleMsg(NewMsg(MsgTypeStoreTick, StoreTick(i)))
				}
			}
		case msg := <-sw.store.receiver:
			sw.store.handleMsg(msg)
		}
	}
}

type durationCollector struct {
	name      string
	histogram prometheus.Observer
	top       []time.Duration
	total     time.Duration
	cnt       int
	lastPrint time.Time
}

const printInterval = time.Second * 10

func newDurationCollector(name string, histogram prometheus.Observer) *durationCollector {
	return &durationCollector{name: name, histogram: histogram, lastPrint: time.Now()}
}

func (dc *durationCollector) collect(dur time.Duration) {
	dc.histogram.Observe(dur.Seconds())
	dc.total += dur
	dc.cnt++
	if dur > 5*time.Millisecond {
		dc.top = append(dc.top, dur)
	}
	if dc.total > printInterval {
		sort.Slice(dc.top, func(i, j int) bool {
			return dc.top[i] > dc.top[j]
		})
		if len(dc.top) > 10 {
			dc.top = dc.top[:10]
		}
		log.S().Infof("%s duration:%v/%v count:%d top:%v", dc.name, dc.total, time.Since(dc.lastPrint), dc.cnt, dc.top)
		dc.reset()
	}
}

func (dc *durationCollector) reset() {
	dc.total = 0
	dc.cnt = 0
	dc.top = dc.top[:0]
	dc.lastPrint = time.Now()
}
