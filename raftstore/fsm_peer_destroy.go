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
	"fmt"

	"github.com/pingcap/failpoint"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/log"
)

// handleDestroyPeer returns true if the peer is destroyed synchronously.
// An initialized peer asks the apply pipeline to drop the region first, the
// destroy is finished when the result comes back.
func (d *peerMsgHandler) handleDestroyPeer(job *DestroyPeerJob) bool {
	if job.AsyncRemove {
		log.S().Infof("[region %d] %d is destroyed asynchronously", job.RegionID, job.Peer.Id)
		d.scheduleApplyDestroy()
		return false
	}
	d.destroyPeer(false)
	return true
}

func (d *peerMsgHandler) scheduleApplyDestroy() {
	regionID := d.regionID()
	d.ctx.applySched.ScheduleTask(regionID, &ApplyTask{
		Type:     ApplyTaskDestroy,
		RegionID: regionID,
		Destroy:  &ApplyDestroy{RegionID: regionID},
	})
}

// destroyPeer removes the peer from the store. The store meta lock is held
// from the merge bookkeeping scrub to the region removal.
func (d *peerMsgHandler) destroyPeer(mergedByTarget bool) {
	if d.stopped {
		return
	}
	log.S().Infof("%s starts destroy [merged_by_target: %v]", d.tag(), mergedByTarget)
	regionID := d.regionID()
	// We can't destroy a peer which is applying snapshot.
	if d.peer.IsApplyingSnapshot() {
		panic(fmt.Sprintf("%s destroy a peer which is applying snapshot", d.tag()))
	}
	failpoint.Inject("destroyPeer", nil)

	meta := d.ctx.storeMeta
	meta.Lock()
	defer meta.Unlock()
	delete(meta.pendingMergeTargets, regionID)
	if targetID, ok := meta.targetsMap[regionID]; ok {
		delete(meta.targetsMap, regionID)
		if target, ok1 := meta.pendingMergeTargets[targetID]; ok1 {
			delete(target, regionID)
			// When the target doesn't exist(add peer but the store is isolated), source peer decide to destroy by itself.
			// Without target, the pendingMergeTargets for target won't be removed, so here source peer help target to clear.
			if meta.regions[targetID] == nil && len(target) == 0 {
				delete(meta.pendingMergeTargets, targetID)
			}
		}
	}
	delete(meta.mergeLocks, regionID)
	delete(meta.pendingCrossSnap, regionID)
	delete(meta.readers, regionID)

	if !d.applyDestroyed {
		d.scheduleApplyDestroy()
	}
	scheduleTask(d.ctx.pdTaskSender, task{
		tp:   taskTypePDDestroyPeer,
		data: &pdDestroyPeerTask{regionID: regionID},
	}, "pd")

	isInitialized := d.peer.isInitialized()
	if err := d.peer.Destroy(d.ctx.engine, mergedByTarget); err != nil {
		// If not panic here, the peer will be recreated in the next restart,
		// then it will be gc again. But if some overlap region is created
		// before restarting, the gc action will delete the overlap region's
		// data too.
		panic(fmt.Sprintf("%s destroy peer %v", d.tag(), err))
	}
	d.ctx.router.close(regionID)
	d.stop()

	if isInitialized && !mergedByTarget {
		region := d.region()
		if exist := meta.regionTree.GetRegionByEndKey(region.EndKey); exist == nil || exist.Id != regionID {
			meta.regionTree.Iterate(nil, nil, func(r *metapb.Region) bool {
				log.S().Infof("existing region %s", r)
				return true
			})
			panic(d.tag() + " meta corruption detected")
		}
		meta.regionTree.Delete(region)
	}
	if _, ok := meta.regions[regionID]; !ok && !mergedByTarget {
		panic(d.tag() + " meta corruption detected")
	}
	delete(meta.regions, regionID)
	meta.updateRegionCount()
}
