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
	"context"
	"sync"

	"github.com/ngaut/raftpeer/pd"
	"github.com/pingcap/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Node runs the peers of one store.
type Node struct {
	clusterID  uint64
	store      *metapb.Store
	cfg        *Config
	engines    *Engines
	pdClient   pd.Client
	applySched ApplyScheduler

	router *router
	ctx    *GlobalContext
	// The transport is created by the node when the host doesn't provide one.
	ownTrans *ServerTransport

	workers []*worker
	wg      *sync.WaitGroup
	closeCh chan struct{}
}

// NewNode creates a node, the apply pipeline of the host process is given as
// applySched.
func NewNode(cfg *Config, engines *Engines, pdClient pd.Client, applySched ApplyScheduler) *Node {
	store := new(metapb.Store)
	if cfg.AdvertiseAddr != "" {
		store.Address = cfg.AdvertiseAddr
	} else {
		store.Address = cfg.Addr
	}
	storeSender, storeFsm := newStoreFsm(cfg)
	return &Node{
		clusterID:  pdClient.GetClusterID(context.TODO()),
		store:      store,
		cfg:        cfg,
		engines:    engines,
		pdClient:   pdClient,
		applySched: applySched,
		router:     newRouter(cfg.RaftWorkerCnt, cfg.PeerMsgChanSize, storeSender, storeFsm),
		wg:         new(sync.WaitGroup),
		closeCh:    make(chan struct{}),
	}
}

// Router returns the router used by the host process to reach the peers.
func (n *Node) Router() *RaftstoreRouter {
	return &RaftstoreRouter{router: n.router}
}

// StoreID returns the id of the store, it is valid after Start.
func (n *Node) StoreID() uint64 {
	return n.store.Id
}

// Start bootstraps the store if needed, loads the peers and starts the
// workers. A nil trans makes the node send raft messages over gRPC.
func (n *Node) Start(ctx context.Context, trans Transport) error {
	storeID, err := n.checkStore()
	if err != nil {
		return err
	}
	if storeID == InvalidID {
		if storeID, err = n.bootstrapStore(ctx); err != nil {
			return err
		}
	}
	n.store.Id = storeID
	if err = n.pdClient.PutStore(ctx, n.store); err != nil {
		return err
	}
	if trans == nil {
		n.ownTrans = NewServerTransport(n.cfg, n.pdClient, n.router)
		trans = n.ownTrans
	}
	log.Info("start raft store node", zap.Uint64("store id", storeID))
	return n.startNode(trans)
}

func (n *Node) checkStore() (uint64, error) {
	ident, err := loadStoreIdent(n.engines.kv)
	if err != nil {
		return 0, err
	}
	if ident == nil {
		return InvalidID, nil
	}
	if ident.ClusterId != n.clusterID {
		return 0, errors.Errorf("cluster ID mismatch, local %d != remote %d", ident.ClusterId, n.clusterID)
	}
	if ident.StoreId == InvalidID {
		return 0, errors.Errorf("invalid store ident %s", ident)
	}
	return ident.StoreId, nil
}

func (n *Node) bootstrapStore(ctx context.Context) (uint64, error) {
	storeID, err := n.pdClient.AllocID(ctx)
	if err != nil {
		return 0, err
	}
	log.Info("bootstrap store", zap.Uint64("cluster id", n.clusterID), zap.Uint64("store id", storeID))
	return storeID, BootstrapStore(n.engines, n.clusterID, storeID)
}

func (n *Node) startNode(trans Transport) error {
	snapMgr := NewSnapManager(n.cfg.SnapPath)
	if err := snapMgr.Init(); err != nil {
		return err
	}
	pdWorker := newWorker("pd-worker", n.wg)
	regionWorker := newWorker("region-worker", n.wg)
	raftLogGCWorker := newWorker("raft-gc-worker", n.wg)
	splitCheckWorker := newWorker("split-check", n.wg)
	computeHashWorker := newWorker("compute-hash", n.wg)
	n.workers = []*worker{pdWorker, regionWorker, raftLogGCWorker, splitCheckWorker, computeHashWorker}

	n.ctx = &GlobalContext{
		cfg:                   n.cfg,
		engine:                n.engines,
		store:                 n.store,
		storeMeta:             newStoreMeta(),
		snapMgr:               snapMgr,
		router:                n.router,
		trans:                 trans,
		pdClient:              n.pdClient,
		applySched:            n.applySched,
		pdTaskSender:          pdWorker.sender,
		regionTaskSender:      regionWorker.sender,
		raftLogGCTaskSender:   raftLogGCWorker.sender,
		splitCheckTaskSender:  splitCheckWorker.sender,
		computeHashTaskSender: computeHashWorker.sender,
	}
	peers, err := n.loadPeers()
	if err != nil {
		return err
	}
	for _, peer := range peers {
		n.router.register(peer)
	}

	pdWorker.start(newPDTaskHandler(n.store.Id, n.pdClient, n.router))
	regionWorker.start(newRegionTaskHandler(n.engines, snapMgr))
	raftLogGCWorker.start(&raftLogGCTaskHandler{})
	splitCheckWorker.start(newSplitCheckRunner(n.engines.kv, n.router, newSplitCheckConfig(n.cfg)))
	computeHashWorker.start(&computeHashTaskHandler{router: n.router})

	for i := range n.router.workerSenders {
		rw := newRaftWorker(n.ctx, i, n.router)
		n.wg.Add(1)
		go rw.run(n.closeCh, n.wg)
	}
	sw := newStoreWorker(n.ctx, n.router)
	n.wg.Add(1)
	go sw.run(n.closeCh, n.wg)

	n.router.sendStore(NewMsg(MsgTypeStoreStart, n.store))
	for _, peer := range peers {
		regionID := peer.regionID()
		_ = n.router.send(regionID, NewPeerMsg(MsgTypeStart, regionID, nil))
	}
	return nil
}

// loadPeers creates the peers of the regions persisted in the kv engine and
// registers them in the store meta.
func (n *Node) loadPeers() ([]*peerFsm, error) {
	var (
		peers          []*peerFsm
		tombstoneCount int
		applyingCount  int
		mergingCount   int
	)
	ctx := n.ctx
	meta := ctx.storeMeta
	storeID := n.store.Id
	err := n.engines.kv.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(RegionMetaMinKey); it.Valid(); it.Next() {
			item := it.Item()
			if bytes.Compare(item.Key(), RegionMetaMaxKey) >= 0 {
				break
			}
			regionID, suffix := DecodeRegionMetaKey(item.Key())
			if suffix != RegionStateSuffix {
				continue
			}
			val, err := item.Value()
			if err != nil {
				return errors.WithStack(err)
			}
			localState := new(rspb.RegionLocalState)
			if err = localState.Unmarshal(val); err != nil {
				return errors.WithStack(err)
			}
			region := localState.Region
			if localState.State == rspb.PeerState_Tombstone {
				tombstoneCount++
				log.S().Debugf("[region %d] is tombstone, skip it", regionID)
				continue
			}
			peer, err := createPeerFsm(storeID, ctx.cfg, ctx.regionTaskSender, n.engines, region)
			if err != nil {
				return err
			}
			switch localState.State {
			case rspb.PeerState_Applying:
				applyingCount++
				if err = n.resumeApplyingSnapshot(peer); err != nil {
					return err
				}
			case rspb.PeerState_Merging:
				mergingCount++
				peer.peer.PendingMergeState = localState.MergeState
			}
			meta.Lock()
			meta.regionTree.Put(region)
			meta.regions[regionID] = region
			meta.readers[regionID] = newReadDelegate(peer.peer)
			meta.Unlock()
			peers = append(peers, peer)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	meta.Lock()
	meta.updateRegionCount()
	meta.Unlock()
	for _, peer := range peers {
		peer.peer.Activate(ctx.applySched)
	}
	log.Info("load peers", zap.Uint64("store id", storeID), zap.Int("region count", len(peers)),
		zap.Int("tombstone count", tombstoneCount), zap.Int("applying count", applyingCount),
		zap.Int("merging count", mergingCount))
	return peers, nil
}

// resumeApplyingSnapshot schedules the snapshot whose apply was interrupted
// by a restart again.
func (n *Node) resumeApplyingSnapshot(peer *peerFsm) error {
	store := peer.peer.Store()
	key := SnapKey{
		RegionID: peer.regionID(),
		Term:     store.TruncatedTerm(),
		Index:    store.TruncatedIndex(),
	}
	snapData, err := n.ctx.snapMgr.Load(key, false)
	if err != nil {
		return errors.Annotatef(err, "load snapshot %s of applying region", key)
	}
	ps, ok := store.(*badgerPeerStorage)
	if !ok {
		return errors.Errorf("%s can't resume applying snapshot", peer.tag())
	}
	log.S().Infof("%s resumes applying snapshot %s", peer.tag(), key)
	ps.ScheduleApplyingSnapshot(snapData)
	return nil
}

// Stop stops the workers, the engines are left open.
func (n *Node) Stop() {
	log.Info("stop raft store node", zap.Uint64("store id", n.store.Id))
	close(n.closeCh)
	for _, w := range n.workers {
		w.stop()
	}
	n.wg.Wait()
	n.router.closeAll()
	if n.ownTrans != nil {
		n.ownTrans.Stop()
	}
}
