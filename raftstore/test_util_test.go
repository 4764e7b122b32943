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
	"context"
	"io/ioutil"
	"os"
	"sync"
	"testing"

	"github.com/pingcap/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/pdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, dir string) *badger.DB {
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.ValueThreshold = 256
	db, err := badger.Open(opts)
	require.Nil(t, err)
	return db
}

func newTestEngines(t *testing.T) *Engines {
	kvPath, err := ioutil.TempDir("", "raftpeer_kv")
	require.Nil(t, err)
	raftPath, err := ioutil.TempDir("", "raftpeer_raft")
	require.Nil(t, err)
	return NewEngines(openTestDB(t, kvPath), openTestDB(t, raftPath), kvPath, raftPath)
}

func cleanUpTestEngineData(engines *Engines) {
	engines.Close()
	os.RemoveAll(engines.kvPath)
	os.RemoveAll(engines.raftPath)
}

// mockTransport records the messages sent by the peers.
type mockTransport struct {
	sync.Mutex
	msgs []*rspb.RaftMessage
	err  error
}

func (t *mockTransport) Send(msg *rspb.RaftMessage) error {
	t.Lock()
	defer t.Unlock()
	if t.err != nil {
		return t.err
	}
	t.msgs = append(t.msgs, msg)
	return nil
}

func (t *mockTransport) sent() []*rspb.RaftMessage {
	t.Lock()
	defer t.Unlock()
	msgs := t.msgs
	t.msgs = nil
	return msgs
}

// mockApplyScheduler records the tasks handed to the apply pipeline.
type mockApplyScheduler struct {
	sync.Mutex
	tasks []*ApplyTask
}

func (s *mockApplyScheduler) ScheduleTask(regionID uint64, task *ApplyTask) {
	s.Lock()
	s.tasks = append(s.tasks, task)
	s.Unlock()
}

func (s *mockApplyScheduler) tasksOf(regionID uint64, tp ApplyTaskType) []*ApplyTask {
	s.Lock()
	defer s.Unlock()
	var tasks []*ApplyTask
	for _, task := range s.tasks {
		if task.RegionID == regionID && task.Type == tp {
			tasks = append(tasks, task)
		}
	}
	return tasks
}

// mockPDClient keeps the stores and regions in memory.
type mockPDClient struct {
	sync.Mutex
	clusterID uint64
	nextID    uint64
	stores    map[uint64]*metapb.Store
	regions   map[uint64]*metapb.Region
	reports   []*pdpb.RegionHeartbeatRequest
	storeHBs  []*pdpb.StoreStats
	splits    [][]*metapb.Region
	handler   func(*pdpb.RegionHeartbeatResponse)
}

func newMockPDClient(clusterID uint64) *mockPDClient {
	return &mockPDClient{
		clusterID: clusterID,
		nextID:    1000,
		stores:    map[uint64]*metapb.Store{},
		regions:   map[uint64]*metapb.Region{},
	}
}

func (c *mockPDClient) GetClusterID(context.Context) uint64 {
	return c.clusterID
}

func (c *mockPDClient) AllocID(context.Context) (uint64, error) {
	c.Lock()
	defer c.Unlock()
	c.nextID++
	return c.nextID, nil
}

func (c *mockPDClient) PutStore(_ context.Context, store *metapb.Store) error {
	c.Lock()
	defer c.Unlock()
	c.stores[store.Id] = store
	return nil
}

func (c *mockPDClient) GetStore(_ context.Context, storeID uint64) (*metapb.Store, error) {
	c.Lock()
	defer c.Unlock()
	store, ok := c.stores[storeID]
	if !ok {
		return nil, errors.Errorf("store %d not found", storeID)
	}
	return store, nil
}

func (c *mockPDClient) GetRegionByID(_ context.Context, regionID uint64) (*metapb.Region, *metapb.Peer, error) {
	c.Lock()
	defer c.Unlock()
	region, ok := c.regions[regionID]
	if !ok {
		return nil, nil, nil
	}
	return region, nil, nil
}

func (c *mockPDClient) ReportRegion(req *pdpb.RegionHeartbeatRequest) {
	c.Lock()
	c.reports = append(c.reports, req)
	c.Unlock()
}

func (c *mockPDClient) AskBatchSplit(_ context.Context, region *metapb.Region, count int) (*pdpb.AskBatchSplitResponse, error) {
	c.Lock()
	defer c.Unlock()
	resp := new(pdpb.AskBatchSplitResponse)
	for i := 0; i < count; i++ {
		c.nextID++
		id := &pdpb.SplitID{NewRegionId: c.nextID}
		for range region.Peers {
			c.nextID++
			id.NewPeerIds = append(id.NewPeerIds, c.nextID)
		}
		resp.Ids = append(resp.Ids, id)
	}
	return resp, nil
}

func (c *mockPDClient) ReportBatchSplit(_ context.Context, regions []*metapb.Region) error {
	c.Lock()
	c.splits = append(c.splits, regions)
	c.Unlock()
	return nil
}

func (c *mockPDClient) StoreHeartbeat(_ context.Context, stats *pdpb.StoreStats) error {
	c.Lock()
	c.storeHBs = append(c.storeHBs, stats)
	c.Unlock()
	return nil
}

func (c *mockPDClient) SetRegionHeartbeatResponseHandler(h func(*pdpb.RegionHeartbeatResponse)) {
	c.Lock()
	c.handler = h
	c.Unlock()
}

func (c *mockPDClient) Close() {}

const testStoreID uint64 = 1

// testStore is a store whose workers are not running, the tasks and messages
// stay in their channels to be inspected.
type testStore struct {
	t       *testing.T
	engines *Engines
	snapDir string
	cfg     *Config
	ctx     *GlobalContext
	router  *router
	trans   *mockTransport
	apply   *mockApplyScheduler
	pd      *mockPDClient

	pdWorker          *worker
	regionWorker      *worker
	raftLogGCWorker   *worker
	splitCheckWorker  *worker
	computeHashWorker *worker
}

func newTestStore(t *testing.T) *testStore {
	engines := newTestEngines(t)
	snapDir, err := ioutil.TempDir("", "raftpeer_snap")
	require.Nil(t, err)
	cfg := NewDefaultConfig()
	cfg.SnapPath = snapDir
	cfg.RaftWorkerCnt = 1
	cfg.PeerMsgChanSize = 1024

	snapMgr := NewSnapManager(snapDir)
	require.Nil(t, snapMgr.Init())
	storeSender, storeFsm := newStoreFsm(cfg)
	r := newRouter(cfg.RaftWorkerCnt, cfg.PeerMsgChanSize, storeSender, storeFsm)
	wg := new(sync.WaitGroup)
	s := &testStore{
		t:                 t,
		engines:           engines,
		snapDir:           snapDir,
		cfg:               cfg,
		router:            r,
		trans:             new(mockTransport),
		apply:             new(mockApplyScheduler),
		pd:                newMockPDClient(1),
		pdWorker:          newWorker("pd-worker", wg),
		regionWorker:      newWorker("region-worker", wg),
		raftLogGCWorker:   newWorker("raft-gc-worker", wg),
		splitCheckWorker:  newWorker("split-check", wg),
		computeHashWorker: newWorker("compute-hash", wg),
	}
	s.ctx = &GlobalContext{
		cfg:                   cfg,
		engine:                engines,
		store:                 &metapb.Store{Id: testStoreID, Address: "127.0.0.1:20160"},
		storeMeta:             newStoreMeta(),
		snapMgr:               snapMgr,
		router:                r,
		trans:                 s.trans,
		pdClient:              s.pd,
		applySched:            s.apply,
		pdTaskSender:          s.pdWorker.sender,
		regionTaskSender:      s.regionWorker.sender,
		raftLogGCTaskSender:   s.raftLogGCWorker.sender,
		splitCheckTaskSender:  s.splitCheckWorker.sender,
		computeHashTaskSender: s.computeHashWorker.sender,
	}
	return s
}

func (s *testStore) cleanUp() {
	cleanUpTestEngineData(s.engines)
	os.RemoveAll(s.snapDir)
}

// newPeer bootstraps the region and registers its peer on this store.
func (s *testStore) newPeer(region *metapb.Region) *peerFsm {
	require.Nil(s.t, BootstrapRegion(s.engines, region))
	peer, err := createPeerFsm(testStoreID, s.cfg, s.ctx.regionTaskSender, s.engines, region)
	require.Nil(s.t, err)
	meta := s.ctx.storeMeta
	meta.Lock()
	meta.regionTree.Put(region)
	meta.regions[region.Id] = region
	meta.readers[region.Id] = newReadDelegate(peer.peer)
	meta.updateRegionCount()
	meta.Unlock()
	peer.peer.Activate(s.ctx.applySched)
	s.router.register(peer)
	return peer
}

func (s *testStore) handler(peer *peerFsm) *peerMsgHandler {
	return newRaftMsgHandler(peer, newRaftContext(s.ctx))
}

// takeMsgs drains the peer messages queued on the raft worker channel.
func (s *testStore) takeMsgs() []Msg {
	var msgs []Msg
	ch := s.router.workerSenders[0]
	for {
		select {
		case msg := <-ch:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

// takeStoreMsgs drains the messages queued for the store fsm.
func (s *testStore) takeStoreMsgs() []Msg {
	var msgs []Msg
	for {
		select {
		case msg := <-s.router.storeFsm.receiver:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func takeTasks(w *worker) []task {
	var tasks []task
	for {
		select {
		case t := <-w.receiver:
			tasks = append(tasks, t)
		default:
			return tasks
		}
	}
}

func tasksOfType(tasks []task, tp taskType) []task {
	var res []task
	for _, t := range tasks {
		if t.tp == tp {
			res = append(res, t)
		}
	}
	return res
}

func msgsOfType(msgs []Msg, tp MsgType) []Msg {
	var res []Msg
	for _, msg := range msgs {
		if msg.Type == tp {
			res = append(res, msg)
		}
	}
	return res
}

func newTestRegion(id uint64, start, end string, version, confVer uint64, peers ...*metapb.Peer) *metapb.Region {
	return &metapb.Region{
		Id:       id,
		StartKey: []byte(start),
		EndKey:   []byte(end),
		RegionEpoch: &metapb.RegionEpoch{
			Version: version,
			ConfVer: confVer,
		},
		Peers: peers,
	}
}

func newTestPeer(id, storeID uint64) *metapb.Peer {
	return &metapb.Peer{Id: id, StoreId: storeID}
}

// applyResult builds an apply result that keeps the apply state of the peer.
func applyResult(peer *peerFsm, results ...ExecResult) *ApplyTaskRes {
	return &ApplyTaskRes{Apply: &ApplyResult{
		RegionID:         peer.regionID(),
		ApplyState:       peer.peer.Store().ApplyState(),
		AppliedIndexTerm: peer.peer.Store().AppliedIndexTerm(),
		ExecResults:      results,
	}}
}
