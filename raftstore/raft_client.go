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
	"sync"
	"time"

	"github.com/ngaut/raftpeer/pd"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/kvproto/pkg/tikvpb"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

var errStreamNotReady = errors.New("raft stream is not ready")

// sendResultReporter is told about the messages that failed to be sent and
// the snapshots that are sent.
type sendResultReporter func(msg *rspb.RaftMessage, err error)

type raftConn struct {
	msgCh           chan *rspb.RaftMessage
	ctx             context.Context
	cancel          context.CancelFunc
	nextRetryTime   time.Time
	lastResolveTime time.Time
	addr            string
	storeID         uint64
	cfg             *Config
	report          sendResultReporter
	limiter         *IOLimiter

	pdCli        pd.Client
	batch        *tikvpb.BatchRaftMessage
	conn         *grpc.ClientConn
	stream       tikvpb.Tikv_BatchRaftClient
	streamCancel context.CancelFunc
}

func newRaftConn(storeID uint64, cfg *Config, pdCli pd.Client, limiter *IOLimiter, report sendResultReporter) *raftConn {
	ctx, cancel := context.WithCancel(context.Background())
	rc := &raftConn{
		msgCh:   make(chan *rspb.RaftMessage, 256),
		ctx:     ctx,
		cancel:  cancel,
		storeID: storeID,
		cfg:     cfg,
		report:  report,
		limiter: limiter,
		pdCli:   pdCli,
		batch:   new(tikvpb.BatchRaftMessage),
	}
	go rc.runSender()
	return rc
}

const maxBatchSize = 128

func (c *raftConn) runSender() {
	for {
		select {
		case msg := <-c.msgCh:
			c.senderHandleMsg(msg)
		case <-c.ctx.Done():
			if c.conn != nil {
				_ = c.conn.Close()
			}
			log.Info("raft conn done", zap.Uint64("store id", c.storeID))
			return
		}
	}
}

func (c *raftConn) senderHandleMsg(msg *rspb.RaftMessage) {
	c.resetBatchRaftMsg()
	batch := c.batch
	batch.Msgs = append(batch.Msgs, msg)
	chLen := len(c.msgCh)
	for i := 0; i < chLen && len(batch.Msgs) < maxBatchSize; i++ {
		batch.Msgs = append(batch.Msgs, <-c.msgCh)
	}
	if c.stream == nil {
		if time.Now().Before(c.nextRetryTime) {
			// drop the messages directly.
			c.reportBatch(errStreamNotReady)
			return
		}
		if err := c.newStream(); err != nil {
			c.nextRetryTime = time.Now().Add(time.Second)
			log.Warn("failed to create raft stream", zap.Uint64("store id", c.storeID), zap.Error(err))
			c.reportBatch(err)
			return
		}
		log.Info("new raft stream", zap.Uint64("store id", c.storeID), zap.String("addr", c.addr))
	}
	if err := c.throttleSnapshots(); err != nil {
		c.reportBatch(err)
		return
	}
	err := c.stream.Send(batch)
	if err != nil {
		c.streamCancel()
		c.stream = nil
		log.Warn("failed to send batch raft message", zap.Uint64("store id", c.storeID), zap.Error(err))
	}
	c.reportBatch(err)
}

// throttleSnapshots waits for the snapshot bytes of the batch to be allowed by the limiter.
func (c *raftConn) throttleSnapshots() error {
	for _, msg := range c.batch.Msgs {
		if msg.GetMessage().GetSnapshot() == nil {
			continue
		}
		if err := waitIO(c.ctx, c.limiter, msg.Size()); err != nil {
			return err
		}
	}
	return nil
}

func (c *raftConn) reportBatch(err error) {
	if c.report == nil {
		return
	}
	for _, msg := range c.batch.Msgs {
		if err != nil || msg.GetMessage().GetSnapshot() != nil {
			c.report(msg, err)
		}
	}
}

func (c *raftConn) resetBatchRaftMsg() {
	for i := 0; i < len(c.batch.Msgs); i++ {
		c.batch.Msgs[i] = nil
	}
	c.batch.Msgs = c.batch.Msgs[:0]
}

const resolveRefreshInterval = time.Second * 60

func (c *raftConn) resolveAddr() (string, error) {
	if c.addr != "" && time.Since(c.lastResolveTime) < resolveRefreshInterval {
		return c.addr, nil
	}
	addr, err := getStoreAddr(c.ctx, c.storeID, c.pdCli)
	if err != nil {
		return "", err
	}
	c.addr = addr
	c.lastResolveTime = time.Now()
	return c.addr, nil
}

func (c *raftConn) newStream() error {
	addr, err := c.resolveAddr()
	if err != nil {
		return err
	}
	if c.conn == nil || c.conn.Target() != addr {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.conn, err = grpc.Dial(addr, grpc.WithInsecure(),
			grpc.WithInitialWindowSize(c.cfg.GrpcInitialWindowSize),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                c.cfg.GrpcKeepAliveTime,
				Timeout:             c.cfg.GrpcKeepAliveTimeout,
				PermitWithoutStream: true,
			}))
		if err != nil {
			c.conn = nil
			return errors.Trace(err)
		}
	}
	ctx, cancelFunc := context.WithCancel(c.ctx)
	c.stream, err = tikvpb.NewTikvClient(c.conn).BatchRaft(ctx)
	if err != nil {
		cancelFunc()
		return errors.Trace(err)
	}
	c.streamCancel = cancelFunc
	return nil
}

func (c *raftConn) Stop() {
	c.cancel()
}

func (c *raftConn) Send(msg *rspb.RaftMessage) error {
	select {
	case c.msgCh <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

type connKey struct {
	storeID uint64
	index   int
}

// RaftClient sends raft messages to other stores with batched gRPC streams.
type RaftClient struct {
	config *Config
	sync.RWMutex
	conns   map[connKey]*raftConn
	pdCli   pd.Client
	report  sendResultReporter
	limiter *IOLimiter
}

func newRaftClient(config *Config, pdCli pd.Client, report sendResultReporter) *RaftClient {
	return &RaftClient{
		config:  config,
		conns:   make(map[connKey]*raftConn),
		pdCli:   pdCli,
		report:  report,
		limiter: NewIOLimiter(config.SnapMaxWriteBytesPerSec),
	}
}

func (c *RaftClient) getConn(storeID, regionID uint64) *raftConn {
	connNum := c.config.GrpcRaftConnNum
	if connNum == 0 {
		connNum = 1
	}
	key := connKey{storeID, int(regionID % connNum)}
	c.RLock()
	conn, ok := c.conns[key]
	c.RUnlock()
	if ok {
		return conn
	}
	c.Lock()
	defer c.Unlock()
	if conn, ok = c.conns[key]; ok {
		return conn
	}
	conn = newRaftConn(storeID, c.config, c.pdCli, c.limiter, c.report)
	c.conns[key] = conn
	return conn
}

// Send queues the message on the connection of the target store.
func (c *RaftClient) Send(msg *rspb.RaftMessage) error {
	storeID := msg.GetToPeer().GetStoreId()
	return c.getConn(storeID, msg.GetRegionId()).Send(msg)
}

// Stop closes all the connections.
func (c *RaftClient) Stop() {
	c.Lock()
	defer c.Unlock()
	for k, conn := range c.conns {
		delete(c.conns, k)
		conn.Stop()
	}
}

func getStoreAddr(ctx context.Context, id uint64, pdCli pd.Client) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, pdRequestTimeout)
	defer cancel()
	store, err := pdCli.GetStore(ctx, id)
	if err != nil {
		return "", err
	}
	if store.GetState() == metapb.StoreState_Tombstone {
		return "", errors.Errorf("store %d has been removed", id)
	}
	addr := store.GetAddress()
	if addr == "" {
		return "", errors.Errorf("invalid empty address for store %d", id)
	}
	return addr, nil
}
