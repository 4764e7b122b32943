// Copyright 2017 PingCAP, Inc.
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

package pd

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/pdpb"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Client is a PD (Placement Driver) client used by the raftstore.
// It should not be used after calling Close().
type Client interface {
	GetClusterID(ctx context.Context) uint64
	AllocID(ctx context.Context) (uint64, error)
	PutStore(ctx context.Context, store *metapb.Store) error
	GetStore(ctx context.Context, storeID uint64) (*metapb.Store, error)
	GetRegionByID(ctx context.Context, regionID uint64) (*metapb.Region, *metapb.Peer, error)
	ReportRegion(*pdpb.RegionHeartbeatRequest)
	AskBatchSplit(ctx context.Context, region *metapb.Region, count int) (*pdpb.AskBatchSplitResponse, error)
	ReportBatchSplit(ctx context.Context, regions []*metapb.Region) error
	StoreHeartbeat(ctx context.Context, stats *pdpb.StoreStats) error
	SetRegionHeartbeatResponseHandler(h func(*pdpb.RegionHeartbeatResponse))
	Close()
}

const (
	pdTimeout         = time.Second
	reconnectInterval = time.Second
	maxRetryCount     = 10
)

type client struct {
	urls      []string
	tag       string
	clusterID uint64

	connMu        sync.RWMutex
	clientConn    *grpc.ClientConn
	members       *pdpb.GetMembersResponse
	stream        pdpb.PD_RegionHeartbeatClient
	streamCtx     context.Context
	streamCancel  context.CancelFunc
	lastReconnect time.Time

	regionCh       chan *pdpb.RegionHeartbeatRequest
	pendingRequest *pdpb.RegionHeartbeatRequest

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	heartbeatHandler atomic.Value
}

// NewClient creates a PD client.
func NewClient(pdAddrs []string, tag string) (Client, error) {
	log.Info("create pd client", zap.String("tag", tag), zap.Strings("endpoints", pdAddrs))
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		urls:     pdAddrs,
		tag:      tag,
		ctx:      ctx,
		cancel:   cancel,
		regionCh: make(chan *pdpb.RegionHeartbeatRequest, 64),
	}
	cc, members, err := connectToEndpoints(ctx, pdAddrs)
	if err != nil {
		cancel()
		return nil, err
	}
	c.clusterID = members.Header.GetClusterId()
	c.clientConn = cc
	c.members = members
	log.Info("init cluster id", zap.String("tag", tag), zap.Uint64("cluster id", c.clusterID))
	if err := c.createHeartbeatStream(); err != nil {
		cancel()
		return nil, err
	}
	c.wg.Add(1)
	go c.heartbeatStreamLoop()
	return c, nil
}

func (c *client) reconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if time.Since(c.lastReconnect) < reconnectInterval {
		// Avoid unnecessary updating.
		return nil
	}
	c.clientConn.Close()

	cc, members, err := tryConnectLeader(c.ctx, c.members)
	if err != nil {
		return err
	}
	c.clientConn = cc
	c.members = members

	if err := c.createHeartbeatStream(); err != nil {
		return err
	}
	c.lastReconnect = time.Now()
	return nil
}

func (c *client) doRequest(ctx context.Context, f func(context.Context, pdpb.PDClient) error) error {
	var retry int
	for {
		c.connMu.RLock()
		reqCtx, cancel := context.WithTimeout(ctx, pdTimeout)
		err := f(reqCtx, pdpb.NewPDClient(c.clientConn))
		c.connMu.RUnlock()
		cancel()
		if err == nil {
			return nil
		}
		log.Warn("pd request failed", zap.String("tag", c.tag), zap.Error(err))
		for {
			err1 := c.reconnect()
			if err1 == nil {
				break
			}
			log.Warn("reconnect pd failed", zap.String("tag", c.tag), zap.Error(err1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectInterval):
			}
		}
		retry++
		if retry >= maxRetryCount {
			return errors.Errorf("[%s] pd request failed %d times: %v", c.tag, retry, err)
		}
	}
}

func (c *client) createHeartbeatStream() error {
	ctx, cancel := context.WithCancel(c.ctx)
	stream, err := pdpb.NewPDClient(c.clientConn).RegionHeartbeat(ctx)
	if err != nil {
		cancel()
		log.Error("create region heartbeat stream failed", zap.String("tag", c.tag), zap.Error(err))
		return errors.Trace(err)
	}
	if c.stream != nil {
		// Try to cancel an unused heartbeat sender.
		c.streamCancel()
	}
	c.stream = stream
	c.streamCtx = ctx
	c.streamCancel = cancel
	return nil
}

func (c *client) heartbeatStreamLoop() {
	defer c.wg.Done()
	for {
		errCh := make(chan error, 2)
		wg := &sync.WaitGroup{}
		wg.Add(2)
		go c.reportRegionHeartbeat(errCh, wg)
		go c.receiveRegionHeartbeat(errCh, wg)
		select {
		case err := <-errCh:
			log.Warn("heartbeat stream get error", zap.String("tag", c.tag), zap.Error(err))
		reconnectLoop:
			for {
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(reconnectInterval):
					if err := c.reconnect(); err == nil {
						break reconnectLoop
					}
				}
			}
		case <-c.ctx.Done():
			log.Info("cancel heartbeat stream loop", zap.String("tag", c.tag))
			return
		}
		wg.Wait()
	}
}

func (c *client) receiveRegionHeartbeat(errCh chan error, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		c.connMu.RLock()
		stream := c.stream
		c.connMu.RUnlock()
		resp, err := stream.Recv()
		if err != nil {
			errCh <- err
			return
		}
		if h := c.heartbeatHandler.Load(); h != nil {
			h.(func(*pdpb.RegionHeartbeatResponse))(resp)
		}
	}
}

func (c *client) reportRegionHeartbeat(errCh chan error, wg *sync.WaitGroup) {
	defer wg.Done()
	c.connMu.RLock()
	stream, streamCtx := c.stream, c.streamCtx
	c.connMu.RUnlock()
	if c.pendingRequest != nil {
		if err := stream.Send(c.pendingRequest); err != nil {
			errCh <- err
			return
		}
		c.pendingRequest = nil
	}
	for {
		select {
		case <-streamCtx.Done():
			return
		case request, ok := <-c.regionCh:
			if !ok {
				return
			}
			request.Header = c.requestHeader()
			if err := stream.Send(request); err != nil {
				c.pendingRequest = request
				errCh <- err
				return
			}
		}
	}
}

func (c *client) Close() {
	c.cancel()
	c.wg.Wait()
	if err := c.clientConn.Close(); err != nil {
		log.Error("failed close grpc clientConn", zap.String("tag", c.tag), zap.Error(err))
	}
}

func (c *client) GetClusterID(context.Context) uint64 {
	return c.clusterID
}

func (c *client) AllocID(ctx context.Context) (uint64, error) {
	var resp *pdpb.AllocIDResponse
	err := c.doRequest(ctx, func(ctx context.Context, client pdpb.PDClient) error {
		var err1 error
		resp, err1 = client.AllocID(ctx, &pdpb.AllocIDRequest{Header: c.requestHeader()})
		return err1
	})
	if err != nil {
		return 0, err
	}
	if err = checkHeader(resp.Header); err != nil {
		return 0, err
	}
	return resp.GetId(), nil
}

func (c *client) PutStore(ctx context.Context, store *metapb.Store) error {
	var resp *pdpb.PutStoreResponse
	err := c.doRequest(ctx, func(ctx context.Context, client pdpb.PDClient) error {
		var err1 error
		resp, err1 = client.PutStore(ctx, &pdpb.PutStoreRequest{
			Header: c.requestHeader(),
			Store:  store,
		})
		return err1
	})
	if err != nil {
		return err
	}
	return checkHeader(resp.Header)
}

func (c *client) GetStore(ctx context.Context, storeID uint64) (*metapb.Store, error) {
	var resp *pdpb.GetStoreResponse
	err := c.doRequest(ctx, func(ctx context.Context, client pdpb.PDClient) error {
		var err1 error
		resp, err1 = client.GetStore(ctx, &pdpb.GetStoreRequest{
			Header:  c.requestHeader(),
			StoreId: storeID,
		})
		return err1
	})
	if err != nil {
		return nil, err
	}
	if err = checkHeader(resp.Header); err != nil {
		return nil, err
	}
	return resp.Store, nil
}

func (c *client) GetRegionByID(ctx context.Context, regionID uint64) (*metapb.Region, *metapb.Peer, error) {
	var resp *pdpb.GetRegionResponse
	err := c.doRequest(ctx, func(ctx context.Context, client pdpb.PDClient) error {
		var err1 error
		resp, err1 = client.GetRegionByID(ctx, &pdpb.GetRegionByIDRequest{
			Header:   c.requestHeader(),
			RegionId: regionID,
		})
		return err1
	})
	if err != nil {
		return nil, nil, err
	}
	if err = checkHeader(resp.Header); err != nil {
		return nil, nil, err
	}
	return resp.Region, resp.Leader, nil
}

func (c *client) AskBatchSplit(ctx context.Context, region *metapb.Region, count int) (*pdpb.AskBatchSplitResponse, error) {
	var resp *pdpb.AskBatchSplitResponse
	err := c.doRequest(ctx, func(ctx context.Context, client pdpb.PDClient) error {
		var err1 error
		resp, err1 = client.AskBatchSplit(ctx, &pdpb.AskBatchSplitRequest{
			Header:     c.requestHeader(),
			Region:     region,
			SplitCount: uint32(count),
		})
		return err1
	})
	if err != nil {
		return nil, err
	}
	if err = checkHeader(resp.Header); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *client) ReportBatchSplit(ctx context.Context, regions []*metapb.Region) error {
	var resp *pdpb.ReportBatchSplitResponse
	err := c.doRequest(ctx, func(ctx context.Context, client pdpb.PDClient) error {
		var err1 error
		resp, err1 = client.ReportBatchSplit(ctx, &pdpb.ReportBatchSplitRequest{
			Header:  c.requestHeader(),
			Regions: regions,
		})
		return err1
	})
	if err != nil {
		return err
	}
	return checkHeader(resp.Header)
}

func (c *client) StoreHeartbeat(ctx context.Context, stats *pdpb.StoreStats) error {
	var resp *pdpb.StoreHeartbeatResponse
	err := c.doRequest(ctx, func(ctx context.Context, client pdpb.PDClient) error {
		var err1 error
		resp, err1 = client.StoreHeartbeat(ctx, &pdpb.StoreHeartbeatRequest{
			Header: c.requestHeader(),
			Stats:  stats,
		})
		return err1
	})
	if err != nil {
		return err
	}
	return checkHeader(resp.Header)
}

func (c *client) ReportRegion(request *pdpb.RegionHeartbeatRequest) {
	select {
	case c.regionCh <- request:
	case <-c.ctx.Done():
	}
}

func (c *client) SetRegionHeartbeatResponseHandler(h func(*pdpb.RegionHeartbeatResponse)) {
	if h == nil {
		h = func(*pdpb.RegionHeartbeatResponse) {}
	}
	c.heartbeatHandler.Store(h)
}

func (c *client) requestHeader() *pdpb.RequestHeader {
	return &pdpb.RequestHeader{
		ClusterId: c.clusterID,
	}
}

func checkHeader(header *pdpb.ResponseHeader) error {
	if herr := header.GetError(); herr != nil {
		return errors.Errorf("pd error %v: %s", herr.GetType(), herr.GetMessage())
	}
	return nil
}
