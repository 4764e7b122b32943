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
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/pdpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// mockPD implements the few PD RPCs the client uses, the rest panic.
type mockPD struct {
	pdpb.PDServer
	clusterID uint64
	addr      string
	nextID    uint64
}

func (m *mockPD) header() *pdpb.ResponseHeader {
	return &pdpb.ResponseHeader{ClusterId: m.clusterID}
}

func (m *mockPD) GetMembers(context.Context, *pdpb.GetMembersRequest) (*pdpb.GetMembersResponse, error) {
	member := &pdpb.Member{Name: "pd", MemberId: 1, ClientUrls: []string{"http://" + m.addr}}
	return &pdpb.GetMembersResponse{
		Header:  m.header(),
		Members: []*pdpb.Member{member},
		Leader:  member,
	}, nil
}

func (m *mockPD) AllocID(context.Context, *pdpb.AllocIDRequest) (*pdpb.AllocIDResponse, error) {
	return &pdpb.AllocIDResponse{Header: m.header(), Id: atomic.AddUint64(&m.nextID, 1)}, nil
}

func (m *mockPD) GetStore(_ context.Context, req *pdpb.GetStoreRequest) (*pdpb.GetStoreResponse, error) {
	if req.StoreId == 0 {
		return &pdpb.GetStoreResponse{Header: &pdpb.ResponseHeader{
			ClusterId: m.clusterID,
			Error:     &pdpb.Error{Type: pdpb.ErrorType_UNKNOWN, Message: "invalid store id"},
		}}, nil
	}
	return &pdpb.GetStoreResponse{
		Header: m.header(),
		Store:  &metapb.Store{Id: req.StoreId, Address: "127.0.0.1:20160"},
	}, nil
}

func (m *mockPD) RegionHeartbeat(stream pdpb.PD_RegionHeartbeatServer) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}
		resp := &pdpb.RegionHeartbeatResponse{
			Header:   m.header(),
			RegionId: req.GetRegion().GetId(),
		}
		if err = stream.Send(resp); err != nil {
			return err
		}
	}
}

func startMockPD(t *testing.T) (*mockPD, func()) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	pd := &mockPD{clusterID: 42, addr: l.Addr().String()}
	s := grpc.NewServer()
	pdpb.RegisterPDServer(s, pd)
	go s.Serve(l)
	return pd, s.Stop
}

func TestClient(t *testing.T) {
	pd, stop := startMockPD(t)
	defer stop()

	cli, err := NewClient([]string{pd.addr}, "test")
	require.Nil(t, err)
	defer cli.Close()

	ctx := context.Background()
	assert.Equal(t, uint64(42), cli.GetClusterID(ctx))

	id1, err := cli.AllocID(ctx)
	require.Nil(t, err)
	id2, err := cli.AllocID(ctx)
	require.Nil(t, err)
	assert.True(t, id2 > id1)

	store, err := cli.GetStore(ctx, 3)
	require.Nil(t, err)
	assert.Equal(t, uint64(3), store.Id)
	assert.Equal(t, "127.0.0.1:20160", store.Address)

	_, err = cli.GetStore(ctx, 0)
	require.NotNil(t, err)

	respCh := make(chan *pdpb.RegionHeartbeatResponse, 1)
	cli.SetRegionHeartbeatResponseHandler(func(resp *pdpb.RegionHeartbeatResponse) {
		respCh <- resp
	})
	cli.ReportRegion(&pdpb.RegionHeartbeatRequest{Region: &metapb.Region{Id: 7}})
	select {
	case resp := <-respCh:
		assert.Equal(t, uint64(7), resp.RegionId)
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat response timeout")
	}
}

func TestConnectDuplicateEndpoints(t *testing.T) {
	_, _, err := connectToEndpoints(context.Background(), []string{"127.0.0.1:1", "127.0.0.1:1"})
	require.NotNil(t, err)
}
