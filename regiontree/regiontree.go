// Copyright 2021-present PingCAP, Inc.
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

package regiontree

import (
	"bytes"

	"github.com/google/btree"
	"github.com/pingcap/kvproto/pkg/metapb"
)

// btreeItem is BTree's Item that uses []byte to compare.
type btreeItem struct {
	key    []byte
	inf    bool
	region *metapb.Region
}

func newBtreeItem(region *metapb.Region) *btreeItem {
	return &btreeItem{
		key:    region.EndKey,
		inf:    len(region.EndKey) == 0,
		region: region,
	}
}

func newBtreeSearchItem(key []byte) *btreeItem {
	return &btreeItem{
		key: key,
	}
}

func (item *btreeItem) Less(o btree.Item) bool {
	other := o.(*btreeItem)
	if item.inf {
		return false
	}
	if other.inf {
		return true
	}
	return bytes.Compare(item.key, other.key) < 0
}

// RegionTree indexes the regions of a store by their end key. An empty end key
// sorts after every other key.
type RegionTree struct {
	tree *btree.BTree
}

// NewRegionTree creates an empty RegionTree.
func NewRegionTree() *RegionTree {
	return &RegionTree{
		tree: btree.New(32),
	}
}

// Len returns the number of regions in the tree.
func (r *RegionTree) Len() int {
	return r.tree.Len()
}

// GetRegionByKey returns the region that contains the key, or nil.
func (r *RegionTree) GetRegionByKey(key []byte) (region *metapb.Region) {
	r.tree.AscendGreaterOrEqual(newBtreeSearchItem(key), func(item btree.Item) bool {
		region = item.(*btreeItem).region
		if len(region.EndKey) > 0 && bytes.Equal(region.EndKey, key) {
			region = nil
			return true
		}
		if bytes.Compare(region.StartKey, key) > 0 {
			region = nil
		}
		return false
	})
	return
}

// GetRegionByEndKey returns the region indexed by the end key, or nil.
func (r *RegionTree) GetRegionByEndKey(endKey []byte) *metapb.Region {
	item := r.tree.Get(&btreeItem{key: endKey, inf: len(endKey) == 0})
	if item == nil {
		return nil
	}
	return item.(*btreeItem).region
}

// Put inserts the region and returns the region previously indexed by the same
// end key.
func (r *RegionTree) Put(region *metapb.Region) (old *metapb.Region) {
	item := r.tree.ReplaceOrInsert(newBtreeItem(region))
	if item == nil {
		return nil
	}
	return item.(*btreeItem).region
}

// Delete removes the entry indexed by the region's end key and returns the removed
// region. The returned region may differ from the argument when the index is out
// of date, callers are expected to check it.
func (r *RegionTree) Delete(region *metapb.Region) (old *metapb.Region) {
	item := r.tree.Delete(newBtreeItem(region))
	if item == nil {
		return nil
	}
	return item.(*btreeItem).region
}

// Iterate calls fn for every region that overlaps [start, end) in key order until
// fn returns false. An empty end means unbounded.
func (r *RegionTree) Iterate(start, end []byte, fn func(region *metapb.Region) bool) {
	r.tree.AscendGreaterOrEqual(newBtreeSearchItem(start), func(item btree.Item) bool {
		reg := item.(*btreeItem).region
		if len(reg.EndKey) > 0 && bytes.Equal(reg.EndKey, start) {
			return true
		}
		if len(end) > 0 && bytes.Compare(reg.StartKey, end) >= 0 {
			return false
		}
		return fn(reg)
	})
}

// Next returns the region that starts where region ends.
func (r *RegionTree) Next(region *metapb.Region) (next *metapb.Region) {
	if len(region.EndKey) == 0 {
		return nil
	}
	r.tree.AscendGreaterOrEqual(newBtreeSearchItem(region.EndKey), func(item btree.Item) bool {
		reg := item.(*btreeItem).region
		if bytes.Equal(reg.EndKey, region.EndKey) {
			return true
		}
		if bytes.Equal(reg.StartKey, region.EndKey) {
			next = reg
		}
		return false
	})
	return
}

// Prev returns the region that ends where region starts.
func (r *RegionTree) Prev(region *metapb.Region) *metapb.Region {
	if len(region.StartKey) == 0 {
		return nil
	}
	return r.GetRegionByEndKey(region.StartKey)
}
