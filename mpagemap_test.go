// Copyright 2023 The mempool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mempool

import "testing"

func TestPageMapSetGet(t *testing.T) {
	var m pageMap
	m.init()

	s1 := new(mspan)
	s2 := new(mspan)

	keys := []pageID{
		0, 1, 2,
		1<<(_PageMapBits/3) - 1, 1 << (_PageMapBits / 3), // around a low level boundary
		1<<(2*_PageMapBits/3) - 1, 1 << (2 * _PageMapBits / 3), // around a high level boundary
		1<<_PageMapBits - 1, // last valid page id
	}
	for _, k := range keys {
		if got := m.get(k); got != nil {
			t.Fatalf("get(%#x) on empty map = %p, want nil", k, got)
		}
	}
	for i, k := range keys {
		s := s1
		if i%2 == 1 {
			s = s2
		}
		m.set(k, s)
	}
	for i, k := range keys {
		want := s1
		if i%2 == 1 {
			want = s2
		}
		if got := m.get(k); got != want {
			t.Errorf("get(%#x) = %p, want %p", k, got, want)
		}
	}

	// Neighbors of set keys stay absent.
	if got := m.get(3); got != nil {
		t.Errorf("get(3) = %p, want nil", got)
	}

	// Erase.
	m.set(keys[0], nil)
	if got := m.get(keys[0]); got != nil {
		t.Errorf("get after erase = %p, want nil", got)
	}

	// Out of range reads fail soft.
	if got := m.get(1 << _PageMapBits); got != nil {
		t.Errorf("get beyond key width = %p, want nil", got)
	}
}
