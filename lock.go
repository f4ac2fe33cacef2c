// Copyright 2023 The mempool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mempool

import "sync"

// Mutual exclusion locks. The locking hierarchy is strict: a worker
// holds at most one mcentral bucket lock and may acquire the mheap
// lock while holding it, never the other way around. The mcache tier
// takes no locks at all.

type mutex struct {
	sync.Mutex
}

func lock(l *mutex) {
	l.Lock()
}

func unlock(l *mutex) {
	l.Unlock()
}
