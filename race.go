// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package forever

// RaceEnabled is true when the race detector is active.
// Used by tests to skip tests that cross goroutines through atomix-ordered
// state the detector cannot see, such as Unbounded ring slots or a
// Subscriber closed flag read by a parked Recv.
const RaceEnabled = true
