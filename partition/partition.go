// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package partition assigns independent units of work to a fixed
// number of workers. Assignment is round-robin: the task at position k
// is given to worker k mod w. The functions here are pure; every
// worker in a job computes the full assignment independently and
// selects its own portion, so no coordination is needed.
package partition

import "fmt"

// RoundRobin assigns the positions 0..n-1 to w workers. The returned
// slice has length w; entry i lists the positions assigned to worker
// i in increasing order. Workers receive empty lists when n < w.
// RoundRobin panics if w < 1.
func RoundRobin(n, w int) [][]int {
	checkWorkers(w)
	if n < 0 {
		n = 0
	}
	assign := make([][]int, w)
	for i := range assign {
		assign[i] = make([]int, 0, count(n, w, i))
	}
	for k := 0; k < n; k++ {
		assign[k%w] = append(assign[k%w], k)
	}
	return assign
}

// Ints assigns the task identifiers ids to w workers, preserving the
// order of ids within each worker's list.
func Ints(ids []int, w int) [][]int {
	assign := RoundRobin(len(ids), w)
	for _, positions := range assign {
		for j, k := range positions {
			positions[j] = ids[k]
		}
	}
	return assign
}

// Rank returns the identifiers among ids that are assigned to worker
// rank out of w workers.
func Rank(ids []int, w, rank int) []int {
	checkWorkers(w)
	if rank < 0 || rank >= w {
		panic(fmt.Sprintf("partition.Rank: rank %d out of range [0, %d)", rank, w))
	}
	mine := make([]int, 0, count(len(ids), w, rank))
	for k := rank; k < len(ids); k += w {
		mine = append(mine, ids[k])
	}
	return mine
}

// count returns the number of positions among n that are assigned to
// worker i of w.
func count(n, w, i int) int {
	if i >= n {
		return 0
	}
	return (n-i-1)/w + 1
}

func checkWorkers(w int) {
	if w < 1 {
		panic(fmt.Sprintf("partition: invalid worker count %d", w))
	}
}
