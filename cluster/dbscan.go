// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

// Noise labels points that belong to no cluster.
const Noise = -1

// A Graph is a sparse neighborhood graph with n points: neighbors[i]
// lists the points within distance eps of point i.
type Graph struct {
	neighbors [][]int
}

// NewGraph returns an empty graph of n points.
func NewGraph(n int) *Graph {
	return &Graph{neighbors: make([][]int, n)}
}

// Len returns the number of points in g.
func (g *Graph) Len() int { return len(g.neighbors) }

// Connect records that points i and j are neighbors. Connect must be
// called once per unordered pair.
func (g *Graph) Connect(i, j int) {
	if i == j {
		return
	}
	g.neighbors[i] = append(g.neighbors[i], j)
	g.neighbors[j] = append(g.neighbors[j], i)
}

// Degree returns the size of the neighborhood of point i, including
// i itself.
func (g *Graph) Degree(i int) int { return len(g.neighbors[i]) + 1 }

// DBSCAN clusters the points of g: points whose neighborhood (which
// includes the point itself) has at least minSamples points are core
// points; clusters are the connected components of core points,
// together with the non-core points in their neighborhoods. DBSCAN
// returns the cluster label of each point, numbered from 0 in order of
// each cluster's first core point; points in no cluster are labeled
// Noise. It also returns the number of clusters.
func DBSCAN(g *Graph, minSamples int) (labels []int, n int) {
	labels = make([]int, g.Len())
	for i := range labels {
		labels[i] = Noise
	}
	core := make([]bool, g.Len())
	for i := range core {
		core[i] = g.Degree(i) >= minSamples
	}
	var stack []int
	for i := range labels {
		if labels[i] != Noise || !core[i] {
			continue
		}
		labels[i] = n
		stack = append(stack[:0], i)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, q := range g.neighbors[p] {
				if labels[q] != Noise {
					continue
				}
				labels[q] = n
				if core[q] {
					stack = append(stack, q)
				}
			}
		}
		n++
	}
	return labels, n
}
