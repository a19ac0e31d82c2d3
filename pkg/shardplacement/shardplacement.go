// Package shardplacement computes which storage nodes hold which
// replica of a shard for the distributed block driver. Placement is
// derived from the lexicographically ordered C(nodes, replicas)
// combinations of node indices: each combination becomes one row of a
// placement table, and shard i is assigned row i mod len(table).
package shardplacement

import "fmt"

// Table is a precomputed placement table: Table[row][replica] is the
// node index holding that replica for any shard whose index mod
// len(Table) equals row.
type Table struct {
	nodes    int
	replicas int
	rows     [][]int
}

// New builds the placement table for distributing replicas-many copies
// of each shard across nodes-many storage nodes. It returns an error if
// either count is not positive or if replicas exceeds nodes.
func New(nodes, replicas int) (*Table, error) {
	if nodes <= 0 || replicas <= 0 {
		return nil, fmt.Errorf("shardplacement: nodes and replicas must be positive, got nodes=%d replicas=%d", nodes, replicas)
	}
	if replicas > nodes {
		return nil, fmt.Errorf("shardplacement: replicas (%d) cannot exceed nodes (%d)", replicas, nodes)
	}

	idxs := make([]int, nodes)
	for i := range idxs {
		idxs[i] = i
	}

	rows := combinations(idxs, replicas)

	return &Table{nodes: nodes, replicas: replicas, rows: rows}, nil
}

// NodeForShard returns the node index holding replica replicaIdx of
// shard shardIdx.
func (t *Table) NodeForShard(shardIdx int, replicaIdx int) int {
	row := shardIdx % len(t.rows)
	return t.rows[row][replicaIdx]
}

// NodesForShard returns every node index holding a replica of shardIdx,
// ordered by replica index.
func (t *Table) NodesForShard(shardIdx int) []int {
	row := t.rows[shardIdx%len(t.rows)]
	out := make([]int, len(row))
	copy(out, row)
	return out
}

// Rows returns the number of distinct placement rows (C(nodes, replicas)).
func (t *Table) Rows() int {
	return len(t.rows)
}

// combinations returns every replicas-length combination of items,
// preserving the lexicographic order of the input, e.g. combinations of
// [0,1,2,3] taken 2 at a time yields [0 1] [0 2] [0 3] [1 2] [1 3] [2 3].
func combinations(items []int, k int) [][]int {
	n := len(items)
	if k == 0 || k > n {
		return nil
	}

	indices := make([]int, k)
	for i := range indices {
		indices[i] = i
	}

	var result [][]int
	for {
		combo := make([]int, k)
		for i, idx := range indices {
			combo[i] = items[idx]
		}
		result = append(result, combo)

		i := k - 1
		for i >= 0 && indices[i] == i+n-k {
			i--
		}
		if i < 0 {
			break
		}
		indices[i]++
		for j := i + 1; j < k; j++ {
			indices[j] = indices[j-1] + 1
		}
	}

	return result
}
