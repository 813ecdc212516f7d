// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distance

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigica/layout"
)

// Discover returns the indices of the runs whose component matrices
// are present in the intermediate directory tmp, in ascending order.
// Runs are not checked for completeness: runs that failed or have
// not yet completed are silently excluded.
func Discover(ctx context.Context, tmp string) ([]int, error) {
	var runs []int
	lister := file.List(ctx, tmp, true)
	for lister.Scan() {
		if run, ok := layout.ParseComponents(path.Base(lister.Path())); ok {
			runs = append(runs, run)
		}
	}
	if err := lister.Err(); err != nil {
		return nil, err
	}
	sort.Ints(runs)
	return runs, nil
}

// FromManifest returns the runs certified by the manifest of the
// intermediate directory tmp. It returns an error of kind
// errors.Precondition if the component matrix of a certified run is
// missing, and errors.NotExist if tmp has no manifest.
func FromManifest(ctx context.Context, tmp string) ([]int, error) {
	m, err := layout.ReadManifest(ctx, tmp)
	if err != nil {
		return nil, err
	}
	runs := append([]int(nil), m.Runs...)
	sort.Ints(runs)
	err = traverse.Each(len(runs), func(i int) error {
		_, err := file.Stat(ctx, layout.Components(tmp, runs[i]))
		if errors.Is(errors.NotExist, err) {
			return errors.E(errors.Precondition, fmt.Sprintf("run %d of job %s is certified complete but its components are missing", runs[i], m.Job), err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// Runs returns the runs to be compared: the manifest's runs if
// useManifest is set and a manifest exists, otherwise the discovered
// runs.
func Runs(ctx context.Context, tmp string, useManifest bool) ([]int, error) {
	if useManifest {
		runs, err := FromManifest(ctx, tmp)
		if !errors.Is(errors.NotExist, err) {
			return runs, err
		}
	}
	return Discover(ctx, tmp)
}

// A Pair is a pair of runs i <= j to be compared.
type Pair struct {
	I, J int
}

func (p Pair) String() string {
	return fmt.Sprintf("(%d, %d)", p.I, p.J)
}

// Pairs returns all pairs (i, j), i <= j, of the provided distinct
// run indices, ordered by i and then j. Self pairs are included.
// Indices must be provided in ascending order.
func Pairs(runs []int) []Pair {
	pairs := make([]Pair, 0, len(runs)*(len(runs)+1)/2)
	for a, i := range runs {
		for _, j := range runs[a:] {
			pairs = append(pairs, Pair{i, j})
		}
	}
	return pairs
}
