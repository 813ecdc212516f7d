// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package layout defines the names of the intermediate files shared
// by the stages of an ICA job. All intermediate files live in a
// temporary directory under the job's output directory:
//
//	<out>/tmp/proc_<i>_S.csv      component matrix of run i
//	<out>/tmp/proc_<i>_A.csv      mixing matrix of run i
//	<out>/tmp/manifest.json       runs certified complete by the runner
//	<out>/tmp/dist_<i>_<j>.coo.zst similarity of runs i <= j
//
// Paths may be local paths or any URL supported by
// github.com/grailbio/base/file.
package layout

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/grailbio/base/file"
)

// SparseExt is the file extension of persisted similarity matrices.
const SparseExt = ".coo.zst"

var componentPattern = regexp.MustCompile(`^proc_(\d+)_S\.csv$`)

// OutDir returns the output directory dir, or the current working
// directory if dir is empty.
func OutDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// TmpDir returns the intermediate directory of output directory out.
func TmpDir(out string) string {
	return file.Join(out, "tmp")
}

// Components returns the path of the component matrix of run i.
func Components(tmp string, i int) string {
	return file.Join(tmp, fmt.Sprintf("proc_%d_S.csv", i))
}

// Mixing returns the path of the mixing matrix of run i.
func Mixing(tmp string, i int) string {
	return file.Join(tmp, fmt.Sprintf("proc_%d_A.csv", i))
}

// Distance returns the path of the similarity matrix of runs i and j.
func Distance(tmp string, i, j int) string {
	return file.Join(tmp, fmt.Sprintf("dist_%d_%d%s", i, j, SparseExt))
}

// ManifestPath returns the path of the runner's manifest.
func ManifestPath(tmp string) string {
	return file.Join(tmp, "manifest.json")
}

// ParseComponents parses the base name of a component matrix file,
// returning its run index. ParseComponents returns false if name does
// not name a component matrix.
func ParseComponents(name string) (int, bool) {
	m := componentPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	i, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return i, true
}
