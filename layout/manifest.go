// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package layout

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// A Manifest certifies the runs completed by a runner job. It is
// written by rank 0 once every rank has passed the runner's completion
// barrier.
type Manifest struct {
	// Job is the job's identifier.
	Job string `json:"job"`
	// Iterations is the number of runs requested.
	Iterations int `json:"iterations"`
	// Components is the number of components estimated per run.
	Components int `json:"components"`
	// Runs lists the indices of the completed runs, in ascending order.
	Runs []int `json:"runs"`
	// Workers is the number of workers that computed the runs.
	Workers int `json:"workers"`
	// Written is the time the manifest was written.
	Written time.Time `json:"written"`
}

// WriteManifest writes m to the manifest path of tmp.
func WriteManifest(ctx context.Context, tmp string, m Manifest) error {
	path := ManifestPath(tmp)
	p, err := json.MarshalIndent(m, "", "\t")
	if err != nil {
		return err
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err := f.Writer(ctx).Write(append(p, '\n')); err != nil {
		f.Discard(ctx)
		return errors.E(err, fmt.Sprintf("write manifest %s", path))
	}
	return f.Close(ctx)
}

// ReadManifest reads the manifest of tmp. It returns an error of kind
// errors.NotExist if tmp has no manifest.
func ReadManifest(ctx context.Context, tmp string) (m Manifest, err error) {
	path := ManifestPath(tmp)
	f, err := file.Open(ctx, path)
	if err != nil {
		return m, err
	}
	defer errors.CleanUpCtx(ctx, f.Close, &err)
	p, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return m, err
	}
	if err = json.Unmarshal(p, &m); err != nil {
		return m, errors.E(errors.Integrity, fmt.Sprintf("manifest %s", path), err)
	}
	return m, nil
}

// RemoveManifest removes the manifest of tmp, if any.
func RemoveManifest(ctx context.Context, tmp string) error {
	path := ManifestPath(tmp)
	if _, err := file.Stat(ctx, path); err != nil {
		if errors.Is(errors.NotExist, err) {
			return nil
		}
		return err
	}
	if err := file.Remove(ctx, path); err != nil {
		return errors.E(err, fmt.Sprintf("remove manifest %s", path))
	}
	return nil
}
