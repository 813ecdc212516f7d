// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sparse

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// magic identifies the container format. It precedes the gob-encoded
// matrix inside the zstd stream.
const magic = "bigica-coo/1\n"

// Encode writes m to w in the container format.
func Encode(w io.Writer, m *COO) (err error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := io.WriteString(zw, magic); err != nil {
		return err
	}
	return gob.NewEncoder(zw).Encode(m)
}

// Decode reads a matrix in the container format from r.
func Decode(r io.Reader) (*COO, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, errors.E(errors.Integrity, err)
	}
	defer zr.Close()
	br := bufio.NewReader(zr)
	header := make([]byte, len(magic))
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, errors.E(errors.Integrity, "sparse: reading header", err)
	}
	if string(header) != magic {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("sparse: bad header %q", header))
	}
	m := new(COO)
	if err := gob.NewDecoder(br).Decode(m); err != nil {
		return nil, errors.E(errors.Integrity, "sparse: decoding matrix", err)
	}
	if err := m.Validate(); err != nil {
		return nil, errors.E(errors.Integrity, "sparse", err)
	}
	return m, nil
}

// WriteFile writes m to path. The file is discarded if writing
// fails.
func WriteFile(ctx context.Context, path string, m *COO) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f.Writer(ctx))
	if err := Encode(w, m); err != nil {
		f.Discard(ctx)
		return errors.E(err, fmt.Sprintf("sparse.WriteFile %s", path))
	}
	if err := w.Flush(); err != nil {
		f.Discard(ctx)
		return errors.E(err, fmt.Sprintf("sparse.WriteFile %s", path))
	}
	return f.Close(ctx)
}

// ReadFile reads the matrix stored at path.
func ReadFile(ctx context.Context, path string) (m *COO, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer errors.CleanUpCtx(ctx, f.Close, &err)
	m, err = Decode(f.Reader(ctx))
	if err != nil {
		err = errors.E(err, path)
	}
	return m, err
}
