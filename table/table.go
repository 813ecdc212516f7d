// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package table reads and writes labeled matrices stored as delimited
// tables. A table has a header row naming its columns; every other
// row starts with the row's label, followed by the row's values:
//
//	,s1,s2,s3
//	geneA,0.1,2.5,-1
//	geneB,3,0,0.25
//
// The header's first cell names the index column and is ignored on
// read. Tables are read from and written to any path supported by
// github.com/grailbio/base/file.
package table

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"gonum.org/v1/gonum/mat"
)

// A Table is a dense matrix with row and column labels.
type Table struct {
	// Rows and Cols label the rows and columns of Data.
	Rows, Cols []string
	// Data holds the table's values.
	Data *mat.Dense
}

// New returns a table with the provided labels and data. New panics
// if the labels do not match the shape of data.
func New(rows, cols []string, data *mat.Dense) *Table {
	r, c := data.Dims()
	if len(rows) != r || len(cols) != c {
		panic(fmt.Sprintf("table.New: %dx%d labels for %dx%d matrix", len(rows), len(cols), r, c))
	}
	return &Table{Rows: rows, Cols: cols, Data: data}
}

// Labels returns the labels "0", "1", ..., "n-1".
func Labels(n int) []string {
	labels := make([]string, n)
	for i := range labels {
		labels[i] = strconv.Itoa(i)
	}
	return labels
}

// Dims returns the table's number of rows and columns.
func (t *Table) Dims() (r, c int) {
	return len(t.Rows), len(t.Cols)
}

// Read reads the table at path.
func Read(ctx context.Context, path string) (t *Table, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer errors.CleanUpCtx(ctx, f.Close, &err)
	return Decode(bufio.NewReader(f.Reader(ctx)), path)
}

// Write writes table t to path. The file is discarded if writing
// fails.
func Write(ctx context.Context, path string, t *Table) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f.Writer(ctx))
	if err := t.Encode(w); err != nil {
		f.Discard(ctx)
		return errors.E(err, fmt.Sprintf("table.Write %s", path))
	}
	if err := w.Flush(); err != nil {
		f.Discard(ctx)
		return errors.E(err, fmt.Sprintf("table.Write %s", path))
	}
	return f.Close(ctx)
}

// Decode decodes a table from r. Name is used in error messages.
func Decode(r io.Reader, name string) (*Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("table %s: empty table", name))
	}
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("table %s", name), err)
	}
	if len(header) < 2 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("table %s: no value columns", name))
	}
	t := &Table{Cols: append([]string(nil), header[1:]...)}
	ncol := len(t.Cols)
	var values []float64
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("table %s", name), err)
		}
		if len(record) != ncol+1 {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("table %s:%d: got %d fields, want %d", name, line, len(record), ncol+1))
		}
		t.Rows = append(t.Rows, record[0])
		for _, field := range record[1:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("table %s:%d", name, line), err)
			}
			values = append(values, v)
		}
	}
	if len(t.Rows) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("table %s: no rows", name))
	}
	t.Data = mat.NewDense(len(t.Rows), ncol, values)
	return t, nil
}

// Encode encodes table t to w.
func (t *Table) Encode(w io.Writer) error {
	cw := csv.NewWriter(w)
	record := make([]string, len(t.Cols)+1)
	copy(record[1:], t.Cols)
	if err := cw.Write(record); err != nil {
		return err
	}
	for i, label := range t.Rows {
		record[0] = label
		for j := range t.Cols {
			record[j+1] = strconv.FormatFloat(t.Data.At(i, j), 'g', -1, 64)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
