// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sparse

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"gonum.org/v1/gonum/mat"
)

func TestFromDense(t *testing.T) {
	d := mat.NewDense(2, 3, []float64{
		0, 0.75, 0,
		1, 0, 0.5,
	})
	m := FromDense(d)
	if got, want := m.NNZ(), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	var got []float64
	m.Do(func(i, j int, v float64) {
		if d.At(i, j) != v {
			t.Errorf("(%d, %d): got %v, want %v", i, j, v, d.At(i, j))
		}
		got = append(got, v)
	})
	assert.EQ(t, got, []float64{0.75, 1, 0.5})
	if !mat.Equal(m.Dense(), d) {
		t.Errorf("got %v, want %v", mat.Formatted(m.Dense()), mat.Formatted(d))
	}
}

func TestFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	fz := fuzz.NewWithSeed(2718)
	for iter := 0; iter < 20; iter++ {
		var r8, c8 uint8
		fz.Fuzz(&r8)
		fz.Fuzz(&c8)
		r, c := int(r8)%12+1, int(c8)%12+1
		d := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				var v float64
				fz.Fuzz(&v)
				if int(r8+c8)%3 == 0 || (i+j)%2 == 0 {
					v = 0
				}
				d.Set(i, j, v)
			}
		}
		path := filepath.Join(dir, "m.coo.zst")
		assert.NoError(t, WriteFile(ctx, path, FromDense(d)))
		m, err := ReadFile(ctx, path)
		assert.NoError(t, err)
		if gr, gc := m.Dims(); gr != r || gc != c {
			t.Fatalf("got %dx%d, want %dx%d", gr, gc, r, c)
		}
		if !mat.Equal(m.Dense(), d) {
			t.Fatalf("got %v, want %v", mat.Formatted(m.Dense()), mat.Formatted(d))
		}
	}
}

func TestDecodeCorrupt(t *testing.T) {
	var b bytes.Buffer
	if err := Encode(&b, &COO{Rows: 1, Cols: 1, I: []int32{0}, J: []int32{3}, V: []float64{1}}); err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(&b); !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want integrity error", err)
	}
	if _, err := Decode(bytes.NewReader([]byte("not a container"))); err == nil {
		t.Error("expected error")
	}
}
