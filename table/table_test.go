// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package table

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"gonum.org/v1/gonum/mat"
)

func TestReadWrite(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	want := New(
		[]string{"geneA", "geneB", "geneC"},
		Labels(2),
		mat.NewDense(3, 2, []float64{0.1, -2.5, 1e-9, 3, 1.0 / 3, 42}),
	)
	path := filepath.Join(dir, "sub", "x.csv")
	assert.NoError(t, Write(ctx, path, want))
	got, err := Read(ctx, path)
	assert.NoError(t, err)
	assert.EQ(t, got.Rows, want.Rows)
	assert.EQ(t, got.Cols, want.Cols)
	if !mat.Equal(got.Data, want.Data) {
		t.Errorf("got %v, want %v", mat.Formatted(got.Data), mat.Formatted(want.Data))
	}
}

func TestDecode(t *testing.T) {
	const in = `,s1,s2,s3
geneA,0.5,1,2
geneB,-1,0,3.25
`
	tab, err := Decode(strings.NewReader(in), "in")
	if err != nil {
		t.Fatal(err)
	}
	if r, c := tab.Dims(); r != 2 || c != 3 {
		t.Fatalf("got %dx%d, want 2x3", r, c)
	}
	if got, want := tab.Cols, []string{"s1", "s2", "s3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := tab.Data.At(1, 2), 3.25; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var b strings.Builder
	if err := tab.Encode(&b); err != nil {
		t.Fatal(err)
	}
	if got, want := b.String(), in; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, in := range []string{
		"",
		",a\n",
		"x\n1\n",
		",a,b\ng,1\n",
		",a\ng,notanumber\n",
	} {
		_, err := Decode(strings.NewReader(in), "bad")
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("%q: got %v, want invalid", in, err)
		}
	}
}

func TestReadMissing(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	_, err := Read(context.Background(), filepath.Join(dir, "missing.csv"))
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}
