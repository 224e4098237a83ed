// Package dataset reads and writes plaintext integer datasets and provides the
// plaintext k-NN the encrypted protocol is checked against.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/opaque/secureknn/pkg/linalg"
	"github.com/opaque/secureknn/pkg/protocol"
)

// ReadCSV parses headerless rows of integers. Every row must have the same
// number of fields.
func ReadCSV(r io.Reader) ([][]int64, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = 0

	var rows [][]int64
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, csv.ErrFieldCount) {
				return nil, fmt.Errorf("line %d: %w", line, protocol.ErrDimensionMismatch)
			}
			return nil, err
		}
		row := make([]int64, len(rec))
		for i, field := range rec {
			v, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d field %d: %w", line, i+1, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty dataset: %w", protocol.ErrDimensionMismatch)
	}
	return rows, nil
}

// LoadCSV reads a dataset file.
func LoadCSV(path string) ([][]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}

// WriteCSV writes rows in the format ReadCSV accepts.
func WriteCSV(w io.Writer, rows [][]int64) error {
	cw := csv.NewWriter(w)
	rec := make([]string, 0)
	for _, row := range rows {
		rec = rec[:0]
		for _, v := range row {
			rec = append(rec, strconv.FormatInt(v, 10))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveCSV writes rows to path.
func SaveCSV(path string, rows [][]int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Generate draws n rows of dim coordinates uniform in [-space, space).
func Generate(s *linalg.Sampler, n, dim int, space int64) [][]int64 {
	rows := make([][]int64, n)
	for i := range rows {
		row := make([]int64, dim)
		for j := range row {
			row[j] = s.Int(-space, space)
		}
		rows[i] = row
	}
	return rows
}

// SquaredDistance returns |a-b|².
func SquaredDistance(a, b []int64) int64 {
	var d int64
	for i := range a {
		x := a[i] - b[i]
		d += x * x
	}
	return d
}

// KNN returns the k rows nearest to query in Euclidean distance, ordered by
// (distance, row index). k is clamped to [0, len(rows)].
func KNN(rows [][]int64, query []int64, k int) [][]int64 {
	if k > len(rows) {
		k = len(rows)
	}
	if k <= 0 {
		return [][]int64{}
	}
	idx := make([]int, len(rows))
	dist := make([]int64, len(rows))
	for i, row := range rows {
		idx[i] = i
		dist[i] = SquaredDistance(row, query)
	}
	sort.SliceStable(idx, func(a, b int) bool { return dist[idx[a]] < dist[idx[b]] })

	out := make([][]int64, k)
	for i := range out {
		out[i] = rows[idx[i]]
	}
	return out
}

// SameNeighbours reports whether got and want are equally good k-NN answers
// for query: the multisets of their distances to query are equal. Rows at a
// tied distance may differ.
func SameNeighbours(query []int64, got, want [][]int64) bool {
	if len(got) != len(want) {
		return false
	}
	dg := make([]int64, len(got))
	dw := make([]int64, len(want))
	for i := range got {
		if len(got[i]) != len(query) {
			return false
		}
		dg[i] = SquaredDistance(got[i], query)
		dw[i] = SquaredDistance(want[i], query)
	}
	sort.Slice(dg, func(a, b int) bool { return dg[a] < dg[b] })
	sort.Slice(dw, func(a, b int) bool { return dw[a] < dw[b] })
	for i := range dg {
		if dg[i] != dw[i] {
			return false
		}
	}
	return true
}
