package dataset

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/mat"

	"flatfield/pkg/imageio"
	"flatfield/pkg/source"
)

type listPaths struct {
	paths []string
	next  int
}

func (l *listPaths) Next() (string, bool) {
	if l.next >= len(l.paths) {
		return "", false
	}
	l.next++
	return l.paths[l.next-1], true
}

// slowDecoder returns constant images after a random delay, so workers
// finish out of order
type slowDecoder map[string]float64

func (s slowDecoder) Decode(path string) (*mat.Dense, error) {
	time.Sleep(time.Duration(fastrand.Uint32n(3)) * time.Millisecond)
	v, ok := s[path]
	if !ok {
		return nil, errors.New("unreadable")
	}
	return mat.NewDense(2, 2, []float64{v, v, v, v}), nil
}

func parse(t *testing.T, data []byte) [][]string {
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	return records
}

func TestExportKeepsSourceOrder(t *testing.T) {
	dec := slowDecoder{}
	var paths []string
	for i := 0; i < 40; i++ {
		p := fmt.Sprintf("tile_%02d.raw", i)
		paths = append(paths, p)
		if i != 7 {
			dec[p] = float64(i + 1)
		}
	}

	var buf bytes.Buffer
	exp := &Exporter{Decoder: dec, Workers: 6, Logger: zerolog.Nop()}
	summary, err := exp.Export(context.Background(), &listPaths{paths: paths}, &buf)
	require.NoError(t, err)
	assert.Equal(t, Summary{Rows: 39, Failed: 1}, summary)

	records := parse(t, buf.Bytes())
	require.Len(t, records, 40)
	assert.Equal(t, Header(), records[0])

	prev := -1
	for _, rec := range records[1:] {
		require.Len(t, rec, 10)
		var idx int
		_, err := fmt.Sscanf(rec[0], "tile_%02d.raw", &idx)
		require.NoError(t, err)
		assert.Greater(t, idx, prev)
		assert.NotEqual(t, 7, idx)
		prev = idx

		mean, err := strconv.ParseFloat(rec[1], 64)
		require.NoError(t, err)
		assert.Equal(t, float64(idx+1), mean)
		assert.Equal(t, "4", rec[9])
	}
}

func TestExportFromDirectory(t *testing.T) {
	root := t.TempDir()
	data := make([]byte, 2*3*2)
	for i := 0; i < 6; i++ {
		data[2*i] = byte(10 * (i + 1))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.raw"), data, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.raw"), data[:5], 0644))

	var buf bytes.Buffer
	exp := &Exporter{Decoder: imageio.NewFileDecoder(3, 2), Workers: 2, Logger: zerolog.Nop()}
	summary, err := exp.Export(context.Background(), source.New(root, []string{"raw"}, zerolog.Nop()), &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rows)
	assert.Equal(t, 1, summary.Failed)

	records := parse(t, buf.Bytes())
	require.Len(t, records, 2)
	assert.Equal(t, filepath.Join(root, "a.raw"), records[1][0])
	assert.Equal(t, "35", records[1][1])
	assert.Equal(t, "10", records[1][2])
	assert.Equal(t, "60", records[1][3])
}

func TestExportCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	exp := &Exporter{Decoder: slowDecoder{}, Workers: 2, Logger: zerolog.Nop()}
	_, err := exp.Export(ctx, &listPaths{paths: []string{"a", "b", "c"}}, &buf)
	assert.ErrorIs(t, err, context.Canceled)
}
