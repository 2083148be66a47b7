package s3blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bracketquant/execcore/internal/domain"
)

type captureWriter struct {
	path string
	data []byte
}

func (w *captureWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	w.path = path
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.data = buf
	return nil
}

func (w *captureWriter) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	return w.Put(ctx, path, data, "")
}

type staticRunStore struct {
	runs   []domain.Run
	trades map[string][]domain.Trade
}

func (s staticRunStore) ListTerminalRunsBefore(ctx context.Context, before time.Time) ([]domain.Run, error) {
	return s.runs, nil
}

func (s staticRunStore) GetAllTradeResults(ctx context.Context, runID string) ([]domain.Trade, error) {
	return s.trades[runID], nil
}

func TestArchiveRunsWritesOneLinePerRun(t *testing.T) {
	writer := &captureWriter{}
	store := staticRunStore{
		runs: []domain.Run{
			{RunID: "R1", Status: domain.RunStatusCompleted, TotalTrades: 2},
			{RunID: "R2", Status: domain.RunStatusFailed, TotalTrades: 1},
		},
		trades: map[string][]domain.Trade{
			"R1": {{RunID: "R1", TradeID: "T1"}, {RunID: "R1", TradeID: "T2"}},
			"R2": {{RunID: "R2", TradeID: "T1"}},
		},
	}

	arch := NewArchiver(writer, store, nil)
	cutoff := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	count, err := arch.ArchiveRuns(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, "archive/runs/2026-07.jsonl", writer.path)

	lines := bytes.Split(bytes.TrimSpace(writer.data), []byte("\n"))
	assert.Len(t, lines, 2)
	assert.True(t, strings.Contains(string(lines[0]), `"R1"`))
}

func TestArchiveRunsNoTerminalRunsIsNoOp(t *testing.T) {
	writer := &captureWriter{}
	arch := NewArchiver(writer, staticRunStore{}, nil)
	count, err := arch.ArchiveRuns(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, writer.path)
}
