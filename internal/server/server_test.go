// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgkit/bulkfetch/pkg/bulkfetch"
)

func TestServer_ListenAndServeWaitsForBatches(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, os.MkdirAll(filepath.Join(srv.config.MetadataRoot, "set"), 0o755))

	var finished atomic.Bool
	srv.batches.run = func(ctx context.Context, _ []bulkfetch.Job, _ bulkfetch.Settings, _ bulkfetch.ProgressFunc) (bulkfetch.Summary, error) {
		<-ctx.Done()
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return bulkfetch.Summary{}, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(ctx) }()

	b, _, err := srv.batches.CreateBatch(BatchRequest{Source: "set", Dest: "out"})
	require.NoError(t, err)
	waitStatus(t, srv.batches, b.ID, BatchStatusRunning)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}

	assert.True(t, finished.Load(), "batch still running after ListenAndServe returned")
	got, ok := srv.batches.GetBatch(b.ID)
	require.True(t, ok)
	assert.Equal(t, BatchStatusCancelled, got.Status)
}
