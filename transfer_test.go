package hoist_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoist-sh/hoist/internal/sshtest"
)

func TestPutGetRoundTrip(t *testing.T) {
	srv := sshtest.New(t)
	conn := newConn(t, srv)
	ctx := context.Background()

	dir := t.TempDir()
	payload := []byte("line one\nline two\x00binary tail\xff")
	localPath := filepath.Join(dir, "up.bin")
	require.NoError(t, os.WriteFile(localPath, payload, 0o640))

	remotePath := filepath.Join(dir, "landed.bin")
	require.NoError(t, conn.Put(ctx, localPath, remotePath))

	landed, err := os.ReadFile(remotePath)
	require.NoError(t, err)
	assert.Equal(t, payload, landed)

	info, err := os.Stat(remotePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	backPath := filepath.Join(dir, "back.bin")
	require.NoError(t, conn.Get(ctx, remotePath, backPath))
	back, err := os.ReadFile(backPath)
	require.NoError(t, err)
	assert.Equal(t, payload, back)
}

func TestUploadDownloadStreams(t *testing.T) {
	srv := sshtest.New(t)
	conn := newConn(t, srv)
	ctx := context.Background()

	remotePath := filepath.Join(t.TempDir(), "streamed.txt")
	n, err := conn.Upload(ctx, bytes.NewReader([]byte("streamed body")), remotePath)
	require.NoError(t, err)
	assert.EqualValues(t, len("streamed body"), n)

	var out bytes.Buffer
	n, err = conn.Download(ctx, remotePath, &out)
	require.NoError(t, err)
	assert.EqualValues(t, len("streamed body"), n)
	assert.Equal(t, "streamed body", out.String())
}

func TestGetMissingRemoteFile(t *testing.T) {
	srv := sshtest.New(t)
	conn := newConn(t, srv)

	err := conn.Get(context.Background(), filepath.Join(t.TempDir(), "absent"), filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent")
}

func TestTransferReusesTransport(t *testing.T) {
	rec := &sshtest.Recorder{}
	srv := sshtest.New(t, sshtest.WithRecorder(rec))
	conn := newConn(t, srv)
	ctx := context.Background()

	dir := t.TempDir()
	remotePath := filepath.Join(dir, "f")
	_, err := conn.Upload(ctx, bytes.NewReader([]byte("x")), remotePath)
	require.NoError(t, err)

	_, err = conn.Run(ctx, "true")
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = conn.Download(ctx, remotePath, &buf)
	require.NoError(t, err)

	assert.Len(t, rec.Names(), 1, "transfers and runs share one transport")
}
