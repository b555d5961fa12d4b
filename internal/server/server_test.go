package server

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenestore/internal/testutil"
)

func startServer(t *testing.T) (*testutil.Fixture, *httptest.Server) {
	t.Helper()
	f := testutil.StartCluster(t, 2, 3)
	ts := httptest.NewServer(New(f.Cluster).Handler())
	t.Cleanup(ts.Close)
	return f, ts
}

func TestSubmitAndRead(t *testing.T) {
	_, ts := startServer(t)
	ctx := context.Background()

	var resp SubmitResponse
	err := PostJSON(ctx, ts.URL+"/submit", SubmitRequest{Ops: []OpJSON{
		{Kind: "add_child", NewNode: 1},
	}}, &resp)
	require.NoError(t, err)
	assert.Equal(t, "COMMITTED", resp.Status)
	assert.NotEmpty(t, resp.TxnID)

	err = PostJSON(ctx, ts.URL+"/submit", SubmitRequest{Ops: []OpJSON{
		{Kind: "add_child", Target: 1, NewNode: 2, Properties: map[string]string{"name": "wheel"}},
	}}, &resp)
	require.NoError(t, err)
	assert.Equal(t, "COMMITTED", resp.Status)

	var node NodeResponse
	require.NoError(t, GetJSON(ctx, ts.URL+"/nodes/2", &node))
	assert.Equal(t, uint16(2), node.ID)
	assert.Equal(t, "wheel", node.Properties["name"])

	var n1 NodeResponse
	require.NoError(t, GetJSON(ctx, ts.URL+"/nodes/1", &n1))
	assert.Equal(t, uint16(2), n1.LeftChild)

	var children []uint16
	require.NoError(t, GetJSON(ctx, ts.URL+"/nodes/1/children", &children))
	assert.Equal(t, []uint16{2}, children)
}

func TestSubmit_AbortReported(t *testing.T) {
	_, ts := startServer(t)
	ctx := context.Background()

	// add_child on a nonexistent target: rejected, reported as ABORTED.
	var resp SubmitResponse
	err := PostJSON(ctx, ts.URL+"/submit", SubmitRequest{Ops: []OpJSON{
		{Kind: "add_child", Target: 42, NewNode: 9},
	}}, &resp)
	require.NoError(t, err)
	assert.Equal(t, "ABORTED", resp.Status)
	assert.Equal(t, "REJECTED", resp.Reason)
}

func TestSubmit_BadRequests(t *testing.T) {
	_, ts := startServer(t)
	ctx := context.Background()

	err := PostJSON(ctx, ts.URL+"/submit", SubmitRequest{Ops: []OpJSON{
		{Kind: "no_such_op"},
	}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown op kind")

	err = PostJSON(ctx, ts.URL+"/submit", SubmitRequest{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty op list")
}

func TestGet_NotFound(t *testing.T) {
	_, ts := startServer(t)
	ctx := context.Background()

	var node NodeResponse
	err := GetJSON(ctx, ts.URL+"/nodes/999", &node)
	require.Error(t, err)

	err = GetJSON(ctx, ts.URL+"/nodes/0", &node)
	require.Error(t, err)

	err = GetJSON(ctx, ts.URL+"/nodes/bogus", &node)
	require.Error(t, err)
}
