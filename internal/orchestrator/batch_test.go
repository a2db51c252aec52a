package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

func TestRunBatchKeepsOrder(t *testing.T) {
	f := newFixture(t, defaultRouterOpts(), Options{})
	f.script(decompOK, estSmall, superOK)

	reqs := make([]Request, 5)
	for i := range reqs {
		reqs[i] = Request{RequestID: fmt.Sprintf("batch-%d", i), Story: "Reset password"}
	}
	reqs[3] = Request{RequestID: "batch-3"}

	items := f.orch.RunBatch(context.Background(), reqs, 3)

	require.Len(t, items, 5)
	for i, item := range items {
		assert.Equal(t, reqs[i].RequestID, item.Request.RequestID)
		if i == 3 {
			assert.ErrorIs(t, item.Err, ErrEmptyStory)
			assert.Nil(t, item.Result)
			continue
		}
		require.NoError(t, item.Err)
		assert.Equal(t, reqs[i].RequestID, item.Result.RequestID)
		assert.Equal(t, pipeline.RunOK, item.Result.Status)
	}

	runs, err := f.store.List("ok")
	require.NoError(t, err)
	assert.Len(t, runs, 4)
}
