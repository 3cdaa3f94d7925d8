package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishRequiresClient(t *testing.T) {
	t.Parallel()

	var nilPub *Publisher
	_, err := nilPub.Publish(context.Background(), "crawl-runs", map[string]int{"targets": 1})
	require.ErrorContains(t, err, "not configured")
	require.NoError(t, nilPub.Close())

	_, err = New(nil).Publish(context.Background(), "crawl-runs", nil)
	require.ErrorContains(t, err, "not configured")
}

func TestDialRequiresProject(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), "")
	require.ErrorContains(t, err, "project_id")
}
