package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "network_error", StatusClass(0))
	assert.Equal(t, "2xx", StatusClass(201))
	assert.Equal(t, "4xx", StatusClass(401))
	assert.Equal(t, "5xx", StatusClass(503))
}

func TestPostsDispatchedCounts(t *testing.T) {
	before := testutil.ToFloat64(PostsDispatched.WithLabelValues("posted"))
	PostsDispatched.WithLabelValues("posted").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(PostsDispatched.WithLabelValues("posted")))
}
