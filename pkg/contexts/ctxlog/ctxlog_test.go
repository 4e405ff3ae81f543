package ctxlog

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"
	"go.opencensus.io/trace"
)

func TestFromContextNop(t *testing.T) {
	t.Parallel()

	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	require.NoError(t, logger.Log("msg", "dropped"))
}

func TestFromContextRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ctx := NewContext(context.Background(), log.NewLogfmtLogger(&buf))

	require.NoError(t, FromContext(ctx).Log("msg", "hello"))
	require.Equal(t, "msg=hello\n", buf.String())
}

func TestFromContextWithSpan(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ctx := NewContext(context.Background(), log.NewLogfmtLogger(&buf))
	ctx, span := trace.StartSpan(ctx, "ctxlog.test", trace.WithSampler(trace.AlwaysSample()))
	defer span.End()

	require.NoError(t, FromContext(ctx).Log("msg", "hello"))
	require.Contains(t, buf.String(), "trace_id=")
	require.Contains(t, buf.String(), "span_id=")
}
