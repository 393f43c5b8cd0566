package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegister_Twice(t *testing.T) {
	req := require.New(t)
	reg := prometheus.NewRegistry()

	Register(reg)
	req.NotPanics(func() { Register(reg) })

	DroppedMessages.WithLabelValues("TEST_REASON").Inc()
	req.Equal(float64(1), testutil.ToFloat64(DroppedMessages.WithLabelValues("TEST_REASON")))

	n, err := testutil.GatherAndCount(reg, "codeground_relay_dropped_messages_total")
	req.NoError(err)
	req.GreaterOrEqual(n, 1)
}
