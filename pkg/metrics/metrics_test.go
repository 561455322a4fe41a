/*
   Copyright 2026 Rabbit Authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRegistryTunnelLaneSubscriptionGauges(t *testing.T) {
	reg := New(prometheus.NewRegistry())

	reg.TunnelOpened()
	reg.TunnelOpened()
	reg.TunnelClosed()
	require.Equal(t, float64(1), gaugeValue(t, reg.activeTunnels))

	reg.LaneOpened()
	require.Equal(t, float64(1), gaugeValue(t, reg.activeLanes))
	reg.LaneClosed()
	require.Equal(t, float64(0), gaugeValue(t, reg.activeLanes))

	reg.SubscriptionOpened()
	require.Equal(t, float64(1), gaugeValue(t, reg.activeSubs))
}

func TestRegistryFrameAndCreditCounters(t *testing.T) {
	reg := New(prometheus.NewRegistry())

	reg.FrameSeen("EVENT", "out")
	reg.FrameSeen("EVENT", "out")
	reg.FrameSeen("FETCH", "in")

	out, err := reg.framesTotal.GetMetricWithLabelValues("EVENT", "out")
	require.NoError(t, err)
	require.Equal(t, float64(2), counterValue(t, out))

	in, err := reg.framesTotal.GetMetricWithLabelValues("FETCH", "in")
	require.NoError(t, err)
	require.Equal(t, float64(1), counterValue(t, in))

	reg.CreditExhausted()
	require.Equal(t, float64(1), counterValue(t, reg.creditExhaustedTot))
}

func TestNewRegistersEveryCollectorExactlyOnce(t *testing.T) {
	// MustRegister panics on a duplicate collector; building two
	// independent Registries against two independent prometheus
	// registries must not collide.
	require.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
