package offload

import (
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	gjson "github.com/goccy/go-json"
)

func Test095_stats_counters_and_quantiles(t *testing.T) {

	cv.Convey("Stats counts by name and estimates latency quantiles", t, func() {
		st := NewStats()
		cv.So(st.Count(StatSent), cv.ShouldEqual, 0)
		cv.So(st.Quantile(0.5), cv.ShouldEqual, time.Duration(0))

		st.Add(StatSent, 3)
		st.Add(StatSent, 2)
		st.Add(StatTimeouts, 1)
		cv.So(st.Count(StatSent), cv.ShouldEqual, 5)
		cv.So(st.Count(StatTimeouts), cv.ShouldEqual, 1)

		for i := 1; i <= 100; i++ {
			st.Observe(time.Duration(i) * time.Millisecond)
		}
		cv.So(st.Samples(), cv.ShouldEqual, 100)
		p50 := st.Quantile(0.5)
		cv.So(p50 > 40*time.Millisecond && p50 < 60*time.Millisecond, cv.ShouldBeTrue)
		cv.So(st.Quantile(0.99) > 90*time.Millisecond, cv.ShouldBeTrue)

		var m map[string]float64
		panicOn(gjson.Unmarshal([]byte(st.Var().String()), &m))
		cv.So(m[StatSent], cv.ShouldEqual, 5)
		cv.So(m["latency_ms_p50"] > 40 && m["latency_ms_p50"] < 60, cv.ShouldBeTrue)
		_, has := m["latency_ms_p99"]
		cv.So(has, cv.ShouldBeTrue)
	})
}
