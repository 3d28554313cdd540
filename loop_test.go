package offload

import (
	"sync/atomic"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test002_loop_runs_posted_funcs_in_order(t *testing.T) {

	cv.Convey("funcs posted to a Loop run one at a time, in posting order", t, func() {
		l := NewLoop("test002")
		defer l.Close()

		var got []int
		for i := 0; i < 1000; i++ {
			i := i
			panicOn(l.Post(func() {
				got = append(got, i)
			}))
		}
		panicOn(l.Call(func() {}))
		cv.So(len(got), cv.ShouldEqual, 1000)
		for i := range got {
			if got[i] != i {
				t.Fatalf("out of order at %v: %v", i, got[i])
			}
		}
	})
}

func Test003_loop_survives_panics_and_shuts_down(t *testing.T) {

	cv.Convey("a panicking callback is recovered and the loop keeps going; after Close, Post is ErrShutdown", t, func() {
		l := NewLoop("test003")

		panicOn(l.Post(func() {
			panic("boom")
		}))
		ran := false
		panicOn(l.Call(func() {
			ran = true
		}))
		cv.So(ran, cv.ShouldBeTrue)

		l.Close()
		cv.So(l.Post(func() {}), cv.ShouldEqual, ErrShutdown)
		cv.So(l.Call(func() {}), cv.ShouldEqual, ErrShutdown)
	})
}

func Test006_loop_close_runs_what_was_already_queued(t *testing.T) {

	cv.Convey("funcs posted before Close still run, in order, before Close returns", t, func() {
		l := NewLoop("test006")

		gate := make(chan struct{})
		panicOn(l.Post(func() { <-gate }))
		var got []int
		for i := 0; i < 5; i++ {
			i := i
			panicOn(l.Post(func() {
				got = append(got, i)
			}))
		}
		go func() {
			time.Sleep(20 * time.Millisecond)
			close(gate)
		}()
		l.Close()
		cv.So(got, cv.ShouldResemble, []int{0, 1, 2, 3, 4})
		cv.So(l.Post(func() {}), cv.ShouldEqual, ErrShutdown)
	})
}

func Test004_timer_fires_once_on_the_loop(t *testing.T) {

	cv.Convey("AfterFunc fires once, on the loop; Stop before expiry means it never fires", t, func() {
		l := NewLoop("test004")
		defer l.Close()

		var fired atomic.Int64
		fireCh := make(chan struct{}, 10)
		tm := l.AfterFunc(10*time.Millisecond, func() {
			fired.Add(1)
			fireCh <- struct{}{}
		})
		<-fireCh
		tm.Start() // second Start is a no-op
		time.Sleep(30 * time.Millisecond)
		cv.So(fired.Load(), cv.ShouldEqual, 1)
		cv.So(tm.Stop(), cv.ShouldBeFalse) // already fired
		cv.So(tm.Duration(), cv.ShouldEqual, 10*time.Millisecond)

		var never atomic.Int64
		tm2 := l.AfterFunc(20*time.Millisecond, func() {
			never.Add(1)
		})
		cv.So(tm2.Stop(), cv.ShouldBeTrue)
		cv.So(tm2.Stop(), cv.ShouldBeFalse)
		time.Sleep(50 * time.Millisecond)
		cv.So(never.Load(), cv.ShouldEqual, 0)

		// unstarted timers never fire
		var unstarted atomic.Int64
		l.NewTimer(time.Millisecond, func() { unstarted.Add(1) })
		time.Sleep(20 * time.Millisecond)
		cv.So(unstarted.Load(), cv.ShouldEqual, 0)
	})
}

func Test005_timer_stop_on_loop_beats_posted_expiry(t *testing.T) {

	cv.Convey("a Stop that runs on the loop ahead of an already posted expiry still prevents the callback", t, func() {
		l := NewLoop("test005")
		defer l.Close()

		var fired atomic.Int64
		var tm *Timer
		var stopped bool
		block := make(chan struct{})

		panicOn(l.Post(func() {
			// hold the loop while the timer expires and posts.
			<-block
			stopped = tm.Stop()
		}))
		tm = l.AfterFunc(time.Millisecond, func() {
			fired.Add(1)
		})
		time.Sleep(20 * time.Millisecond)
		close(block)
		panicOn(l.Call(func() {}))
		time.Sleep(10 * time.Millisecond)
		panicOn(l.Call(func() {}))
		cv.So(stopped, cv.ShouldBeTrue)
		cv.So(fired.Load(), cv.ShouldEqual, 0)
	})
}
