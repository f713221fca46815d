package sensor

import (
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/regardrgbd/rgbdscan/rimage"
)

func TestRuntimeRefCount(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	test.That(t, RefCount(), test.ShouldEqual, 0)
	test.That(t, Shutdown(), test.ShouldBeError, ErrNotInitialized)

	Init(logger)
	Init(logger)
	test.That(t, RefCount(), test.ShouldEqual, 2)
	test.That(t, logs.FilterMessage("sensor runtime started").Len(), test.ShouldEqual, 1)

	test.That(t, Shutdown(), test.ShouldBeNil)
	test.That(t, logs.FilterMessage("sensor runtime stopped").Len(), test.ShouldEqual, 0)
	test.That(t, Shutdown(), test.ShouldBeNil)
	test.That(t, logs.FilterMessage("sensor runtime stopped").Len(), test.ShouldEqual, 1)
	test.That(t, RefCount(), test.ShouldEqual, 0)
	test.That(t, Shutdown(), test.ShouldBeError, ErrNotInitialized)
}

func TestFrameHandlerFunc(t *testing.T) {
	var got []int
	var h FrameHandler = FrameHandlerFunc(func(kind rimage.StreamKind, index, width, height, stride int, data []byte, ts time.Duration) error {
		got = append(got, index, width*height, len(data))
		return nil
	})
	test.That(t, h.OnFrame(rimage.StreamDepth, 7, 2, 3, 4, make([]byte, 12), 0), test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, []int{7, 6, 12})
}
