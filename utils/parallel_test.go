package utils

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"
	"go.viam.com/test"
	goutils "go.viam.com/utils"
)

func TestRunInParallel(t *testing.T) {
	wait100ms := func(ctx context.Context) error {
		goutils.SelectContextOrWait(ctx, 100*time.Millisecond)
		return ctx.Err()
	}

	err := RunInParallel(context.Background(), []SimpleFunc{wait100ms, wait100ms})
	test.That(t, err, test.ShouldBeNil)

	errFunc := func(ctx context.Context) error {
		return errors.New("bad")
	}

	start := time.Now()
	err = RunInParallel(context.Background(), []SimpleFunc{wait100ms, wait100ms, errFunc})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, time.Since(start), test.ShouldBeLessThan, 90*time.Millisecond)

	panicFunc := func(ctx context.Context) error {
		panic(1)
	}

	err = RunInParallel(context.Background(), []SimpleFunc{panicFunc})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGroupWorkParallel(t *testing.T) {
	for _, total := range []int{1, 7, 100, 1001} {
		seen := make([]int, total)
		var mu sync.Mutex
		err := GroupWorkParallel(context.Background(), total, func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
			test.That(t, to-from, test.ShouldEqual, groupSize)
			return func(memberNum, workNum int) {
				mu.Lock()
				seen[workNum]++
				mu.Unlock()
			}, nil
		})
		test.That(t, err, test.ShouldBeNil)
		for _, count := range seen {
			test.That(t, count, test.ShouldEqual, 1)
		}
	}

	err := GroupWorkParallel(context.Background(), 0, nil)
	test.That(t, err, test.ShouldBeNil)

	err = GroupWorkParallel(context.Background(), 4, func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
		panic("boom")
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "boom")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = GroupWorkParallel(ctx, 4, func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
		return nil, nil
	})
	test.That(t, err, test.ShouldBeError, context.Canceled)

	// cancelling once every group is running does not report the finished work as cancelled
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var ran atomic.Int64
	err = GroupWorkParallel(ctx, 1, func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
		return func(memberNum, workNum int) {
			cancel()
			ran.Inc()
		}, nil
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ran.Load(), test.ShouldEqual, int64(1))
}

func TestParallelForEachRow(t *testing.T) {
	var count atomic.Int64
	ParallelForEachRow(image.Point{3, 37}, func(y int) {
		count.Add(int64(y))
	})
	test.That(t, count.Load(), test.ShouldEqual, int64(36*37/2))
}
