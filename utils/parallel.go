package utils

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

type (
	// MemberWorkFunc runs for each work item (member) of a group.
	MemberWorkFunc func(memberNum, workNum int)
	// GroupWorkDoneFunc runs when a single group's work is done; helpful for merge stages.
	GroupWorkDoneFunc func()
	// GroupWorkFunc runs to determine what work members should do, if any.
	GroupWorkFunc func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc)
)

// GroupWorkParallel splits totalSize work items into contiguous ranges, one per group, and runs
// each group on its own goroutine. Every work index is handed to exactly one group. A panic in
// any group is returned as an error once all groups finish. Groups that have not started when
// ctx is done are skipped, and only then is ctx.Err() returned.
func GroupWorkParallel(ctx context.Context, totalSize int, groupWork GroupWorkFunc) error {
	if totalSize <= 0 {
		return nil
	}
	numGroups := ParallelFactor
	if numGroups > totalSize {
		numGroups = totalSize
	}
	groupSize := totalSize / numGroups
	extra := totalSize % numGroups

	var wait sync.WaitGroup
	var panicErr error
	var panicMu sync.Mutex
	var skipped atomic.Bool
	wait.Add(numGroups)
	for groupNum := 0; groupNum < numGroups; groupNum++ {
		groupNum := groupNum
		go func() {
			defer wait.Done()
			defer func() {
				if thePanic := recover(); thePanic != nil {
					panicMu.Lock()
					panicErr = multierr.Combine(panicErr, errors.Errorf("panic in group %d: %v", groupNum, thePanic))
					panicMu.Unlock()
				}
			}()
			if ctx.Err() != nil {
				skipped.Store(true)
				return
			}
			from := groupSize * groupNum
			to := from + groupSize
			if groupNum == numGroups-1 {
				to += extra
			}
			memberWork, groupWorkDone := groupWork(groupNum, to-from, from, to)
			if memberWork != nil {
				memberNum := 0
				for workNum := from; workNum < to; workNum++ {
					memberWork(memberNum, workNum)
					memberNum++
				}
			}
			if groupWorkDone != nil {
				groupWorkDone()
			}
		}()
	}
	wait.Wait()
	if panicErr != nil {
		return panicErr
	}
	if skipped.Load() {
		return ctx.Err()
	}
	return nil
}

// ParallelForEachRow calls f for every row in [0, size.Y), spreading contiguous row bands over
// ParallelFactor goroutines.
func ParallelForEachRow(size image.Point, f func(y int)) {
	procs := ParallelFactor
	if procs > size.Y {
		procs = size.Y
	}
	if procs <= 0 {
		return
	}
	band := (size.Y + procs - 1) / procs
	var waitGroup sync.WaitGroup
	for start := 0; start < size.Y; start += band {
		end := start + band
		if end > size.Y {
			end = size.Y
		}
		waitGroup.Add(1)
		s, e := start, end
		goutils.PanicCapturingGo(func() {
			defer waitGroup.Done()
			for y := s; y < e; y++ {
				f(y)
			}
		})
	}
	waitGroup.Wait()
}

// SimpleFunc is for RunInParallel.
type SimpleFunc func(ctx context.Context) error

// RunInParallel runs all functions in parallel and returns the combined error. The first failure
// cancels the context passed to the remaining functions.
func RunInParallel(ctx context.Context, fs []SimpleFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	var bigError error
	var bigErrorMutex sync.Mutex
	storeError := func(err error) {
		bigErrorMutex.Lock()
		defer bigErrorMutex.Unlock()
		if bigError == nil || !errors.Is(err, context.Canceled) {
			bigError = multierr.Combine(bigError, err)
		}
	}

	helper := func(f SimpleFunc) {
		defer func() {
			if thePanic := recover(); thePanic != nil {
				storeError(fmt.Errorf("got panic running something in parallel: %v", thePanic))
				cancel()
			}
			wg.Done()
		}()
		if err := f(ctx); err != nil {
			storeError(err)
			cancel()
		}
	}

	for _, f := range fs {
		wg.Add(1)
		go helper(f)
	}

	wg.Wait()
	return bigError
}
