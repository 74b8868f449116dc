package lalog

import (
	"strconv"
	"sync"
	"testing"
)

func TestRateLimit(t *testing.T) {
	limit := NewRateLimit(3, 4, DefaultLogger)
	// Three actors, each should land exactly MaxCount hits within the interval
	success := [3]int{}
	successMutex := new(sync.Mutex)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if limit.Add(strconv.Itoa(i), true) {
					successMutex.Lock()
					success[i]++
					successMutex.Unlock()
				}
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < 3; i++ {
		if success[i] != 4 {
			t.Fatal(i, success[i])
		}
	}
}

func TestRateLimit_BadParameters(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("did not panic")
		}
	}()
	NewRateLimit(0, 0, nil)
}
