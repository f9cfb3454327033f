package watchdog

import (
	"sync"
	"testing"
	"time"
)

func TestPingClockRecordAndRead(t *testing.T) {
	var c PingClock
	now := time.UnixMilli(1_700_000_000_123)
	c.Initialize(now)
	if got := c.Read(); got != 1_700_000_000_123 {
		t.Fatalf("unexpected timestamp %d", got)
	}
	c.Record(now.Add(1500 * time.Millisecond))
	if got := c.Read(); got != 1_700_000_001_623 {
		t.Fatalf("unexpected timestamp after record %d", got)
	}
}

func TestPingClockConcurrentAccessNeverTears(t *testing.T) {
	var c PingClock
	// Values whose high and low halves are both non-zero, so a torn read
	// would produce a value outside the written set.
	values := []int64{0x0000_7fff_0000_0001, 0x0000_0001_7fff_ffff, 0x0000_1234_9abc_def0}
	allowed := make(map[int64]struct{}, len(values))
	for _, v := range values {
		allowed[v] = struct{}{}
	}
	c.Record(time.UnixMilli(values[0]))

	stop := make(chan struct{})
	var writers sync.WaitGroup
	for w := 0; w < 2; w++ {
		writers.Add(1)
		go func(offset int) {
			defer writers.Done()
			for i := offset; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				c.Record(time.UnixMilli(values[i%len(values)]))
			}
		}(w)
	}

	var readers sync.WaitGroup
	errs := make(chan int64, 1)
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 20000; i++ {
				v := c.Read()
				if _, ok := allowed[v]; !ok {
					select {
					case errs <- v:
					default:
					}
					return
				}
			}
		}()
	}
	readers.Wait()
	close(stop)
	writers.Wait()

	select {
	case v := <-errs:
		t.Fatalf("observed torn timestamp %#x", v)
	default:
	}
}

func TestEpochMillisIgnoresMonotonicReading(t *testing.T) {
	now := time.Now()
	if got, want := epochMillis(now), now.Round(0).UnixMilli(); got != want {
		t.Fatalf("got %d want %d", got, want)
	}
}
