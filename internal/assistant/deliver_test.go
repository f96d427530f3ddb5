package assistant

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitDone(t *testing.T, d *Delivery) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("delivery did not finish")
	}
}

func TestDeliverFullText(t *testing.T) {
	var (
		mu     sync.Mutex
		chunks []string
		dones  int
	)
	d := Deliver("你好, go", func(c string) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	}, func() {
		mu.Lock()
		dones++
		mu.Unlock()
	}, time.Millisecond)
	waitDone(t, d)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"你", "好", ",", " ", "g", "o"}, chunks)
	assert.Equal(t, 1, dones)
}

func TestDeliverCancelAfterK(t *testing.T) {
	const text = "abcdefghij"
	for k := 1; k < len(text); k++ {
		var (
			got   strings.Builder
			count int
			done  bool
			d     *Delivery
			ready = make(chan struct{})
		)
		d = Deliver(text, func(c string) {
			<-ready
			count++
			got.WriteString(c)
			if count == k {
				d.Cancel()
			}
		}, func() { done = true }, time.Millisecond)
		close(ready)
		waitDone(t, d)

		require.Equal(t, k, count, "k=%d", k)
		assert.Equal(t, text[:k], got.String())
		assert.False(t, done, "onDone fired after cancel at k=%d", k)
	}
}

func TestDeliverCancelIsIdempotent(t *testing.T) {
	called := false
	d := Deliver("abc", func(string) { called = true }, func() { called = true }, time.Hour)
	d.Cancel()
	d.Cancel()
	waitDone(t, d)
	assert.False(t, called)
}

func TestDeliverEmptyText(t *testing.T) {
	done := make(chan struct{})
	d := Deliver("", func(string) { t.Errorf("unexpected chunk") }, func() { close(done) }, time.Millisecond)
	waitDone(t, d)
	select {
	case <-done:
	default:
		t.Fatalf("onDone not called")
	}
}
