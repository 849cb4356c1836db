package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRelayPushNeverBlocks(t *testing.T) {
	out := make(chan int)
	done := make(chan struct{})
	defer close(done)

	r := newRelay[int](out, done)

	pushed := make(chan struct{})
	go func() {
		defer close(pushed)
		for i := 0; i < 1000; i++ {
			r.push(i)
		}
	}()

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("push blocked on an unread channel")
	}

	for i := 0; i < 1000; i++ {
		select {
		case v := <-out:
			require.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("value %d never delivered", i)
		}
	}
}
