package event

import (
	"testing"
	"time"
)

func TestFeed_SendReceivesInOrder(t *testing.T) {
	feed := new(Feed)
	ch := make(chan int, 3)
	sub := feed.Subscribe(ch)
	defer sub.Unsubscribe()

	for i := 0; i < 3; i++ {
		if n := feed.Send(i); n != 1 {
			t.Fatalf("expected 1 subscriber to receive, got %d", n)
		}
	}
	for i := 0; i < 3; i++ {
		got := <-ch
		if got != i {
			t.Errorf("out of order delivery: expected %d, got %d", i, got)
		}
	}
}

func TestFeed_MultipleSubscribers(t *testing.T) {
	feed := new(Feed)
	ch1 := make(chan string, 1)
	ch2 := make(chan string, 1)
	sub1 := feed.Subscribe(ch1)
	sub2 := feed.Subscribe(ch2)
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	if n := feed.Send("hello"); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if got := <-ch1; got != "hello" {
		t.Errorf("unexpected value on first channel: %s", got)
	}
	if got := <-ch2; got != "hello" {
		t.Errorf("unexpected value on second channel: %s", got)
	}
}

func TestFeed_UnsubscribeUnblocksSend(t *testing.T) {
	feed := new(Feed)
	ch := make(chan int) // unbuffered and never read
	sub := feed.Subscribe(ch)

	done := make(chan struct{})
	go func() {
		feed.Send(1)
		close(done)
	}()

	sub.Unsubscribe()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return after Unsubscribe")
	}
}

func TestFeed_UnsubscribeClosesErrChannel(t *testing.T) {
	feed := new(Feed)
	ch := make(chan int, 1)
	sub := feed.Subscribe(ch)
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	select {
	case _, ok := <-sub.Err():
		if ok {
			t.Fatal("expected closed error channel")
		}
	case <-time.After(time.Second):
		t.Fatal("error channel not closed")
	}
}
