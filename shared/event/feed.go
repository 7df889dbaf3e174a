// Package event implements an event feed for one-to-many value
// distribution between long-lived services. Subscribers register a
// channel and receive every value sent after registration, in the
// order a single publisher sends them.
package event

import (
	"errors"
	"reflect"
	"sync"
)

var errBadChannel = errors.New("event: Subscribe argument does not have sendable channel type")

// Subscription represents a stream of events. The carrier of the events is
// typically a channel, passed in at subscription time.
type Subscription interface {
	// Err returns the error channel for the subscription. It stays open
	// until the subscription is cancelled.
	Err() <-chan error
	// Unsubscribe cancels the sending of events to the subscribed channel
	// and closes the error channel.
	Unsubscribe()
}

// Feed implements one-to-many subscriptions where the carrier of events is
// a channel. Values sent to a Feed are delivered to all subscribed channels
// simultaneously.
//
// The zero value is ready to use.
type Feed struct {
	once sync.Once
	mu   sync.Mutex
	subs []*feedSub

	etype reflect.Type // element type of all subscribed channels
}

type feedSub struct {
	feed    *Feed
	channel reflect.Value
	errOnce sync.Once
	err     chan error
	removed chan struct{}
}

func (f *Feed) init() {
	f.subs = make([]*feedSub, 0)
}

// Subscribe adds a channel to the feed. Future sends will be delivered on
// the channel until the subscription is cancelled. All channels added to a
// single feed must have the same element type.
func (f *Feed) Subscribe(channel interface{}) Subscription {
	f.once.Do(f.init)

	chanval := reflect.ValueOf(channel)
	chantyp := chanval.Type()
	if chantyp.Kind() != reflect.Chan || chantyp.ChanDir()&reflect.SendDir == 0 {
		panic(errBadChannel)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.etype == nil {
		f.etype = chantyp.Elem()
	} else if f.etype != chantyp.Elem() {
		panic(errBadChannel)
	}
	sub := &feedSub{
		feed:    f,
		channel: chanval,
		err:     make(chan error, 1),
		removed: make(chan struct{}),
	}
	f.subs = append(f.subs, sub)
	return sub
}

func (f *Feed) remove(sub *feedSub) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.subs {
		if s == sub {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return
		}
	}
}

// Send delivers value to all subscribed channels and returns the number of
// subscribers the value was delivered to. Send blocks on subscribers whose
// channel buffer is full until they receive or unsubscribe.
func (f *Feed) Send(value interface{}) (nsent int) {
	f.once.Do(f.init)

	rvalue := reflect.ValueOf(value)

	f.mu.Lock()
	if f.etype != nil && f.etype != rvalue.Type() {
		f.mu.Unlock()
		panic(errBadChannel)
	}
	subs := make([]*feedSub, len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()

	for _, sub := range subs {
		cases := []reflect.SelectCase{
			{Dir: reflect.SelectSend, Chan: sub.channel, Send: rvalue},
			{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(sub.removed)},
		}
		if chosen, _, _ := reflect.Select(cases); chosen == 0 {
			nsent++
		}
	}
	return nsent
}

// Err returns the subscription error channel.
func (sub *feedSub) Err() <-chan error {
	return sub.err
}

// Unsubscribe removes the subscription from its feed.
func (sub *feedSub) Unsubscribe() {
	sub.errOnce.Do(func() {
		sub.feed.remove(sub)
		close(sub.removed)
		close(sub.err)
	})
}
